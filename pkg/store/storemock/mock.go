package storemock

import (
	"context"
	"encoding/json"

	"github.com/heliosev/helios/pkg/store"
	"github.com/stretchr/testify/mock"
)

type MockStore struct {
	mock.Mock
}

var _ store.Store = (*MockStore)(nil)

// Get returns args.Get(0) encoded into dest, or the error in args.Error(1).
func (m *MockStore) Get(ctx context.Context, key string, dest any) error {
	args := m.Called(ctx, key)
	if err := args.Error(1); err != nil {
		return err
	}
	return copyInto(args.Get(0), dest)
}

func (m *MockStore) Set(ctx context.Context, key string, value any) error {
	args := m.Called(ctx, key, value)
	return args.Error(0)
}

// Update seeds dest from args.Get(0) when it is non-nil, runs fn and returns
// fn's error or args.Error(1).
func (m *MockStore) Update(ctx context.Context, key string, dest any, fn func(found bool) error) error {
	args := m.Called(ctx, key)
	found := args.Get(0) != nil
	if found {
		if err := copyInto(args.Get(0), dest); err != nil {
			return err
		}
	}
	if err := fn(found); err != nil {
		return err
	}
	return args.Error(1)
}

func (m *MockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

func copyInto(src, dest any) error {
	b, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dest)
}
