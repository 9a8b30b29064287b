package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/heliosev/helios/pkg/log"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const firestoreCollection = "helios"

// FirestoreStore keeps each key as a document holding a JSON string.
type FirestoreStore struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore store.
// It registers flags for configuration.
func configuredFirestore() *FirestoreStore {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreStore{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Init initializes the Firestore client.
// This must be called before using the store methods.
func (f *FirestoreStore) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreStore) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

// doc returns the document for key. Slashes would create subcollections so
// they are flattened.
func (f *FirestoreStore) doc(key string) *firestore.DocumentRef {
	return f.client.Collection(firestoreCollection).Doc(strings.ReplaceAll(key, "/", "__"))
}

func decodeFirestoreDoc(ctx context.Context, key string, doc *firestore.DocumentSnapshot, dest any) error {
	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "store doc missing json", slog.String("key", key))
		return fmt.Errorf("document %s missing 'json' field: %w", key, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		return fmt.Errorf("document %s 'json' field is not a string", key)
	}
	if err := json.Unmarshal([]byte(jsonStr), dest); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

func encodeFirestoreDoc(key string, value any) (map[string]interface{}, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return map[string]interface{}{
		"json":    string(b),
		"updated": time.Now(),
	}, nil
}

// Get implements Store.
func (f *FirestoreStore) Get(ctx context.Context, key string, dest any) error {
	doc, err := f.doc(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return ErrNotFound
		}
		return fmt.Errorf("failed to fetch %s: %w", key, err)
	}
	return decodeFirestoreDoc(ctx, key, doc, dest)
}

// Set implements Store.
func (f *FirestoreStore) Set(ctx context.Context, key string, value any) error {
	data, err := encodeFirestoreDoc(key, value)
	if err != nil {
		return err
	}
	if _, err := f.doc(key).Set(ctx, data); err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	return nil
}

// Update implements Store.
func (f *FirestoreStore) Update(ctx context.Context, key string, dest any, fn func(found bool) error) error {
	ref := f.doc(key)
	return f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		found := true
		doc, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) != codes.NotFound {
				return fmt.Errorf("failed to fetch %s: %w", key, err)
			}
			found = false
		} else if err := decodeFirestoreDoc(ctx, key, doc, dest); err != nil {
			return err
		}
		if err := fn(found); err != nil {
			return err
		}
		data, err := encodeFirestoreDoc(key, dest)
		if err != nil {
			return err
		}
		return tx.Set(ref, data)
	})
}
