package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/heliosev/helios/pkg/arbiter"
	"github.com/heliosev/helios/pkg/controller"
	"github.com/heliosev/helios/pkg/geo"
	"github.com/heliosev/helios/pkg/log"
	"github.com/heliosev/helios/pkg/metrics"
	"github.com/heliosev/helios/pkg/runner"
	"github.com/heliosev/helios/pkg/server"
	"github.com/heliosev/helios/pkg/session"
	"github.com/heliosev/helios/pkg/solar"
	"github.com/heliosev/helios/pkg/store"
	"github.com/heliosev/helios/pkg/types"
	"github.com/heliosev/helios/pkg/vehicle"

	"github.com/levenlabs/go-lflag"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

func main() {
	rec, err := metrics.NewRecorder()
	if err != nil {
		panic(fmt.Errorf("failed to register metrics: %w", err))
	}

	// init packages
	s := store.Configured()
	g := geo.Configured()
	enphase := solar.Configured(s, rec)
	fleet := vehicle.Configured(s, g, rec)
	settings := runner.ConfiguredSettings()
	printAuthURL := lflag.Bool("print-auth-url", false, "Print the Enphase authorization URL and exit")

	var r *runner.Runner
	srv := server.Configured(server.StatusFunc(func() types.Status {
		if r == nil {
			return types.Status{}
		}
		return r.Status()
	}), prometheus.DefaultGatherer)

	// parse flags
	lflag.Configure()

	// lflag automatically sets llog's level, but we need to set the slog level
	level, err := log.LevelFromLLog()
	if err != nil {
		panic(err)
	}
	log.SetDefaultLogLevel(level)
	slog.SetDefault(log.Ctx(context.Background()))
	slog.Debug("logger configured", slog.String("level", level.String()))

	if *printAuthURL {
		fmt.Println("Use this url to authorize access to your Enphase system and retrieve an authorization code:")
		fmt.Println(enphase.AuthURL())
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close store", slog.Any("error", err))
		}
	}()

	if settings.HomeAddress == "" {
		log.Ctx(ctx).ErrorContext(ctx, "home-address is required")
		os.Exit(1)
	}

	vehicles, err := fleet.Discover(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to discover vehicles", slog.Any("error", err))
		os.Exit(1)
	}
	candidates := make([]arbiter.Vehicle, len(vehicles))
	for i, v := range vehicles {
		candidates[i] = v
	}

	ctrl := controller.NewController(settings.Controller, time.Now())
	r = runner.New(*settings, enphase, arbiter.New(candidates), ctrl, rec)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return r.Run(egCtx)
	})
	eg.Go(func() error {
		return srv.Run(egCtx)
	})
	if err := eg.Wait(); err != nil {
		if errors.Is(err, session.ErrFatalAuth) {
			log.Ctx(ctx).ErrorContext(ctx, "unable to authenticate, exiting", slog.Any("error", err))
		} else {
			log.Ctx(ctx).ErrorContext(ctx, "helios failed", slog.Any("error", err))
		}
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "helios exited cleanly")
}
