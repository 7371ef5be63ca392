// README: Entry point; loads config, wires the realtime bus and domain services, runs the supervision tree.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	firebase "firebase.google.com/go/v4"

	"tracker/internal/config"
	httptransport "tracker/internal/http"
	"tracker/internal/infra"
	"tracker/internal/logging"
	"tracker/internal/modules/chat"
	"tracker/internal/modules/connection"
	"tracker/internal/modules/dispatch"
	"tracker/internal/modules/eta"
	"tracker/internal/modules/location"
	"tracker/internal/modules/notify"
	"tracker/internal/modules/order"
	"tracker/internal/modules/room"
	"tracker/internal/realtime"
	"tracker/internal/supervisor"
)

func main() {
	if err := run(); err != nil {
		logging.Error().Err(err).Msg("tracker-api exited")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Init(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		return err
	}
	defer dbPool.Close()

	var app *firebase.App
	if cfg.Auth.Mode == "firebase" || cfg.Location.FirebaseMirror || cfg.Push.Enabled {
		app, err = infra.NewFirebaseApp(ctx, infra.FirebaseConfig{
			ProjectID:       cfg.Auth.ProjectID,
			CredentialsFile: cfg.Auth.CredentialsFile,
			DatabaseURL:     cfg.Auth.DatabaseURL,
		})
		if err != nil {
			return err
		}
	}

	var verifier infra.TokenVerifier
	if cfg.Auth.Mode == "jwt" {
		verifier = infra.NewJWTVerifier(cfg.Auth.JWTSecret)
	} else {
		verifier, err = infra.NewFirebaseVerifier(ctx, app)
		if err != nil {
			return err
		}
	}

	// Connection bus.
	registry := connection.NewRegistry(infra.Authenticator{Verifier: verifier}, connection.Options{
		OutboundBuffer: cfg.Bus.OutboundBuffer,
	})
	defer registry.CloseAll()

	orderStore := order.NewStore(dbPool)
	chatStore := chat.NewStore(dbPool)
	rooms := room.NewManager(registry, &room.Policy{
		Orders:        order.Directory{Store: orderStore},
		Conversations: chatStore,
	})
	dispatcher := dispatch.New(rooms, registry, cfg.Bus.DeliveryTimeout)

	// Domain services.
	var pusher notify.Pusher
	var tokens notify.TokenStore
	if cfg.Push.Enabled {
		fcm, err := app.Messaging(ctx)
		if err != nil {
			return fmt.Errorf("firebase messaging: %w", err)
		}
		pusher = notify.NewFCMPusher(fcm)
		tokens = notify.NewStore(dbPool)
	}
	notifier := notify.NewService(dispatcher, rooms, tokens, pusher)
	orderSvc := order.NewService(orderStore, dispatcher, notifier)

	mirrors, err := buildMirrors(ctx, cfg, app)
	if err != nil {
		return err
	}
	locationSvc := location.NewService(dispatcher, orderSvc, location.Options{MinInterval: cfg.Location.MinInterval}, mirrors...)

	var estimator eta.Estimator = eta.StraightLine{AvgSpeedKmh: cfg.ETA.AvgSpeedKmh}
	if cfg.ETA.MapsAPIKey != "" {
		routed, err := eta.NewRouteEstimator(cfg.ETA.MapsAPIKey, estimator)
		if err != nil {
			return err
		}
		estimator = routed
	}
	locationSvc.AddObserver(eta.NewService(estimator, orderSvc, dispatcher))

	chatSvc := chat.NewService(chatStore, rooms, dispatcher)
	gateway := realtime.New(registry, rooms, orderSvc, locationSvc, chatSvc, realtime.Options{
		InboundRate:  cfg.Bus.InboundRate,
		InboundBurst: cfg.Bus.InboundBurst,
	})

	router := httptransport.NewRouter(httptransport.RouterDeps{
		Verifier:       verifier,
		Gateway:        gateway,
		Orders:         orderSvc,
		Locations:      locationSvc,
		Rooms:          rooms,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		ReplyTimeout:   cfg.Bus.DeliveryTimeout,
	})

	tree := supervisor.NewTree(supervisor.TreeConfig{ShutdownTimeout: cfg.HTTP.ShutdownTimeout})
	tree.AddBusService(&connection.Sweeper{
		Registry: registry,
		Interval: cfg.Bus.SweepInterval,
		MaxIdle:  cfg.Bus.IdleTimeout,
	})
	tree.AddAPIService(httptransport.NewServer(cfg.HTTP.Addr, router, cfg.HTTP.ShutdownTimeout))

	logging.Info().
		Str("addr", cfg.HTTP.Addr).
		Str("auth", cfg.Auth.Mode).
		Int("mirrors", len(mirrors)).
		Msg("tracker-api starting")
	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func buildMirrors(ctx context.Context, cfg config.Config, app *firebase.App) ([]location.Mirror, error) {
	var mirrors []location.Mirror
	breaker := location.BreakerConfig{FailureThreshold: 5}

	if cfg.Location.RedisMirror {
		rdb, err := infra.NewRedis(ctx, cfg.Redis.Addr)
		if err != nil {
			return nil, err
		}
		mirrors = append(mirrors, location.WithBreaker(location.NewRedisMirror(rdb), breaker))
	}
	if cfg.Location.FirebaseMirror {
		if cfg.Auth.DatabaseURL == "" {
			return nil, errors.New("location.firebase_mirror needs auth.database_url")
		}
		rtdb, err := app.Database(ctx)
		if err != nil {
			return nil, fmt.Errorf("firebase database: %w", err)
		}
		mirrors = append(mirrors, location.WithBreaker(location.NewFirebaseMirror(rtdb), breaker))
	}
	return mirrors, nil
}
