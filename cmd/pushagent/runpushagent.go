// --- File: cmd/pushagent/runpushagent.go ---
package main

import (
	"context"
	_ "embed"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"

	firebase "firebase.google.com/go/v4"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-push-binding/internal/delivery"
	"github.com/tinywideclouds/go-push-binding/internal/platform/apns"
	"github.com/tinywideclouds/go-push-binding/internal/platform/fcm"
	pushpubsub "github.com/tinywideclouds/go-push-binding/internal/platform/pubsub"
	"github.com/tinywideclouds/go-push-binding/internal/storage/cache"
	fsStore "github.com/tinywideclouds/go-push-binding/internal/storage/firestore"
	"github.com/tinywideclouds/go-push-binding/pkg/push"

	"github.com/tinywideclouds/go-push-binding/pushregistration"
	"github.com/tinywideclouds/go-push-binding/pushregistration/config"

	"gopkg.in/yaml.v3"
)

//go:embed local.yaml
var configFile []byte

func main() {
	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "info", "INFO":
		logLevel = slog.LevelInfo
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-push-binding")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Config Loading ---
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Error("Failed to unmarshal embedded yaml config", "err", err)
		os.Exit(1)
	}
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		logger.Error("Config mapping failed", "err", err)
		os.Exit(1)
	}
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}

	var sinks pushregistration.Sinks

	// --- Infrastructure Clients ---
	if cfg.NeedsGoogleCloud() {
		owner, _ := urn.Parse(cfg.OwnerURN)

		// A. Binding Store (Decorated)
		if cfg.PersistBindings {
			fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
			if err != nil {
				logger.Error("Firestore client failed", "err", err)
				os.Exit(1)
			}
			defer fsClient.Close()

			var store push.BindingStore = fsStore.NewBindingStore(fsClient)
			logger.Info("BindingStore initialized", "type", "firestore")

			if cfg.Redis.Enabled {
				logger.Info("Initializing Redis Cache layer...", "addr", cfg.Redis.Addr)
				redisClient, err := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, "")
				if err != nil {
					logger.Error("Failed to connect to Redis", "err", err)
					os.Exit(1)
				}
				defer redisClient.Close()
				store = cache.NewCachedBindingStore(store, redisClient, cfg.Redis.TTL)
				logger.Info("BindingStore upgraded", "type", "redis_cached_firestore")
			}
			sinks.Store = store
		}

		// B. Token events (Pub/Sub)
		if cfg.TokenEventsTopicID != "" {
			psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
			if err != nil {
				logger.Error("PubSub client failed", "err", err)
				os.Exit(1)
			}
			defer psClient.Close()

			if err := pushpubsub.EnsureTopic(ctx, psClient, cfg.ProjectID, cfg.TokenEventsTopicID, logger); err != nil {
				logger.Error("Failed to ensure token events topic", "err", err)
				os.Exit(1)
			}
			publisher := pushpubsub.NewTopicPublisher(psClient, cfg.TokenEventsTopicID)
			defer publisher.Stop()
			sinks.Forwarder = pushpubsub.NewTokenEventForwarder(publisher, owner, cfg.InstallationID, logger)
		}

		// C. Topic subscriptions (FCM)
		if len(cfg.FCMTopics) > 0 {
			fbApp, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID})
			if err != nil {
				logger.Error("Failed to initialize Firebase App", "err", err)
				os.Exit(1)
			}
			fcmMessaging, err := fbApp.Messaging(ctx)
			if err != nil {
				logger.Error("Failed to create FCM messaging client", "err", err)
				os.Exit(1)
			}
			sinks.Topics = fcm.NewTopicSubscriber(fcmMessaging, cfg.FCMTopics, logger)
		}
	}

	// D. APNs probe
	if cfg.APNS.Enabled {
		probe, err := apns.NewProbe(apns.Config{
			KeyID:        cfg.APNS.KeyID,
			TeamID:       cfg.APNS.TeamID,
			BundleID:     cfg.APNS.BundleID,
			P8KeyContent: cfg.APNS.P8KeyContent,
			Sandbox:      cfg.APNS.Sandbox,
		}, logger)
		if err != nil {
			logger.Error("Failed to initialize APNs probe", "err", err)
			os.Exit(1)
		}
		sinks.Probe = probe
		logger.Info("APNs probe enabled", "bundle_id", cfg.APNS.BundleID, "sandbox", cfg.APNS.Sandbox)
	}

	// --- Auth ---
	// The bridge normally listens on loopback for the host shell only; an
	// identity service turns on JWT verification for remote hosts.
	var authMiddleware func(http.Handler) http.Handler
	if identityURL := os.Getenv("IDENTITY_SERVICE_URL"); identityURL != "" {
		jwksURL, err := middleware.DiscoverAndValidateJWTConfig(identityURL, middleware.RSA256, logger)
		if err != nil {
			logger.Error("JWT discovery failed", "err", err)
			os.Exit(1)
		}
		authMiddleware, err = middleware.NewJWKSAuthMiddleware(jwksURL, logger)
		if err != nil {
			logger.Error("Auth middleware failed", "err", err)
			os.Exit(1)
		}
	}

	// --- Agent ---
	agent, err := pushregistration.NewAgent(cfg, sinks, delivery.Handlers{
		Foreground: func(ev push.NotificationEvent) {
			logger.Info("Foreground notification", "event_id", ev.ID)
		},
	}, authMiddleware, logger)
	if err != nil {
		logger.Error("Agent creation failed", "err", err)
		os.Exit(1)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = agent.Shutdown(shutdownCtx)
	}()

	logger.Info("Starting service...")
	if err := agent.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Service shutdown with error", "err", err)
		os.Exit(1)
	}
}
