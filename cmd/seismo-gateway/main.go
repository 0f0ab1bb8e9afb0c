// cmd/seismo-gateway/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"seismo-gateway/internal/alerting"
	"seismo-gateway/internal/anomaly"
	"seismo-gateway/internal/api"
	"seismo-gateway/internal/auth"
	"seismo-gateway/internal/config"
	"seismo-gateway/internal/heartbeat"
	"seismo-gateway/internal/logger"
	"seismo-gateway/internal/metrics"
	"seismo-gateway/internal/registry"
	"seismo-gateway/internal/service"
	"seismo-gateway/internal/storage"
	"seismo-gateway/internal/websocket"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := pflag.String("config", ".", "Directory containing config.yaml")
	hashPassword := pflag.String("hash-password", "", "Print a bcrypt hash for an operator password and exit")
	pflag.Parse()

	if *hashPassword != "" {
		hash, err := auth.HashPassword(*hashPassword, 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "hash password: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, "seismo-gateway")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("Gateway stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Storage ---
	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	// --- Fleet state ---
	reg := registry.New(cfg.Mode(), cfg.Aliases())
	tracker := heartbeat.NewTracker(reg, cfg.Heartbeat.Interval)

	m := metrics.New()
	m.ObserveFleet(
		func() float64 { return float64(tracker.OnlineCount(time.Now())) },
		func() float64 {
			size, err := store.Size(context.Background())
			if err != nil {
				return 0
			}
			return float64(size)
		},
	)

	// --- Announcements ---
	var notifiers []alerting.Notifier
	if cfg.Notify.MQTT.Broker != "" {
		n, err := alerting.DialMQTT(alerting.MQTTConfig{
			Broker:   cfg.Notify.MQTT.Broker,
			ClientID: cfg.Notify.MQTT.ClientID,
			Username: cfg.Notify.MQTT.Username,
			Password: cfg.Notify.MQTT.Password,
			Topic:    cfg.Notify.MQTT.Topic,
			QoS:      cfg.Notify.MQTT.QoS,
		})
		if err != nil {
			// announcements are best effort, the gateway still ingests without them
			log.Warn("MQTT notifier disabled", zap.String("broker", cfg.Notify.MQTT.Broker), zap.Error(err))
		} else {
			defer n.Close()
			notifiers = append(notifiers, n)
		}
	}
	if cfg.Notify.Webhook.URL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.Notify.Webhook.URL))
	}
	alerter := alerting.NewAlerter(log, m, notifiers...)

	// --- Live feed ---
	hub := websocket.NewHub(log)
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	ingestor := service.New(store, reg, alerter, hub, m, log, service.Options{
		Window:   cfg.Consensus.Window,
		Detector: anomaly.NewDetector(cfg.Sensitivity),
	})

	users := make([]auth.User, 0, len(cfg.Auth.Users))
	for _, u := range cfg.Auth.Users {
		users = append(users, auth.User{Username: u.Username, PasswordHash: u.PasswordHash})
	}
	am := auth.NewAuthManager(auth.Config{
		JWTSecret:     cfg.Auth.JWTSecret,
		JWTExpiration: cfg.Auth.JWTExpiration,
		APIKeys:       cfg.Auth.APIKeys,
		Users:         users,
	})

	handler := api.NewAPIHandler(ingestor, store, reg, tracker, hub, am, m, log, api.Options{
		Port:            cfg.Server.Port,
		HostURL:         cfg.Server.HostURL,
		DataPath:        cfg.Storage.Path,
		MaxBytes:        cfg.Storage.MaxBytes,
		Sensitivity:     cfg.Sensitivity,
		FirmwareVersion: cfg.Firmware.Version,
		FirmwareURL:     cfg.Firmware.URL,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.SetupRouter(handler, log),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("Starting seismo gateway",
			zap.Int("port", cfg.Server.Port),
			zap.String("storage", cfg.Storage.Backend),
			zap.String("device_mode", cfg.Devices.Mode),
			zap.Int("roster_size", len(cfg.Devices.Roster)),
			zap.Duration("window", cfg.Consensus.Window),
			zap.Int("notifiers", len(notifiers)))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("Received signal, shutting down")
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server did not shut down cleanly", zap.Error(err))
	}

	// an open window still gets its verdict recorded before exit
	ingestor.Wait()
	stopHub()
	log.Info("Seismo gateway stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (storage.EventStore, func(), error) {
	switch cfg.Storage.Backend {
	case "memory":
		log.Warn("Using in-memory event store, events are lost on restart")
		return storage.NewMemoryStore(cfg.Storage.MaxBytes), func() {}, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.Storage.Redis.Addr, err)
		}
		store := storage.NewRedisStore(client, cfg.Storage.Redis.Key, cfg.Storage.MaxBytes, log)
		return store, func() { client.Close() }, nil

	default:
		store, err := storage.NewFileStore(cfg.Storage.Path, cfg.Storage.MaxBytes, log)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}
}
