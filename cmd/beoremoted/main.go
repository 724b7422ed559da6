// Command beoremoted keeps a connection to a Bang & Olufsen BeoNetRemote
// device and exposes it over HTTP and, optionally, MQTT for Home Assistant.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/trymwestin/beoremote/internal/config"
	"github.com/trymwestin/beoremote/internal/core/device"
	"github.com/trymwestin/beoremote/internal/core/state"
	"github.com/trymwestin/beoremote/internal/httpapi"
	"github.com/trymwestin/beoremote/internal/logging"
	"github.com/trymwestin/beoremote/internal/mqtt"
)

// Set at build time via -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "/etc/beoremote/config.yaml", "path to the YAML config file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logging.New(cfg.Log, version)
	log.Info("starting beoremoted", "config", configPath, "device", cfg.Device.Host)

	bus := state.NewEventBus(log.With("component", "bus"))
	store := state.NewStateStore(bus, log.With("component", "state"))
	client := device.NewClient(device.Options{
		Host:           cfg.Device.Host,
		Port:           cfg.Device.Port,
		KeepAlive:      cfg.Device.KeepAlive,
		ConnectTimeout: cfg.Device.ConnectTimeout,
	}, store, bus, log.With("component", "device"))

	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Disconnect(context.Background())

	var pub mqtt.Publisher = mqtt.NewStubPublisher(log.With("component", "mqtt"))
	if cfg.MQTT.Enabled {
		pub = mqtt.NewHAPublisher(mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			DeviceID:    cfg.MQTT.DeviceID,
			DeviceName:  cfg.MQTT.DeviceName,
		}, client, store, bus, log.With("component", "mqtt"))
	}
	if err := pub.Start(ctx); err != nil {
		return err
	}

	api := httpapi.NewServer(client, cfg.HTTP.CORSAll, log.With("component", "http"))
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP API listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(srv.Shutdown(shutdownCtx), pub.Stop(shutdownCtx))
	})

	err = g.Wait()
	logShutdown(log, err)
	return err
}

func logShutdown(log *slog.Logger, err error) {
	if err != nil {
		log.Error("stopped with error", "error", err)
		return
	}
	log.Info("stopped")
}
