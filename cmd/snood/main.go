// Command snood keeps a session to the vendor cloud open and exposes the
// account's devices over HTTP, a websocket event stream and, optionally,
// Home Assistant MQTT.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/trymwestin/snoo/internal/config"
	"github.com/trymwestin/snoo/internal/core/state"
	"github.com/trymwestin/snoo/internal/httpapi"
	"github.com/trymwestin/snoo/internal/mqtt"
	"github.com/trymwestin/snoo/pkg/snoo"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	m := snoo.NewMetrics()
	sess := snoo.NewSession(cfg, m, logger)

	if err := authorize(ctx, sess, logger); err != nil {
		logger.Error("authorization failed", "error", err)
		os.Exit(1)
	}

	devices, err := sess.Devices(ctx)
	if err != nil {
		logger.Error("device discovery failed", "error", err)
		_ = sess.Disconnect()
		os.Exit(1)
	}
	for _, d := range devices {
		serial := d.SerialNumber
		if _, err := sess.Subscribe(ctx, serial, func(serial string, st state.DeviceState) {
			logger.Debug("device state", "serial", serial, "event", st.Event, "level", st.StateMachine.ActiveLevel)
		}); err != nil {
			logger.Error("subscribe failed", "serial", serial, "error", err)
			continue
		}
		if err := sess.RequestStatus(ctx, serial); err != nil {
			logger.Warn("initial status request failed", "serial", serial, "error", err)
		}
		logger.Info("device ready", "serial", serial, "name", d.Name, "firmware", d.FirmwareVersion)
	}

	go superviseSession(ctx, sess, logger)

	var publisher mqtt.Publisher
	if cfg.MQTT.Enabled {
		publisher = mqtt.NewHAPublisher(mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, devices, sess, sess.Store(), sess.Bus(), logger.With("component", "mqtt"))
	} else {
		publisher = mqtt.NewStubPublisher(logger)
	}
	if err := publisher.Start(ctx); err != nil {
		logger.Error("mqtt start failed", "error", err)
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpapi.NewServer(sess, m.Handler(), cfg.HTTP.CORSAll, logger.With("component", "http")).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := publisher.Stop(shutdownCtx); err != nil {
		logger.Warn("mqtt shutdown", "error", err)
	}
	if err := sess.Disconnect(); err != nil {
		logger.Warn("disconnect", "error", err)
	}
	logger.Info("stopped")
}

// authorize retries transient failures with exponential backoff. Rejected
// credentials are returned immediately.
func authorize(ctx context.Context, sess *snoo.Session, logger *slog.Logger) error {
	backoff := time.Second
	maxBackoff := 2 * time.Minute

	for {
		_, err := sess.Authorize(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, snoo.ErrInvalidCredentials) || ctx.Err() != nil {
			return err
		}
		logger.Error("authorization attempt failed", "error", err, "retry_in", backoff)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff = time.Duration(math.Min(float64(backoff)*2, float64(maxBackoff)))
	}
}

// superviseSession reauthorizes from scratch after the scheduled renewal
// fails, so the daemon recovers without a restart.
func superviseSession(ctx context.Context, sess *snoo.Session, logger *slog.Logger) {
	events, unsub := sess.Bus().Subscribe(16)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if evt.Type != snoo.EventSessionExpired {
				continue
			}
			logger.Warn("session expired, reauthorizing")
			if err := authorize(ctx, sess, logger); err != nil && ctx.Err() == nil {
				logger.Error("reauthorization gave up", "error", err)
			}
		}
	}
}

func setupLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
