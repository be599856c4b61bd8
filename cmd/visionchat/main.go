// visionchat is a demo client that logs in, starts a simulated camera, and
// submits a prompt with the latest frame to the analysis service, printing
// the response.
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

	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"

	"github.com/studiolens/visionchat/api"
	"github.com/studiolens/visionchat/auth"
	"github.com/studiolens/visionchat/capture"
	"github.com/studiolens/visionchat/config"
	"github.com/studiolens/visionchat/events"
	"github.com/studiolens/visionchat/logger"
	prommetrics "github.com/studiolens/visionchat/metrics/prometheus"
	"github.com/studiolens/visionchat/session"
	"github.com/studiolens/visionchat/transport"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config")
		username   = flag.String("username", "", "login username")
		password   = flag.String("password", "", "login password")
		prompt     = flag.String("prompt", "Describe this", "analysis prompt")
		verbose    = flag.Bool("verbose", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger.SetHandler(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05",
	}))

	if err := run(*configPath, *username, *password, *prompt); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(configPath, username, password, prompt string) error {
	if username == "" || password == "" {
		return errors.New("both -username and -password are required")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus()
	bus.SubscribeAll(prommetrics.NewMetricsListener().Listener())

	keyring, err := auth.NewFileKeyring(cfg.Keyring.Path)
	if err != nil {
		return err
	}
	authMgr, err := auth.NewManager(auth.Config{
		BaseURL: cfg.Server.BaseURL,
		Keyring: keyring,
		Bus:     bus,
	})
	if err != nil {
		return err
	}

	orc, err := session.NewOrchestrator(session.Config{
		Auth: authMgr,
		API:  api.NewClient(cfg.Server.BaseURL, authMgr.Client()),
		Transport: transport.Config{
			URL:         cfg.Websocket.URL,
			BaseDelay:   cfg.Websocket.BaseDelay(),
			MaxAttempts: cfg.Websocket.MaxAttempts,
		},
		Source: capture.NewSimulatedSource(),
		Capture: capture.Config{
			Constraints: cfg.Camera,
			Encoder: capture.EncoderConfig{
				Quality:         cfg.Frame.Quality,
				FallbackQuality: cfg.Frame.FallbackQuality,
				MaxPayloadBytes: cfg.Frame.MaxPayloadBytes,
			},
		},
		Bus: bus,
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Addr != "" {
		exporter := prommetrics.NewExporter(cfg.Metrics.Addr)
		g.Go(func() error {
			logger.Info("metrics exporter listening", "addr", cfg.Metrics.Addr)
			if err := exporter.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return exporter.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer func() {
			logoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := orc.Logout(logoutCtx); err != nil {
				logger.Warn("logout failed", "error", err)
			}
			_ = orc.Disconnect()
		}()
		return chat(ctx, orc, bus, username, password, prompt)
	})

	err = g.Wait()
	bus.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// chat drives one interactive exchange: login, camera on, submit the
// prompt, print the response, then idle until interrupted.
func chat(ctx context.Context, orc *session.Orchestrator, bus *events.Bus, username, password, prompt string) error {
	responses := make(chan *events.Event, 8)
	bus.Subscribe(events.EventRequestCompleted, func(e *events.Event) {
		select {
		case responses <- e:
		default:
		}
	})

	if err := orc.Login(ctx, username, password); err != nil {
		return err
	}
	logger.Info("logged in", "username", username)

	if err := orc.StartCamera(ctx); err != nil {
		return err
	}

	// Wait for the first frame, then submit.
	var requestID string
	submit := time.NewTicker(500 * time.Millisecond)
	defer submit.Stop()
	for requestID == "" {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-submit.C:
		}
		id, err := orc.SubmitPrompt(ctx, prompt)
		if err != nil {
			if reason, ok := session.Rejected(err); ok {
				logger.Debug("not ready to submit", "reason", reason)
				continue
			}
			return err
		}
		requestID = id
	}
	logger.Info("prompt submitted", "request_id", requestID, "prompt", prompt)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-responses:
	}

	msgs, err := orc.Messages(ctx)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		fmt.Printf("[%s] %s\n", m.Role, m.Content)
	}

	<-ctx.Done()
	return ctx.Err()
}
