package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/leadloop/activityd/internal/api"
	"github.com/leadloop/activityd/internal/config"
	"github.com/leadloop/activityd/internal/service"
	"github.com/leadloop/activityd/internal/storage"
	"github.com/leadloop/activityd/pkg/feed"
	"github.com/leadloop/activityd/pkg/feedclient"
)

var (
	// Build information. Populated at build-time via -ldflags flag.
	version = "dev"
	commit  = "HEAD"
)

func build() string {
	short := commit
	if len(commit) > 7 {
		short = commit[:7]
	}
	return fmt.Sprintf("%s (%s)", version, short)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:    "activityd",
		Usage:   "Real-time activity feed service for the marketplace",
		Version: build(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "log level (debug, info, warn, error)",
				Sources: cli.EnvVars("ACTIVITYD_LOG_LEVEL"),
				Value:   "info",
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			return ctx, setupLogger(c.String("log-level"))
		},
		Commands: []*cli.Command{
			newServeCmd(),
			newTailCmd(),
			newTokenCmd(),
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func setupLogger(level string) error {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %w", err)
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(parsed).
		With().Timestamp().Logger()
	return nil
}

func newServeCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the activity feed service",
		Action: func(ctx context.Context, _ *cli.Command) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			store, err := storage.OpenActivityStore(cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			var (
				logger      = log.With().Str("component", "activityd").Logger()
				broadcaster = service.NewBroadcaster(0)
				activity    = service.NewActivityService(store, broadcaster, logger)
				verifier    = api.NewTokenVerifier([]byte(cfg.JWTSecret))
				handler     = api.NewHandler(activity, broadcaster, verifier, logger)
			)

			r := chi.NewRouter()
			r.Use(middleware.RequestID)
			r.Use(middleware.Recoverer)
			handler.Mount(r)

			srv := &http.Server{
				Addr:              cfg.ServerAddr(),
				Handler:           r,
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info().Str("addr", cfg.ServerAddr()).Msg("listening")
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			logger.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
}

func newTailCmd() *cli.Command {
	return &cli.Command{
		Name:  "tail",
		Usage: "Follow the merged activity feed (snapshot + live pushes)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "url",
				Usage:   "base URL of the activity service",
				Sources: cli.EnvVars("ACTIVITYD_URL"),
				Value:   "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:     "token",
				Usage:    "bearer token",
				Sources:  cli.EnvVars("ACTIVITYD_TOKEN"),
				Required: true,
			},
			&cli.StringFlag{
				Name:  "type",
				Usage: "comma-separated event type filter",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			var (
				baseURL = strings.TrimRight(c.String("url"), "/")
				token   = c.String("token")
				logger  = log.With().Str("component", "tail").Logger()
				filter  = parseTypeFilter(c.String("type"))
			)

			wsURL := toWebsocketURL(baseURL) + "/api/v1/realtime"
			client := feedclient.New(wsURL, logger)
			reconciler := feedclient.NewReconciler(filter)

			unsubState := client.OnStateChange(func(state feedclient.State) {
				fmt.Fprintf(os.Stderr, "-- connection: %s\n", state)
				if state == feedclient.StateFailed {
					fmt.Fprintln(os.Stderr, "-- reconnect attempts exhausted; press Enter to retry")
				}
			})
			defer unsubState()

			// Retry is a no-op outside the failed state, so stray newlines
			// are harmless.
			go func() {
				scanner := bufio.NewScanner(os.Stdin)
				for scanner.Scan() {
					client.Retry()
				}
			}()

			unsubData := client.Subscribe(feed.EventActivityUpdate, func(payload json.RawMessage) {
				before := reconciler.Len()
				if err := reconciler.ApplyPayload(payload); err != nil {
					logger.Warn().Err(err).Msg("drop malformed push")
					return
				}
				printLatest(reconciler, before)
			})
			defer unsubData()
			defer client.Disconnect()

			// Open the live stream and fetch the snapshot concurrently; the
			// reconciler merges the two whichever lands first.
			client.Connect(token)
			snapshots := feedclient.NewHTTPClient(baseURL, token, nil)
			if err := reconciler.Load(ctx, snapshots); err != nil {
				logger.Warn().Err(err).Msg("snapshot fetch failed; showing live events only")
			} else {
				for _, ev := range reconciler.View() {
					printEvent(ev)
				}
			}

			<-ctx.Done()
			return nil
		},
	}
}

func newTokenCmd() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Mint a development bearer token",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "subject",
				Usage: "token subject",
				Value: "dev",
			},
			&cli.DurationFlag{
				Name:  "ttl",
				Usage: "token lifetime",
				Value: 24 * time.Hour,
			},
		},
		Action: func(_ context.Context, c *cli.Command) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			verifier := api.NewTokenVerifier([]byte(cfg.JWTSecret))
			token, err := verifier.Sign(c.String("subject"), c.Duration("ttl"))
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
}

func parseTypeFilter(raw string) feed.Filter {
	var filter feed.Filter
	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		filter.Types = append(filter.Types, feed.EventType(name).Canonical())
	}
	return filter
}

func toWebsocketURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://")
	default:
		return baseURL
	}
}

// printLatest prints events added by the most recent payload. Replacements
// keep the view size unchanged, so the updated entry is reprinted from the
// top of the view.
func printLatest(reconciler *feedclient.Reconciler, before int) {
	view := reconciler.View()
	added := len(view) - before
	if added <= 0 {
		added = 1
	}
	if added > len(view) {
		added = len(view)
	}
	for i := added - 1; i >= 0; i-- {
		printEvent(view[i])
	}
}

func printEvent(ev feed.Event) {
	marker := " "
	if ev.Read {
		marker = "*"
	}
	fmt.Printf("%s %s  [%s]  %s\n", marker, ev.Timestamp.Local().Format(time.RFC3339), ev.Type, ev.Description)
}
