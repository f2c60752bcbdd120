package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"localtasks/internal/api"
	"localtasks/internal/scheduler"
	"localtasks/internal/sync"
)

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the periodic sync scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			var sched *scheduler.Service
			if a.cfg.Sync.ScheduleEnabled() {
				sched = scheduler.NewService(a.engine, a.cfg.Sync.Schedule)
				a.reporter.WithSchedule(sched.Next)
			}

			handler := api.NewServer(a.tasks, a.engine, a.reporter, api.Options{
				Debug:        a.cfg.API.Debug,
				TriggerRPS:   a.cfg.API.RateLimit.RPS,
				TriggerBurst: a.cfg.API.RateLimit.Burst,
			})
			srv := &http.Server{Addr: a.cfg.API.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				log.Info().Str("addr", srv.Addr).Msg("HTTP server starting")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			if sched != nil {
				g.Go(func() error { return sched.Start(gctx) })
			}
			g.Go(func() error {
				<-gctx.Done()
				log.Info().Msg("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
}

func syncCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle now and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.engine.Trigger(cmd.Context())
			if sync.KindOf(err) == sync.KindOffline {
				_ = printJSON(map[string]string{"error": "remote unreachable", "kind": string(sync.KindOffline)})
				return exitCode(exitOffline)
			}
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

func statusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pending items, last sync time and connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.reporter.Status(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	}
}

func poisonedCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "poisoned",
		Short: "List queue items that reached the retry ceiling",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			items, err := a.engine.Poisoned(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(items)
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
