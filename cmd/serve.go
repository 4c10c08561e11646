package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-enricher/internal/api"
	"github.com/sells-group/prospect-enricher/internal/jobs"
	"github.com/sells-group/prospect-enricher/internal/monitoring"
	"github.com/sells-group/prospect-enricher/internal/reconcile"
)

const shutdownTimeout = 30 * time.Second

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the operator API, the job supervisor and the reconcile schedule",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		sup := jobs.NewSupervisor(env.Runner, jobs.SupervisorConfig{
			Workers:          cfg.Jobs.Workers,
			QueueSize:        cfg.Jobs.QueueSize,
			RecoveryInterval: cfg.Jobs.RecoveryInterval(),
		}, env.Metrics)
		if err := sup.Start(ctx); err != nil {
			return err
		}
		defer sup.Stop()

		if cfg.Reconcile.Enabled {
			sched, err := scheduleReconcile(ctx, env.Sweeper, cfg.Reconcile.Schedule)
			if err != nil {
				return err
			}
			defer func() { <-sched.Stop().Done() }()
		}

		if cfg.Monitoring.Enabled {
			checker := monitoring.NewChecker(env.Collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
			go checker.Run(ctx)
		}

		srv := &http.Server{
			Addr: fmt.Sprintf(":%d", cfg.Server.Port),
			Handler: api.NewRouter(api.Deps{
				Store:          env.Store,
				Runner:         env.Runner,
				Queue:          sup,
				Locker:         env.Locker,
				Enricher:       env.Enricher,
				Sweeper:        env.Sweeper,
				Status:         env.Collector,
				Metrics:        promhttp.HandlerFor(env.Registry, promhttp.HandlerOpts{}),
				AllowedOrigins: cfg.Server.AllowedOrigins,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

// sweepRunner runs one reconcile sweep.
type sweepRunner interface {
	Run(ctx context.Context) (*reconcile.Report, error)
}

// scheduleReconcile starts a cron that sweeps on schedule. Overlapping runs are
// skipped and a panicking sweep does not kill the schedule.
func scheduleReconcile(ctx context.Context, s sweepRunner, schedule string) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(
		cron.Recover(cron.DefaultLogger),
		cron.SkipIfStillRunning(cron.DefaultLogger),
	))
	if _, err := c.AddFunc(schedule, func() {
		if ctx.Err() != nil {
			return
		}
		rep, err := s.Run(ctx)
		if err != nil {
			zap.L().Error("scheduled reconcile failed", zap.Error(err))
			return
		}
		zap.L().Info("scheduled reconcile complete",
			zap.Int("repaired", rep.Repaired()),
			zap.Int("errors", len(rep.Errors)),
		)
	}); err != nil {
		return nil, eris.Wrapf(err, "reconcile: invalid schedule %q", schedule)
	}
	c.Start()
	zap.L().Info("reconcile scheduled", zap.String("schedule", schedule))
	return c, nil
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
