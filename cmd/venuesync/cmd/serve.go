package cmd

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/venuesync/venuesync/internal/breaker"
	"github.com/venuesync/venuesync/internal/engine"
	"github.com/venuesync/venuesync/internal/history"
	"github.com/venuesync/venuesync/internal/metrics"
	"github.com/venuesync/venuesync/internal/model"
	"github.com/venuesync/venuesync/internal/ops"
	"github.com/venuesync/venuesync/internal/scheduler"
	"github.com/venuesync/venuesync/internal/worker"
)

// historyRunner tees run results into the optional Postgres sink.
type historyRunner struct {
	eng  *engine.Engine
	sink *history.Sink
}

func (r historyRunner) Run(ctx context.Context, store model.Store, opts engine.Options) model.RunResult {
	res := r.eng.Run(ctx, store, opts)
	r.sink.RecordRun(res)
	return res
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync scheduler and the operator servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp("venuesync")
			if err != nil {
				return err
			}
			if storeID := viper.GetInt("store"); storeID != 0 {
				a.cfg.Service.SingleStore = storeID
			}
			a.log.Info("starting", "version", version,
				"stores", len(a.cfg.EnabledStores()),
				"interval", a.cfg.Service.SyncInterval.String())

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sink, err := history.Open(history.Config{
				URL:    a.cfg.History.PostgresURL,
				Retain: a.cfg.History.Retain,
			}, a.log)
			if err != nil {
				a.log.Warn("history sink unavailable, continuing without it", "error", err.Error())
			}
			defer sink.Close()

			stores := a.cfg.EnabledStores()
			sched := scheduler.New(scheduler.Config{Interval: a.cfg.Service.SyncInterval},
				stores, historyRunner{eng: a.eng, sink: sink}, a.log)

			metricsSrv := metrics.NewServer(a.cfg.Ops.MetricsPort)
			go func() {
				if err := metricsSrv.Start(); err != nil && err != http.ErrServerClosed {
					a.log.Error("metrics server failed", "error", err.Error())
				}
			}()

			opsSrv := ops.NewServer(ops.Params{
				Port:      a.cfg.Ops.APIPort,
				Scheduler: sched,
				Recorder:  a.rec,
				Breakers:  []*breaker.Breaker{a.sotBrk, a.mkBrk},
				History:   sink,
				Log:       a.log,
			})
			go func() {
				if err := opsSrv.Start(); err != nil && err != http.ErrServerClosed {
					a.log.Error("operator API server failed", "error", err.Error())
				}
			}()

			workers := make([]*worker.Worker, 0, len(stores))
			for _, store := range stores {
				w := worker.New(store, worker.Config{
					InitialDelay: a.cfg.Background.InitialDelay,
					DailyLimit:   a.cfg.Background.DailyLimit,
					Interval:     a.cfg.Background.Interval,
				}, a.eng, a.states, a.rec, a.log)
				w.Start(ctx)
				workers = append(workers, w)
			}

			sched.Run(ctx)

			// Graceful shutdown: the current sweep has finished; stop the
			// workers and drain the HTTP servers.
			a.log.Info("shutting down", "timeout", a.cfg.Service.ShutdownTimeout.String())
			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Service.ShutdownTimeout)
			defer cancel()
			for _, w := range workers {
				w.Stop()
			}
			for _, w := range workers {
				w.Wait()
			}
			if err := opsSrv.Stop(shutdownCtx); err != nil {
				a.log.Warn("operator API shutdown failed", "error", err.Error())
			}
			if err := metricsSrv.Stop(shutdownCtx); err != nil {
				a.log.Warn("metrics server shutdown failed", "error", err.Error())
			}
			return nil
		},
	}
	cmd.Flags().Int("store", 0, "run a single store only (horizontal fan-out mode)")
	_ = viper.BindPFlag("store", cmd.Flags().Lookup("store"))
	return cmd
}
