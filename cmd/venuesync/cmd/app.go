package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/venuesync/venuesync/config"
	"github.com/venuesync/venuesync/internal/batch"
	"github.com/venuesync/venuesync/internal/breaker"
	"github.com/venuesync/venuesync/internal/engine"
	"github.com/venuesync/venuesync/internal/marketplace"
	"github.com/venuesync/venuesync/internal/metrics"
	"github.com/venuesync/venuesync/internal/priority"
	"github.com/venuesync/venuesync/internal/ratelimit"
	"github.com/venuesync/venuesync/internal/sot"
	"github.com/venuesync/venuesync/internal/statestore"
	"github.com/venuesync/venuesync/pkg/logger"
)

// app is the assembled service graph shared by all commands.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	states  *statestore.Store
	gov     *ratelimit.Governor
	batcher *batch.Batcher
	sotBrk  *breaker.Breaker
	mkBrk   *breaker.Breaker
	rec     *metrics.Recorder
	source  *sot.Client
	market  *marketplace.Client
	eng     *engine.Engine
}

func newApp(component string) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log := logger.New(component)

	states, err := statestore.New(cfg.Service.StateDir, statestore.WriteMode(cfg.Service.StateWriteMode), log)
	if err != nil {
		return nil, fmt.Errorf("state store init: %w", err)
	}

	gov := ratelimit.New(ratelimit.Config{
		MinInterval: cfg.RateLimit.MinInterval,
		Learning:    cfg.RateLimit.Learning,
		LearnedCap:  cfg.RateLimit.LearnedCap,
		Buffer:      cfg.RateLimit.Buffer,
		Jitter:      cfg.RateLimit.Jitter,
		PostSuccess: cfg.RateLimit.PostSuccess,
	}, filepath.Join(cfg.Service.StateDir, "rate-limits.json"), log)

	batcher := batch.New(batch.Config{
		Initial:           cfg.Adaptive.Initial,
		Min:               cfg.Adaptive.Min,
		Max:               cfg.Adaptive.Max,
		IncreaseThreshold: cfg.Adaptive.IncreaseThreshold,
		IncreaseRate:      cfg.Adaptive.IncreaseRate,
		DecreaseRate:      cfg.Adaptive.DecreaseRate,
		NominalDelay:      cfg.Adaptive.NominalDelay,
		ConservativeDelay: cfg.Adaptive.ConservativeDelay,
	}, filepath.Join(cfg.Service.StateDir, "adaptive-batch.json"), log)

	mkCfg := breaker.MarketplaceConfig()
	mkCfg.Ignore = engine.MarketIgnoreRateLimit
	sotBrk := breaker.New(breaker.SoTConfig(), log)
	mkBrk := breaker.New(mkCfg, log)
	rec := metrics.NewRecorder()

	source := sot.New(sot.Config{
		BaseURL:   cfg.SoT.BaseURL,
		Login:     cfg.SoT.Login,
		Password:  cfg.SoT.Password,
		Timeout:   cfg.SoT.Timeout,
		ChunkSize: cfg.SoT.ChunkSize,
	}, log)

	market := marketplace.New(marketplace.Config{
		BaseURL: cfg.Marketplace.BaseURL,
		Timeout: cfg.Marketplace.Timeout,
	}, log)

	eng := engine.New(engine.Params{
		Source:        source,
		Market:        market,
		States:        states,
		Governor:      gov,
		Batcher:       batcher,
		SoTBreaker:    sotBrk,
		MarketBreaker: mkBrk,
		Recorder:      rec,
		Log:           log,
		Batching:      cfg.Batching,
	})

	return &app{
		cfg:     cfg,
		log:     log,
		states:  states,
		gov:     gov,
		batcher: batcher,
		sotBrk:  sotBrk,
		mkBrk:   mkBrk,
		rec:     rec,
		source:  source,
		market:  market,
		eng:     eng,
	}, nil
}

func (a *app) priorityWeights() priority.Weights {
	return priority.Weights{
		InStock:            a.cfg.Priority.InStockWeight,
		HighStock:          a.cfg.Priority.HighStockWeight,
		HighStockThreshold: a.cfg.Priority.HighStockThreshold,
		LowStock:           a.cfg.Priority.LowStockWeight,
		LowStockThreshold:  a.cfg.Priority.LowStockThreshold,
		HighValue:          a.cfg.Priority.HighValueWeight,
		HighValueThreshold: a.cfg.Priority.HighValueThreshold,
	}
}
