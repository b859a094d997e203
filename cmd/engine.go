package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docflow/internal/access"
	"github.com/sells-group/docflow/internal/blob"
	"github.com/sells-group/docflow/internal/cleanup"
	"github.com/sells-group/docflow/internal/consolidate"
	"github.com/sells-group/docflow/internal/extract"
	"github.com/sells-group/docflow/internal/jobs"
	"github.com/sells-group/docflow/internal/ledger"
	"github.com/sells-group/docflow/internal/monitoring"
	"github.com/sells-group/docflow/internal/resilience"
	"github.com/sells-group/docflow/internal/session"
	"github.com/sells-group/docflow/internal/store"
	anthropicpkg "github.com/sells-group/docflow/pkg/anthropic"
	"github.com/sells-group/docflow/pkg/docintel"
)

// engineEnv holds the wired lifecycle components used by the serve, worker,
// sweep and admin commands.
type engineEnv struct {
	Store    store.Store
	Blobs    blob.Store
	Ledger   *ledger.Ledger
	Access   *access.Manager
	Jobs     *jobs.Machine
	Sessions *session.Aggregator
	Sweeper  *cleanup.Sweeper
	Checker  *monitoring.Checker

	closers []func() error
}

// Close releases resources held by the environment.
func (e *engineEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			zap.L().Warn("close failed", zap.Error(err))
		}
	}
}

// initEngine validates config for mode, opens the store and blob backend,
// builds the extractor and wires every component. Callers should defer
// env.Close().
func initEngine(ctx context.Context, mode string) (*engineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &engineEnv{Store: st, closers: []func() error{st.Close}}

	blobs, closeBlobs, err := initBlobs(ctx)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Blobs = blobs
	if closeBlobs != nil {
		env.closers = append(env.closers, closeBlobs)
	}

	ext, err := initExtractor()
	if err != nil {
		env.Close()
		return nil, err
	}

	env.Ledger = ledger.New(st)
	env.Access = access.New(st)
	env.Jobs = jobs.New(st, blobs, ext, env.Ledger, env.Access,
		jobs.WithLimits(jobs.LimitsFromConfig(cfg.Jobs)))
	env.Sessions = session.New(st, env.Jobs, consolidate.New(blobs),
		session.WithRetention(time.Duration(cfg.Sessions.RetentionHours)*time.Hour))
	env.Sweeper = cleanup.New(st, blobs, env.Sessions, env.Jobs, cleanup.WithConfig(cfg.Cleanup))
	env.Checker = monitoring.NewChecker(
		monitoring.NewCollector(st, time.Duration(cfg.Monitoring.StuckPollingMinutes)*time.Minute),
		monitoring.NewAlerter(cfg.Monitoring),
		cfg.Monitoring,
	)

	zap.L().Info("engine ready",
		zap.String("mode", mode),
		zap.String("store", cfg.Store.Driver),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("extraction", cfg.Extraction.Backend),
	)
	return env, nil
}

// initBlobs returns the configured blob backend and an optional closer.
func initBlobs(ctx context.Context) (blob.Store, func() error, error) {
	switch cfg.Storage.Backend {
	case "local":
		s, err := blob.NewLocal(cfg.Storage.LocalDir)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	case "gcs":
		s, err := blob.NewGCS(ctx, cfg.Storage.Bucket)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, eris.Errorf("unsupported storage backend: %s", cfg.Storage.Backend)
	}
}

// initExtractor builds the configured backend behind retries and a circuit
// breaker.
func initExtractor() (extract.Extractor, error) {
	var base extract.Extractor
	switch cfg.Extraction.Backend {
	case "http":
		client := docintel.NewClient(cfg.Extraction.BaseURL, cfg.Extraction.Key,
			docintel.WithTimeout(time.Duration(cfg.Extraction.TimeoutSecs)*time.Second))
		base = extract.NewHTTP(client)
	case "anthropic":
		base = extract.NewAnthropic(anthropicpkg.NewClient(cfg.Anthropic.Key), cfg.Anthropic.Model, cfg.Anthropic.MaxTokens)
	default:
		return nil, eris.Errorf("unsupported extraction backend: %s", cfg.Extraction.Backend)
	}
	return extract.NewResilient(base, resilience.FromConfig(cfg.Retry), resilience.BreakerFromConfig(cfg.Circuit)), nil
}
