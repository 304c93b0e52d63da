package app

import (
	"context"
	"errors"

	"tradeclaw/internal/config"
	"tradeclaw/internal/storage"
	"tradeclaw/internal/task/cron"
	logx "tradeclaw/pkg/logx"
)

// ErrNoStorage is returned by ListJobs when the config has no durable store.
var ErrNoStorage = errors.New("no storage configured; jobs live only in the running process")

// ListJobs reads the persisted cron jobs without starting the scheduler.
func ListJobs(ctx context.Context, cfg *config.Config, includeDisabled bool) ([]cron.Job, error) {
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, ErrNoStorage
	}
	st, err := storage.Open(sc, logx.Nop())
	if err != nil {
		return nil, err
	}
	defer st.Close()

	jobs := cron.NewStore(st, cfg.Cron.MaxRuns, logx.Nop())
	if err := jobs.Load(ctx); err != nil {
		return nil, err
	}
	return jobs.List(cron.Filter{IncludeDisabled: includeDisabled}), nil
}
