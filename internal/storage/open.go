package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "tradeclaw/pkg/logx"
)

type Store interface {
	LoadJobs(ctx context.Context) ([]JobRecord, error)
	PutJob(ctx context.Context, rec JobRecord) error
	DeleteJob(ctx context.Context, id string) error

	// AppendRun records a run and drops the oldest runs of the same job
	// beyond the configured bound.
	AppendRun(ctx context.Context, rec RunRecord) error
	// LoadRuns returns every retained run, oldest first.
	LoadRuns(ctx context.Context) ([]RunRecord, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
