// Package app wires the verification pipeline (C1-C5), the task
// orchestrator (C6-C8, C10) and the upstream sync engine (C9) into one
// running process, following the teacher's own internal/app
// "Application" composition-root convention: a single struct holding
// every long-lived dependency plus a service.Manager controlling their
// start/stop order.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dstack-verify/attestor/internal/attest"
	"github.com/dstack-verify/attestor/internal/blob"
	"github.com/dstack-verify/attestor/internal/httpapi"
	"github.com/dstack-verify/attestor/internal/platform/config"
	"github.com/dstack-verify/attestor/internal/platform/database"
	"github.com/dstack-verify/attestor/internal/platform/logger"
	"github.com/dstack-verify/attestor/internal/platform/migrations"
	"github.com/dstack-verify/attestor/internal/platform/service"
	"github.com/dstack-verify/attestor/internal/queue"
	"github.com/dstack-verify/attestor/internal/store/postgres"
	"github.com/dstack-verify/attestor/internal/sync"
	"github.com/dstack-verify/attestor/internal/verify"
	"github.com/dstack-verify/attestor/internal/worker"

	"github.com/redis/go-redis/v9"
)

// Well-known chain ids spec.md §6 "On-chain RPC" names by the
// environment variable that carries their RPC endpoint.
const (
	chainIDBase     = 8453
	chainIDEthereum = 1
)

// Application is the composition root: every long-lived component this
// process can run, plus the service.Manager that starts/stops them
// together in a defined order.
type Application struct {
	Config  *config.Config
	Log     *logger.Logger
	DB      *sql.DB
	Redis   *redis.Client
	Store   *postgres.Store
	Blob    blob.Store
	Queue   *queue.Queue
	Verify  *verify.Service
	Sync    *sync.Engine
	HTTP    *httpapi.Service
	Manager *service.Manager
}

// Role selects which subset of the application's services a given
// process (binary) runs; a single deployment typically splits these
// across separate processes (api, worker, cron) sharing one database
// and Redis instance, mirroring the teacher's own split of
// application.go into per-role entrypoints.
type Role string

const (
	RoleAPI    Role = "api"
	RoleWorker Role = "worker"
	RoleSync   Role = "sync"
	RoleAll    Role = "all"
)

// New builds every component wired to cfg, but does not start any of
// them. Call Manager.Start to bring roles online (see Register).
func New(ctx context.Context, cfg *config.Config) (*Application, error) {
	log := logger.New(logger.Config{
		Level: cfg.Logging.Level, Format: cfg.Logging.Format,
		Output: cfg.Logging.Output, FilePrefix: cfg.Logging.FilePrefix,
	})

	db, err := database.Open(ctx, cfg.Database.URL, database.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: secondsToDuration(cfg.Database.ConnMaxLifetime),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.Database.MigrateOnStart {
		if err := migrations.Apply(ctx, db); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
	}

	taskStore := postgres.New(db)

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)

	q := queue.NewWithClient(rdb, cfg.Redis.QueueName, logger.NewDefault("queue"))

	blobStore, err := blob.New(ctx, blob.Config{
		Endpoint: cfg.S3.Endpoint, AccessKeyID: cfg.S3.AccessKeyID,
		SecretAccessKey: cfg.S3.SecretAccessKey, Bucket: cfg.S3.Bucket, Region: cfg.S3.Region,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("configure blob store: %w", err)
	}

	verifyClients := &verify.Clients{
		AppInfo:    attest.NewAppInfoClient(timeout10s),
		SystemInfo: attest.NewSystemInfoClient(timeout10s),
		QuoteTool:  attest.NewQuoteTool(cfg.Verifier.TDXToolPath),
		Nvidia:     attest.NewNvidiaClient(cfg.Verifier.NvidiaURL, timeout30s),
		Registry: attest.NewRegistryClient(map[uint64]string{
			chainIDBase:     cfg.Verifier.BaseRPCURL,
			chainIDEthereum: cfg.Verifier.EthereumRPCURL,
		}, timeout10s),
		DNS:            attest.NewDNSClient(),
		CTLog:          attest.NewCTLogClient(cfg.Verifier.CTLogURL, timeout10s),
		TLS:            attest.NewTLSClient(timeout10s),
		RedpillBaseURL: cfg.Verifier.RedpillBaseURL,
	}
	verifyService := verify.NewService(verifyClients, verify.Config{
		TaskDeadline:     secondsToDuration(cfg.Verifier.TaskDeadlineS),
		AllowedCAAIssuer: cfg.Verifier.AllowedCAAIssuer,
		CAAAccountURI:    cfg.Verifier.CAAAccountURI,
		AllowedCTIssuers: cfg.Verifier.AllowedCTIssuersSet(),
	})

	lease := sync.NewLease(rdb)
	syncEngine, err := sync.NewEngine(sync.Config{
		ProfileQueryURL:    cfg.Sync.ProfileQueryURL,
		AppQueryURL:        cfg.Sync.AppQueryURL,
		APIKey:             cfg.Sync.APIKey,
		ProfileCronPattern: cfg.Sync.ProfileCronPattern,
		TasksCronPattern:   cfg.Sync.TasksCronPattern,
		AllowedVersions:    cfg.Sync.AllowedVersions,
		HTTPTimeout:        timeout30s,
	}, taskStore, taskStore, lease, q.Enqueue, logger.NewDefault("sync"))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("build sync engine: %w", err)
	}

	cmds := &httpapi.Commands{Apps: taskStore, Tasks: taskStore, Queue: q}
	httpService := httpapi.NewService(cmds, syncEngine, cfg.Server.Host, cfg.Server.Port,
		cfg.Auth.Tokens, cfg.Auth.CronAPIKey, logger.NewDefault("httpapi"))

	return &Application{
		Config: cfg, Log: log, DB: db, Redis: rdb, Store: taskStore,
		Blob: blobStore, Queue: q, Verify: verifyService, Sync: syncEngine,
		HTTP: httpService, Manager: service.NewManager(),
	}, nil
}

// Register wires the services for role into the Manager, following
// spec.md §5's "The HTTP read surface runs in its own fiber(s)": each
// role composes a disjoint subset so a single binary can run as
// "api", "worker", "sync" or "all" (for local/dev use).
func (a *Application) Register(role Role) error {
	switch role {
	case RoleAPI, RoleAll:
		if err := a.Manager.RegisterWithDescriptor(a.HTTP, a.HTTP.Descriptor()); err != nil {
			return err
		}
	}
	switch role {
	case RoleWorker, RoleAll:
		exec := worker.NewExecutor(a.Store, a.Store, a.Verify, a.Blob, logger.NewDefault("worker"))
		dispatcher := queue.NewDispatcher(a.Queue, exec, queue.Config{
			URL: a.Config.Redis.URL, QueueName: a.Config.Redis.QueueName,
			Concurrency: a.Config.Redis.Concurrency, MaxAttempts: a.Config.Redis.MaxAttempts,
			BackoffMS: a.Config.Redis.BackoffMS,
		}, logger.NewDefault("queue-dispatcher"))
		if err := a.Manager.RegisterWithDescriptor(dispatcher, dispatcher.Descriptor()); err != nil {
			return err
		}
	}
	switch role {
	case RoleSync, RoleAll:
		if err := a.Manager.Register(a.Sync); err != nil {
			return err
		}
	}
	return nil
}

// Close releases resources not owned by the service.Manager
// (the database and Redis connections).
func (a *Application) Close() error {
	var firstErr error
	if err := a.Redis.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.DB.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Descriptors reports every registered service's placement, mirroring
// the teacher's own system-status endpoint input.
func (a *Application) Descriptors() []service.Descriptor {
	return a.Manager.Descriptors()
}
