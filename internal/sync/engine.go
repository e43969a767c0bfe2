package sync

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dstack-verify/attestor/internal/domain"
	"github.com/dstack-verify/attestor/internal/platform/apperr"
	"github.com/dstack-verify/attestor/internal/platform/logger"
	"github.com/dstack-verify/attestor/internal/queue"
	"github.com/dstack-verify/attestor/internal/store"
)

// pollInterval is how often the engine checks whether a cron schedule
// is due, mirroring the teacher's own fixed-tick Scheduler loop rather
// than sleeping until the computed next-run instant: a short, steady
// tick keeps Stop() responsive and tolerates wall-clock jumps.
const pollInterval = time.Second

const (
	profileCronName = "profile-sync"
	tasksCronName   = "app-sync"
	leaseTTL        = 2 * time.Minute
)

// EnqueueFunc schedules a newly-synced, allow-listed application for
// verification; wired to a *queue.Queue in production, stubbed in
// tests.
type EnqueueFunc func(ctx context.Context, job queue.Job) error

// Config controls the two cadences and the upstream endpoints, following
// spec.md §6's SYNC_* environment variables.
type Config struct {
	ProfileQueryURL    string
	AppQueryURL        string
	APIKey             string
	ProfileCronPattern string
	TasksCronPattern   string
	AllowedVersions    []string
	HTTPTimeout        time.Duration
}

// Engine runs the two upstream-catalog reconciliation loops described in
// spec.md §4.9, grounded on the teacher's services/automation
// Scheduler: a single ticker-driven service.Service that fires distinct
// jobs on distinct cadences, here computed from real cron expressions
// via robfig/cron/v3 rather than the teacher's own hard-coded
// durations.
type Engine struct {
	cfg     Config
	client  *Client
	profile store.ProfileStore
	apps    store.AppStore
	lease   *Lease
	enqueue EnqueueFunc
	log     *logger.Logger

	profileSchedule cron.Schedule
	tasksSchedule   cron.Schedule

	mu        sync.Mutex
	nextRun   map[string]time.Time
	stop      chan struct{}
	done      chan struct{}
}

// NewEngine parses cfg's cron patterns and returns an Engine ready to
// Start. An invalid pattern is an apperr.ConfigInvalid error.
func NewEngine(cfg Config, profile store.ProfileStore, apps store.AppStore, lease *Lease, enqueue EnqueueFunc, log *logger.Logger) (*Engine, error) {
	if log == nil {
		log = logger.NewDefault("sync")
	}
	profileSchedule, err := cron.ParseStandard(cfg.ProfileCronPattern)
	if err != nil {
		return nil, apperr.ConfigInvalid("invalid PROFILE_CRON_PATTERN: " + err.Error())
	}
	tasksSchedule, err := cron.ParseStandard(cfg.TasksCronPattern)
	if err != nil {
		return nil, apperr.ConfigInvalid("invalid TASKS_CRON_PATTERN: " + err.Error())
	}

	return &Engine{
		cfg:             cfg,
		client:          NewClient(cfg.APIKey, cfg.HTTPTimeout),
		profile:         profile,
		apps:            apps,
		lease:           lease,
		enqueue:         enqueue,
		log:             log,
		profileSchedule: profileSchedule,
		tasksSchedule:   tasksSchedule,
		nextRun:         map[string]time.Time{},
	}, nil
}

// Name implements service.Service.
func (e *Engine) Name() string { return "sync-engine" }

// Start launches the polling loop in the background.
func (e *Engine) Start(ctx context.Context) error {
	now := time.Now()
	e.mu.Lock()
	e.nextRun[profileCronName] = e.profileSchedule.Next(now)
	e.nextRun[tasksCronName] = e.tasksSchedule.Next(now)
	e.mu.Unlock()

	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	go e.run(ctx)
	return nil
}

// Stop signals the loop to exit and waits for it to finish.
func (e *Engine) Stop(ctx context.Context) error {
	if e.stop == nil {
		return nil
	}
	close(e.stop)
	select {
	case <-e.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	now := time.Now()

	e.mu.Lock()
	dueProfile := !now.Before(e.nextRun[profileCronName])
	dueTasks := !now.Before(e.nextRun[tasksCronName])
	e.mu.Unlock()

	if dueProfile {
		e.runLeased(ctx, profileCronName, e.RunProfileSync)
		e.mu.Lock()
		e.nextRun[profileCronName] = e.profileSchedule.Next(time.Now())
		e.mu.Unlock()
	}
	if dueTasks {
		e.runLeased(ctx, tasksCronName, e.RunAppSync)
		e.mu.Lock()
		e.nextRun[tasksCronName] = e.tasksSchedule.Next(time.Now())
		e.mu.Unlock()
	}
}

func (e *Engine) runLeased(ctx context.Context, name string, fn func(ctx context.Context) error) {
	acquired, err := e.lease.Acquire(ctx, name, leaseTTL)
	if err != nil {
		e.log.WithField("cron", name).WithField("error", err).Error("sync lease acquire failed")
		return
	}
	if !acquired {
		e.log.WithField("cron", name).Debug("sync run already in progress, skipping")
		return
	}
	defer func() { _ = e.lease.Release(ctx, name) }()

	if err := fn(ctx); err != nil {
		e.log.WithField("cron", name).WithField("error", err).Error("sync run failed")
	}
}

// RunProfileSync fetches and upserts the profile catalog, spec.md §4.9
// "Profile sync".
func (e *Engine) RunProfileSync(ctx context.Context) error {
	records, err := e.client.FetchProfiles(ctx, e.cfg.ProfileQueryURL)
	if err != nil {
		return err
	}
	for _, r := range records {
		if _, err := e.profile.UpsertProfile(ctx, ToProfile(r)); err != nil {
			e.log.WithField("entityId", r.EntityID).WithField("error", err).Error("profile upsert failed")
		}
	}
	e.log.WithField("count", len(records)).Info("profile sync completed")
	return nil
}

// RunAppSync fetches the application catalog, converts and upserts each
// allow-listed record, tombstones apps no longer present upstream, and
// enqueues newly-seen applications for verification, spec.md §4.9 "App
// sync".
func (e *Engine) RunAppSync(ctx context.Context) error {
	records, err := e.client.FetchApps(ctx, e.cfg.AppQueryURL)
	if err != nil {
		return err
	}

	seenIDs := make([]string, 0, len(records))
	for _, r := range records {
		converted := ToApplication(r)
		if converted.Skip {
			continue
		}
		if !IsAllowed(converted.Version, e.cfg.AllowedVersions) {
			continue
		}

		seenIDs = append(seenIDs, converted.App.ID)

		_, getErr := e.apps.GetApp(ctx, converted.App.ID)
		isNew := apperr.IsAppError(getErr) && apperr.GetAppError(getErr).Code == apperr.ErrCodeAppNotFound

		saved, err := e.apps.UpsertApp(ctx, converted.App)
		if err != nil {
			e.log.WithField("appId", converted.App.ID).WithField("error", err).Error("app upsert failed")
			continue
		}

		if isNew && e.enqueue != nil {
			if err := e.enqueueVerification(ctx, saved); err != nil {
				e.log.WithField("appId", saved.ID).WithField("error", err).Error("enqueue new app for verification failed")
			}
		}
	}

	removed, err := e.apps.TombstoneAppsNotIn(ctx, seenIDs)
	if err != nil {
		e.log.WithField("error", err).Error("tombstone sweep failed")
	} else if removed > 0 {
		e.log.WithField("count", removed).Info("tombstoned apps no longer in upstream catalog")
	}

	e.log.WithField("count", len(seenIDs)).Info("app sync completed")
	return nil
}

func (e *Engine) enqueueVerification(ctx context.Context, app domain.Application) error {
	return e.enqueue(ctx, queue.Job{JobID: app.ID})
}
