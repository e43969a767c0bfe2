// Package worker implements the verification-task execution logic that
// the task queue (C7) dispatches onto, following spec.md §4.7
// "Execution": build an app config from the task/app rows, invoke C5,
// upload the report to C8, and advance the task's status in C6.
package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dstack-verify/attestor/internal/blob"
	"github.com/dstack-verify/attestor/internal/domain"
	"github.com/dstack-verify/attestor/internal/platform/apperr"
	"github.com/dstack-verify/attestor/internal/platform/logger"
	"github.com/dstack-verify/attestor/internal/queue"
	"github.com/dstack-verify/attestor/internal/store"
	"github.com/dstack-verify/attestor/internal/verify"
)

// Verifier is the subset of verify.Service the executor needs, narrowed
// so tests can supply a fake.
type Verifier interface {
	Verify(ctx context.Context, cfg verify.AppConfig, flags *domain.VerificationFlags) (*verify.Report, error)
}

// Executor implements queue.Handler: it is the bridge between the
// durable task store (C6), the verification service (C5) and the blob
// store (C8).
type Executor struct {
	Tasks    store.TaskStore
	Apps     store.AppStore
	Verifier Verifier
	Blobs    blob.Store
	Log      *logger.Logger
	Now      func() time.Time
}

var _ queue.Handler = (*Executor)(nil)

// NewExecutor builds an Executor with sane defaults for Now.
func NewExecutor(tasks store.TaskStore, apps store.AppStore, verifier Verifier, blobs blob.Store, log *logger.Logger) *Executor {
	if log == nil {
		log = logger.NewDefault("worker")
	}
	return &Executor{Tasks: tasks, Apps: apps, Verifier: verifier, Blobs: blobs, Log: log, Now: time.Now}
}

// Handle runs one verification task end-to-end. A returned error is a
// worker-level failure (database/blob outage) that the queue should
// retry; a verification-level failure (report.Success == false) is
// recorded on the task and Handle returns nil, since spec.md §7 says
// "any success = false report is NOT a queue-level failure".
func (e *Executor) Handle(ctx context.Context, job queue.Job) error {
	task, err := e.Tasks.GetTask(ctx, job.JobID)
	if err != nil {
		return err
	}

	// Crash-recovery short-circuit: spec.md §4.7 "Idempotency" — a worker
	// restart may re-deliver a job whose task already left pending/active.
	if task.Status != domain.TaskPending && task.Status != domain.TaskActive {
		e.Log.WithField("task_id", task.ID).WithField("status", task.Status).
			Info("skipping re-delivered job, task already terminal")
		return nil
	}

	app, err := e.Apps.GetApp(ctx, task.AppID)
	if err != nil {
		return e.fail(ctx, task, apperr.AppNotFound(task.AppID))
	}

	now := e.Now().UTC()
	if task.Status == domain.TaskPending {
		if _, err := e.Tasks.UpdateTask(ctx, task.ID, store.TaskPatch{Status: domain.TaskActive, StartedAt: &now}); err != nil {
			return err
		}
	}

	cfg, err := BuildAppConfig(app, task)
	if err != nil {
		return e.fail(ctx, task, err)
	}

	flags := task.Flags
	report, err := e.Verifier.Verify(ctx, cfg, &flags)
	if err != nil {
		return e.fail(ctx, task, err)
	}

	reportBytes, err := json.Marshal(report)
	if err != nil {
		return e.fail(ctx, task, apperr.Internal("marshal report", err))
	}

	ref, err := e.Blobs.UploadJSON(ctx, reportBytes)
	if err != nil {
		return err
	}

	finished := e.Now().UTC()
	patch := store.TaskPatch{
		DataObjectIDs: report.ObjectIDs(),
		BlobFilename:  &ref.Filename,
		BlobKey:       &ref.Key,
		BlobBucket:    &ref.Bucket,
		FinishedAt:    &finished,
	}
	if report.Success {
		patch.Status = domain.TaskCompleted
	} else {
		patch.Status = domain.TaskFailed
		msg := summarizeErrors(report.Errors)
		patch.ErrorMessage = &msg
	}

	_, err = e.Tasks.UpdateTask(ctx, task.ID, patch)
	return err
}

func (e *Executor) fail(ctx context.Context, task domain.VerificationTask, cause error) error {
	msg := cause.Error()
	finished := e.Now().UTC()
	_, err := e.Tasks.UpdateTask(ctx, task.ID, store.TaskPatch{
		Status:       domain.TaskFailed,
		ErrorMessage: &msg,
		FinishedAt:   &finished,
	})
	if err != nil {
		return err
	}
	// The status transition succeeded; this was a ConfigInvalid/AppNotFound
	// condition we've already recorded, not a worker-level failure the
	// queue should retry.
	return nil
}

func summarizeErrors(errs []verify.ReportError) string {
	if len(errs) == 0 {
		return "verification failed"
	}
	return string(errs[0].Kind) + ": " + errs[0].Message
}

// BuildAppConfig constructs a verify.AppConfig from the stored app and
// task rows, spec.md §4.7 "Execution" step 2.
func BuildAppConfig(app domain.Application, task domain.VerificationTask) (verify.AppConfig, error) {
	var metadata map[string]interface{}
	if len(task.AppMetadata) > 0 {
		if err := json.Unmarshal(task.AppMetadata, &metadata); err != nil {
			return nil, apperr.ConfigInvalid("invalid task app metadata: " + err.Error())
		}
	}

	switch app.AppConfigType {
	case domain.AppConfigRedpill:
		return verify.RedpillConfig{
			ContractAddress: app.ContractAddress,
			Model:           app.DomainOrModel,
			AppMetadata:     metadata,
		}, nil
	case domain.AppConfigPhalaCloud:
		return verify.PhalaCloudConfig{
			ContractAddress: app.ContractAddress,
			Domain:          app.DomainOrModel,
			AppMetadata:     metadata,
		}, nil
	default:
		return nil, apperr.ConfigInvalid("unknown app config type: " + string(app.AppConfigType))
	}
}
