package httpapi

import (
	"context"
	"encoding/json"

	"github.com/dstack-verify/attestor/internal/domain"
	"github.com/dstack-verify/attestor/internal/platform/apperr"
	"github.com/dstack-verify/attestor/internal/queue"
	"github.com/dstack-verify/attestor/internal/store"
)

// Commands implements C10's command surface (spec.md §4.10) over the
// task store (C6) and task queue (C7). It is the package's testable
// core, kept free of any net/http so handler.go stays a thin adapter.
type Commands struct {
	Apps  store.AppStore
	Tasks store.TaskStore
	Queue *queue.Queue
}

// CreateTasks inserts and enqueues one task per input, following
// spec.md §4.10: "Every insert is followed by enqueue (C7)." Rejects
// the whole batch if any referenced app is unknown (spec.md §6 "Rejects
// when the referenced application is not present in C6").
func (c *Commands) CreateTasks(ctx context.Context, inputs []CreateTaskInput) ([]domain.VerificationTask, error) {
	for _, in := range inputs {
		if _, err := c.Apps.GetApp(ctx, in.AppID); err != nil {
			return nil, apperr.ConfigInvalid("unknown app id: " + in.AppID)
		}
	}

	out := make([]domain.VerificationTask, 0, len(inputs))
	for _, in := range inputs {
		task, err := c.createOne(ctx, in)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, nil
}

func (c *Commands) createOne(ctx context.Context, in CreateTaskInput) (domain.VerificationTask, error) {
	flags := domain.DefaultFlags()
	if in.Flags != nil {
		flags = *in.Flags
	}

	var metaJSON []byte
	if len(in.Metadata) > 0 {
		var err error
		metaJSON, err = json.Marshal(in.Metadata)
		if err != nil {
			return domain.VerificationTask{}, apperr.ConfigInvalid("invalid metadata: " + err.Error())
		}
	}

	task, err := c.Tasks.CreateTask(ctx, domain.VerificationTask{
		AppID:       in.AppID,
		AppMetadata: metaJSON,
		Flags:       flags,
	})
	if err != nil {
		return domain.VerificationTask{}, err
	}

	if c.Queue != nil {
		if err := c.Queue.Enqueue(ctx, queue.Job{JobID: task.ID}); err != nil {
			// spec.md §4.7 "Enqueue" step 3: the row remains pending; a
			// sweeper may re-enqueue later. We surface the error so the
			// caller knows dispatch did not happen yet, but the task row
			// itself is already durable.
			return task, err
		}
		if err := c.Tasks.SetTaskJobID(ctx, task.ID, task.ID); err != nil {
			return task, err
		}
		task.QueueJobID = task.ID
	}

	return task, nil
}

// DeleteTask removes a task that is not currently active, spec.md
// §4.6 "deleteTask": valid for pending/cancelled/completed/failed, the
// queue entry is removed first so a concurrent worker cannot claim it
// after the row disappears.
func (c *Commands) DeleteTask(ctx context.Context, id string) error {
	task, err := c.Tasks.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Status == domain.TaskActive {
		return apperr.TaskInvalidState(string(task.Status), "deleted")
	}
	if c.Queue != nil {
		if err := c.Queue.RemoveJob(ctx, id); err != nil {
			return err
		}
	}
	return c.Tasks.DeleteTask(ctx, id)
}

// CancelTask marks a pending task cancelled in place, spec.md §3's
// "cancelled is a terminal state reached by explicit deletion before
// pickup" — modeled here as a status transition rather than a row
// delete so historical reads still resolve the id.
func (c *Commands) CancelTask(ctx context.Context, id string) (domain.VerificationTask, error) {
	task, err := c.Tasks.GetTask(ctx, id)
	if err != nil {
		return domain.VerificationTask{}, err
	}
	if task.Status != domain.TaskPending {
		return domain.VerificationTask{}, apperr.TaskInvalidState(string(task.Status), string(domain.TaskCancelled))
	}
	if c.Queue != nil {
		if err := c.Queue.RemoveJob(ctx, id); err != nil {
			return domain.VerificationTask{}, err
		}
	}
	return c.Tasks.UpdateTask(ctx, id, store.TaskPatch{Status: domain.TaskCancelled})
}

// RetryTask implements spec.md §8 property 4: re-enqueues with the same
// appId as a brand-new task id, leaving the old (failed) row untouched.
func (c *Commands) RetryTask(ctx context.Context, id string) (domain.VerificationTask, error) {
	old, err := c.Tasks.GetTask(ctx, id)
	if err != nil {
		return domain.VerificationTask{}, err
	}
	if old.Status != domain.TaskFailed {
		return domain.VerificationTask{}, apperr.TaskInvalidState(string(old.Status), "retry")
	}
	return c.createOne(ctx, CreateTaskInput{AppID: old.AppID, Flags: &old.Flags})
}

// GetTask fetches a single task row.
func (c *Commands) GetTask(ctx context.Context, id string) (domain.VerificationTask, error) {
	return c.Tasks.GetTask(ctx, id)
}

// ListTasks wraps C6's filtered/paginated read helper.
func (c *Commands) ListTasks(ctx context.Context, filter store.TaskFilter) ([]domain.VerificationTask, error) {
	return c.Tasks.ListTasks(ctx, filter)
}
