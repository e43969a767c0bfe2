package httpapi

import (
	"context"
	"testing"

	"github.com/dstack-verify/attestor/internal/domain"
	"github.com/dstack-verify/attestor/internal/platform/apperr"
	"github.com/dstack-verify/attestor/internal/store"
)

type fakeTaskStore struct {
	tasks  map[string]domain.VerificationTask
	nextID int
}

func newFakeTaskStore(apps ...domain.VerificationTask) *fakeTaskStore {
	m := make(map[string]domain.VerificationTask, len(apps))
	for _, t := range apps {
		m[t.ID] = t
	}
	return &fakeTaskStore{tasks: m}
}

func (f *fakeTaskStore) CreateTask(ctx context.Context, task domain.VerificationTask) (domain.VerificationTask, error) {
	f.nextID++
	if task.ID == "" {
		task.ID = "generated-" + string(rune('a'+f.nextID))
	}
	task.Status = domain.TaskPending
	f.tasks[task.ID] = task
	return task, nil
}
func (f *fakeTaskStore) SetTaskJobID(ctx context.Context, id, jobID string) error {
	task, ok := f.tasks[id]
	if !ok {
		return apperr.TaskNotFound(id)
	}
	task.QueueJobID = jobID
	f.tasks[id] = task
	return nil
}
func (f *fakeTaskStore) UpdateTask(ctx context.Context, id string, patch store.TaskPatch) (domain.VerificationTask, error) {
	task, ok := f.tasks[id]
	if !ok {
		return domain.VerificationTask{}, apperr.TaskNotFound(id)
	}
	if !domain.CanTransition(task.Status, patch.Status) {
		return domain.VerificationTask{}, apperr.TaskInvalidState(string(task.Status), string(patch.Status))
	}
	task.Status = patch.Status
	f.tasks[id] = task
	return task, nil
}
func (f *fakeTaskStore) DeleteTask(ctx context.Context, id string) error {
	if _, ok := f.tasks[id]; !ok {
		return apperr.TaskNotFound(id)
	}
	delete(f.tasks, id)
	return nil
}
func (f *fakeTaskStore) GetTask(ctx context.Context, id string) (domain.VerificationTask, error) {
	task, ok := f.tasks[id]
	if !ok {
		return domain.VerificationTask{}, apperr.TaskNotFound(id)
	}
	return task, nil
}
func (f *fakeTaskStore) ListTasks(ctx context.Context, filter store.TaskFilter) ([]domain.VerificationTask, error) {
	var out []domain.VerificationTask
	for _, t := range f.tasks {
		if filter.AppID != "" && t.AppID != filter.AppID {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

type fakeAppStore struct {
	apps map[string]domain.Application
}

func (f *fakeAppStore) UpsertApp(ctx context.Context, app domain.Application) (domain.Application, error) {
	f.apps[app.ID] = app
	return app, nil
}
func (f *fakeAppStore) GetApp(ctx context.Context, id string) (domain.Application, error) {
	app, ok := f.apps[id]
	if !ok {
		return domain.Application{}, apperr.AppNotFound(id)
	}
	return app, nil
}
func (f *fakeAppStore) ListApps(ctx context.Context) ([]domain.Application, error) { return nil, nil }
func (f *fakeAppStore) TombstoneAppsNotIn(ctx context.Context, ids []string) (int64, error) {
	return 0, nil
}

func TestCreateTasksRejectsUnknownApp(t *testing.T) {
	cmds := &Commands{
		Apps:  &fakeAppStore{apps: map[string]domain.Application{}},
		Tasks: newFakeTaskStore(),
	}

	_, err := cmds.CreateTasks(context.Background(), []CreateTaskInput{{AppID: "missing"}})
	if err == nil {
		t.Fatal("CreateTasks() error = nil, want ConfigInvalid")
	}
	if apperr.GetAppError(err).Code != apperr.ErrCodeConfigInvalid {
		t.Fatalf("error code = %v, want ConfigInvalid", apperr.GetAppError(err).Code)
	}
}

func TestCreateTasksInsertsOnePerInput(t *testing.T) {
	apps := &fakeAppStore{apps: map[string]domain.Application{"app-1": {ID: "app-1"}}}
	tasks := newFakeTaskStore()
	cmds := &Commands{Apps: apps, Tasks: tasks}

	got, err := cmds.CreateTasks(context.Background(), []CreateTaskInput{{AppID: "app-1"}, {AppID: "app-1"}})
	if err != nil {
		t.Fatalf("CreateTasks() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	if got[0].ID == got[1].ID {
		t.Fatal("CreateTasks() produced duplicate task ids")
	}
}

func TestDeleteTaskRefusesActive(t *testing.T) {
	tasks := newFakeTaskStore(domain.VerificationTask{ID: "t1", AppID: "app-1", Status: domain.TaskActive})
	cmds := &Commands{Apps: &fakeAppStore{apps: map[string]domain.Application{}}, Tasks: tasks}

	err := cmds.DeleteTask(context.Background(), "t1")
	if err == nil {
		t.Fatal("DeleteTask() error = nil, want error for active task")
	}
}

func TestDeleteTaskRemovesPending(t *testing.T) {
	tasks := newFakeTaskStore(domain.VerificationTask{ID: "t1", AppID: "app-1", Status: domain.TaskPending})
	cmds := &Commands{Apps: &fakeAppStore{apps: map[string]domain.Application{}}, Tasks: tasks}

	if err := cmds.DeleteTask(context.Background(), "t1"); err != nil {
		t.Fatalf("DeleteTask() error = %v", err)
	}
	if _, err := tasks.GetTask(context.Background(), "t1"); err == nil {
		t.Fatal("task still present after DeleteTask()")
	}
}

func TestRetryTaskProducesNewIDAndLeavesOldRow(t *testing.T) {
	old := domain.VerificationTask{ID: "t1", AppID: "app-1", Status: domain.TaskFailed, ErrorMessage: "boom", Flags: domain.DefaultFlags()}
	tasks := newFakeTaskStore(old)
	cmds := &Commands{Apps: &fakeAppStore{apps: map[string]domain.Application{}}, Tasks: tasks}

	retried, err := cmds.RetryTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("RetryTask() error = %v", err)
	}
	if retried.ID == "t1" {
		t.Fatal("RetryTask() reused the old task id")
	}

	oldRow, err := tasks.GetTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetTask(old) error = %v", err)
	}
	if oldRow.ErrorMessage != "boom" || oldRow.Status != domain.TaskFailed {
		t.Fatal("RetryTask() mutated the old row")
	}
}

func TestRetryTaskRejectsNonFailed(t *testing.T) {
	tasks := newFakeTaskStore(domain.VerificationTask{ID: "t1", AppID: "app-1", Status: domain.TaskCompleted})
	cmds := &Commands{Apps: &fakeAppStore{apps: map[string]domain.Application{}}, Tasks: tasks}

	if _, err := cmds.RetryTask(context.Background(), "t1"); err == nil {
		t.Fatal("RetryTask() error = nil, want error for completed task")
	}
}

func TestCancelTaskOnlyAllowsPending(t *testing.T) {
	tasks := newFakeTaskStore(domain.VerificationTask{ID: "t1", AppID: "app-1", Status: domain.TaskActive})
	cmds := &Commands{Apps: &fakeAppStore{apps: map[string]domain.Application{}}, Tasks: tasks}

	if _, err := cmds.CancelTask(context.Background(), "t1"); err == nil {
		t.Fatal("CancelTask() error = nil, want error for active task")
	}
}
