package postgres

import (
	"testing"
	"time"

	"github.com/dstack-verify/attestor/internal/domain"
	"github.com/dstack-verify/attestor/internal/platform/apperr"
	"github.com/dstack-verify/attestor/internal/store"
)

func TestUpsertAppCreatesThenUpdates(t *testing.T) {
	s, ctx := newTestStore(t)

	app := domain.Application{
		ID:              "app-1",
		AppConfigType:   domain.AppConfigRedpill,
		DisplayName:     "first",
		ContractAddress: "0xabc",
	}
	created, err := s.UpsertApp(ctx, app)
	if err != nil {
		t.Fatalf("UpsertApp() error = %v", err)
	}
	if created.CreatedAt.IsZero() || created.UpdatedAt.IsZero() {
		t.Fatalf("UpsertApp() timestamps not set: %+v", created)
	}

	app.DisplayName = "renamed"
	updated, err := s.UpsertApp(ctx, app)
	if err != nil {
		t.Fatalf("UpsertApp() update error = %v", err)
	}
	if updated.DisplayName != "renamed" {
		t.Errorf("UpsertApp() DisplayName = %q, want renamed", updated.DisplayName)
	}

	got, err := s.GetApp(ctx, "app-1")
	if err != nil {
		t.Fatalf("GetApp() error = %v", err)
	}
	if got.DisplayName != "renamed" || got.ContractAddress != "0xabc" {
		t.Errorf("GetApp() = %+v", got)
	}
}

func TestGetAppNotFound(t *testing.T) {
	s, ctx := newTestStore(t)

	_, err := s.GetApp(ctx, "missing")
	appErr := apperr.GetAppError(err)
	if appErr == nil || appErr.Code != apperr.ErrCodeAppNotFound {
		t.Errorf("GetApp() error = %v, want AppNotFound", err)
	}
}

func TestTombstoneAppsNotIn(t *testing.T) {
	s, ctx := newTestStore(t)

	for _, id := range []string{"keep-1", "drop-1"} {
		if _, err := s.UpsertApp(ctx, domain.Application{ID: id, AppConfigType: domain.AppConfigPhalaCloud}); err != nil {
			t.Fatalf("UpsertApp(%s) error = %v", id, err)
		}
	}

	n, err := s.TombstoneAppsNotIn(ctx, []string{"keep-1"})
	if err != nil {
		t.Fatalf("TombstoneAppsNotIn() error = %v", err)
	}
	if n != 1 {
		t.Errorf("TombstoneAppsNotIn() affected = %d, want 1", n)
	}

	dropped, err := s.GetApp(ctx, "drop-1")
	if err != nil {
		t.Fatalf("GetApp(drop-1) error = %v", err)
	}
	if !dropped.Deleted {
		t.Error("drop-1 not marked deleted")
	}

	kept, err := s.GetApp(ctx, "keep-1")
	if err != nil {
		t.Fatalf("GetApp(keep-1) error = %v", err)
	}
	if kept.Deleted {
		t.Error("keep-1 marked deleted unexpectedly")
	}
}

func TestUpsertProfileIsIdempotentOnEntityKey(t *testing.T) {
	s, ctx := newTestStore(t)

	first, err := s.UpsertProfile(ctx, domain.Profile{
		EntityType:  domain.ProfileEntityApp,
		EntityID:    42,
		DisplayName: "v1",
	})
	if err != nil {
		t.Fatalf("UpsertProfile() error = %v", err)
	}

	second, err := s.UpsertProfile(ctx, domain.Profile{
		EntityType:  domain.ProfileEntityApp,
		EntityID:    42,
		DisplayName: "v2",
	})
	if err != nil {
		t.Fatalf("UpsertProfile() second error = %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("UpsertProfile() generated a new row instead of updating, ids = %s vs %s", first.ID, second.ID)
	}
	if second.DisplayName != "v2" {
		t.Errorf("UpsertProfile() DisplayName = %q, want v2", second.DisplayName)
	}
}

func TestCreateAndGetTask(t *testing.T) {
	s, ctx := newTestStore(t)

	if _, err := s.UpsertApp(ctx, domain.Application{ID: "app-1", AppConfigType: domain.AppConfigRedpill}); err != nil {
		t.Fatalf("UpsertApp() error = %v", err)
	}

	task, err := s.CreateTask(ctx, domain.VerificationTask{
		AppID: "app-1",
		Flags: domain.DefaultFlags(),
	})
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	if task.Status != domain.TaskPending {
		t.Errorf("CreateTask() status = %s, want pending", task.Status)
	}
	if task.JobName != "verification" {
		t.Errorf("CreateTask() jobName = %q, want verification", task.JobName)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got.Flags != domain.DefaultFlags() {
		t.Errorf("GetTask() flags = %+v, want defaults", got.Flags)
	}
}

func TestUpdateTaskEnforcesMonotonicTransitions(t *testing.T) {
	s, ctx := newTestStore(t)
	if _, err := s.UpsertApp(ctx, domain.Application{ID: "app-1", AppConfigType: domain.AppConfigRedpill}); err != nil {
		t.Fatalf("UpsertApp() error = %v", err)
	}
	task, err := s.CreateTask(ctx, domain.VerificationTask{AppID: "app-1"})
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}

	now := time.Now().UTC()
	active, err := s.UpdateTask(ctx, task.ID, store.TaskPatch{Status: domain.TaskActive, StartedAt: &now})
	if err != nil {
		t.Fatalf("UpdateTask(active) error = %v", err)
	}
	if active.StartedAt == nil {
		t.Fatal("UpdateTask(active) did not persist startedAt")
	}

	errMsg := "deadline exceeded"
	failed, err := s.UpdateTask(ctx, task.ID, store.TaskPatch{Status: domain.TaskFailed, ErrorMessage: &errMsg, FinishedAt: &now})
	if err != nil {
		t.Fatalf("UpdateTask(failed) error = %v", err)
	}
	if failed.ErrorMessage != errMsg {
		t.Errorf("UpdateTask(failed) errorMessage = %q, want %q", failed.ErrorMessage, errMsg)
	}

	_, err = s.UpdateTask(ctx, task.ID, store.TaskPatch{Status: domain.TaskActive})
	appErr := apperr.GetAppError(err)
	if appErr == nil || appErr.Code != apperr.ErrCodeTaskAlreadyTerminal {
		t.Errorf("UpdateTask() on terminal task error = %v, want TaskAlreadyTerminal", err)
	}
}

func TestUpdateTaskRejectsIllegalTransition(t *testing.T) {
	s, ctx := newTestStore(t)
	if _, err := s.UpsertApp(ctx, domain.Application{ID: "app-1", AppConfigType: domain.AppConfigRedpill}); err != nil {
		t.Fatalf("UpsertApp() error = %v", err)
	}
	task, err := s.CreateTask(ctx, domain.VerificationTask{AppID: "app-1"})
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}

	_, err = s.UpdateTask(ctx, task.ID, store.TaskPatch{Status: domain.TaskCompleted})
	appErr := apperr.GetAppError(err)
	if appErr == nil || appErr.Code != apperr.ErrCodeTaskInvalidState {
		t.Errorf("UpdateTask(pending->completed) error = %v, want TaskInvalidState", err)
	}
}

func TestDeleteTaskRefusesActive(t *testing.T) {
	s, ctx := newTestStore(t)
	if _, err := s.UpsertApp(ctx, domain.Application{ID: "app-1", AppConfigType: domain.AppConfigRedpill}); err != nil {
		t.Fatalf("UpsertApp() error = %v", err)
	}
	task, err := s.CreateTask(ctx, domain.VerificationTask{AppID: "app-1"})
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	if _, err := s.UpdateTask(ctx, task.ID, store.TaskPatch{Status: domain.TaskActive}); err != nil {
		t.Fatalf("UpdateTask(active) error = %v", err)
	}

	err = s.DeleteTask(ctx, task.ID)
	appErr := apperr.GetAppError(err)
	if appErr == nil || appErr.Code != apperr.ErrCodeTaskInvalidState {
		t.Errorf("DeleteTask(active) error = %v, want TaskInvalidState", err)
	}

	missingErr := apperr.GetAppError(s.DeleteTask(ctx, "00000000-0000-0000-0000-000000000000"))
	if missingErr == nil || missingErr.Code != apperr.ErrCodeTaskNotFound {
		t.Errorf("DeleteTask(missing) error = %v, want TaskNotFound", missingErr)
	}
}

func TestListTasksFiltersByStatus(t *testing.T) {
	s, ctx := newTestStore(t)
	if _, err := s.UpsertApp(ctx, domain.Application{ID: "app-1", AppConfigType: domain.AppConfigRedpill}); err != nil {
		t.Fatalf("UpsertApp() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := s.CreateTask(ctx, domain.VerificationTask{AppID: "app-1"}); err != nil {
			t.Fatalf("CreateTask() error = %v", err)
		}
	}

	pending, err := s.ListTasks(ctx, store.TaskFilter{AppID: "app-1", Status: domain.TaskPending})
	if err != nil {
		t.Fatalf("ListTasks() error = %v", err)
	}
	if len(pending) != 3 {
		t.Errorf("ListTasks() len = %d, want 3", len(pending))
	}

	active, err := s.ListTasks(ctx, store.TaskFilter{AppID: "app-1", Status: domain.TaskActive})
	if err != nil {
		t.Fatalf("ListTasks(active) error = %v", err)
	}
	if len(active) != 0 {
		t.Errorf("ListTasks(active) len = %d, want 0", len(active))
	}
}
