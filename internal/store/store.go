// Package store defines the persistence interfaces for applications,
// profiles and verification tasks described in spec.md §4.6. Concrete
// backends live in subpackages (postgres).
package store

import (
	"context"
	"time"

	"github.com/dstack-verify/attestor/internal/domain"
)

// AppStore persists dstack applications (spec.md §4.9's app-sync target).
type AppStore interface {
	UpsertApp(ctx context.Context, app domain.Application) (domain.Application, error)
	GetApp(ctx context.Context, id string) (domain.Application, error)
	ListApps(ctx context.Context) ([]domain.Application, error)
	TombstoneAppsNotIn(ctx context.Context, ids []string) (int64, error)
}

// ProfileStore persists upstream display-entity profiles (spec.md §4.9's
// profile-sync target).
type ProfileStore interface {
	UpsertProfile(ctx context.Context, profile domain.Profile) (domain.Profile, error)
	GetProfile(ctx context.Context, entityType domain.ProfileEntityType, entityID int64) (domain.Profile, error)
}

// TaskPatch carries the fields `updateTask` may change. Status transitions
// are validated against domain.CanTransition; nil pointer fields are left
// untouched.
type TaskPatch struct {
	Status        domain.TaskStatus
	ErrorMessage  *string
	BlobFilename  *string
	BlobKey       *string
	BlobBucket    *string
	DataObjectIDs []string
	StartedAt     *time.Time
	FinishedAt    *time.Time
}

// TaskFilter narrows ListTasks to a subset of rows. Zero-valued fields
// impose no restriction on that dimension.
type TaskFilter struct {
	AppID         string
	Status        domain.TaskStatus
	CreatedAfter  time.Time
	CreatedBefore time.Time

	// Keyset pagination cursor: rows strictly after (CreatedAt, ID) in
	// (createdAt DESC, id) order. Zero value starts from the newest row.
	CursorCreatedAt time.Time
	CursorID        string

	Limit int
}

// TaskStore persists verification tasks (spec.md §4.6).
type TaskStore interface {
	CreateTask(ctx context.Context, task domain.VerificationTask) (domain.VerificationTask, error)
	SetTaskJobID(ctx context.Context, id, jobID string) error
	UpdateTask(ctx context.Context, id string, patch TaskPatch) (domain.VerificationTask, error)
	DeleteTask(ctx context.Context, id string) error
	GetTask(ctx context.Context, id string) (domain.VerificationTask, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]domain.VerificationTask, error)
}
