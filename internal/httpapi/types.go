// Package httpapi implements C10, the task API: a thin command surface
// (create, batch-create, cancel/delete, retry, query) over the task
// store (C6) and task queue (C7), following spec.md §4.10, plus the
// public report URL shape from spec.md §6.
package httpapi

import (
	"time"

	"github.com/dstack-verify/attestor/internal/domain"
)

// CreateTaskInput is one element of the "1-or-N batch insert" spec.md
// §4.10 describes.
type CreateTaskInput struct {
	AppID    string                     `json:"appId"`
	Metadata map[string]interface{}     `json:"metadata,omitempty"`
	Flags    *domain.VerificationFlags  `json:"flags,omitempty"`
}

// TaskView is the JSON projection of a domain.VerificationTask returned
// to callers; it omits nothing sensitive (task rows carry no secrets)
// but fixes a stable field order independent of the store's internal
// struct layout.
type TaskView struct {
	ID            string    `json:"id"`
	AppID         string    `json:"appId"`
	JobName       string    `json:"jobName"`
	Status        string    `json:"status"`
	ErrorMessage  string    `json:"errorMessage,omitempty"`
	BlobKey       string    `json:"blobKey,omitempty"`
	BlobBucket    string    `json:"blobBucket,omitempty"`
	DataObjectIDs []string  `json:"dataObjectIds,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty"`
	WidgetURL     string    `json:"widgetUrl"`
}

func toTaskView(t domain.VerificationTask) TaskView {
	return TaskView{
		ID:            t.ID,
		AppID:         t.AppID,
		JobName:       t.JobName,
		Status:        string(t.Status),
		ErrorMessage:  t.ErrorMessage,
		BlobKey:       t.BlobKey,
		BlobBucket:    t.BlobBucket,
		DataObjectIDs: t.DataObjectIDs,
		CreatedAt:     t.CreatedAt,
		StartedAt:     t.StartedAt,
		FinishedAt:    t.FinishedAt,
		WidgetURL:     "/widget/" + t.AppID + "/" + t.ID,
	}
}
