// Package domain holds the core persisted types shared across the task
// store (C6), the task queue (C7), the sync engine (C9) and the task API
// (C10): applications, profiles, verification tasks and verification
// flags, following spec.md §3.
package domain

import "time"

// AppConfigType distinguishes the two application variants this system
// verifies.
type AppConfigType string

const (
	AppConfigRedpill    AppConfigType = "redpill"
	AppConfigPhalaCloud AppConfigType = "phala_cloud"
)

// ProfileEntityType is the kind of upstream entity a Profile mirrors.
type ProfileEntityType string

const (
	ProfileEntityApp       ProfileEntityType = "app"
	ProfileEntityUser      ProfileEntityType = "user"
	ProfileEntityWorkspace ProfileEntityType = "workspace"
)

// TaskStatus is the verification task's lifecycle state, spec.md §3.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskActive    TaskStatus = "active"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// validTaskTransitions encodes the monotonic status transitions allowed by
// spec.md §4.6: pending -> active | cancelled, active -> completed | failed.
// Terminal states (completed, failed, cancelled) accept no further
// transition.
var validTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskPending: {TaskActive: true, TaskCancelled: true},
	TaskActive:  {TaskCompleted: true, TaskFailed: true},
}

// CanTransition reports whether moving from `from` to `to` is a legal task
// status transition.
func CanTransition(from, to TaskStatus) bool {
	if from == to {
		return false
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return false
	}
	return allowed[to]
}

// IsTerminal reports whether status accepts no further transitions.
func IsTerminal(status TaskStatus) bool {
	switch status {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// Application is the dstack application row, keyed by its dstack app id.
type Application struct {
	ID              string
	ProfileID       int64
	DisplayName     string
	AppConfigType   AppConfigType
	ContractAddress string
	DomainOrModel   string
	BaseImage       string
	DstackVersion   string
	WorkspaceID     int64
	CreatorID       int64
	Username        string
	Email           string
	CustomUser      string
	IsPublic        bool
	Deleted         bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastSyncedAt    *time.Time
}

// Profile mirrors an upstream display entity (app, user, or workspace).
type Profile struct {
	ID            string
	EntityType    ProfileEntityType
	EntityID      int64
	DisplayName   string
	AvatarURL     string
	Description   string
	CustomDomain  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// VerificationFlags is the mask of independent verification steps,
// spec.md §3. A zero value means "nothing enabled"; use DefaultFlags() or
// FastFlags() for sensible starting points.
type VerificationFlags struct {
	Hardware         bool `json:"hardware"`
	OS               bool `json:"os"`
	SourceCode       bool `json:"sourceCode"`
	TeeControlledKey bool `json:"teeControlledKey"`
	CertificateKey   bool `json:"certificateKey"`
	DnsCAA           bool `json:"dnsCAA"`
	CTLog            bool `json:"ctLog"`
}

// DefaultFlags returns every verification step enabled.
func DefaultFlags() VerificationFlags {
	return VerificationFlags{
		Hardware: true, OS: true, SourceCode: true,
		TeeControlledKey: true, CertificateKey: true, DnsCAA: true, CTLog: true,
	}
}

// FastFlags returns the default flag set with the DNS CAA and CT log
// checks disabled, spec.md §3's "fast profile".
func FastFlags() VerificationFlags {
	f := DefaultFlags()
	f.DnsCAA = false
	f.CTLog = false
	return f
}

// ParseFlags parses the VERIFICATION_FLAGS configuration value described in
// spec.md §6: "all", "fast", or a CSV of flag names to enable.
func ParseFlags(raw string) VerificationFlags {
	switch raw {
	case "", "all":
		return DefaultFlags()
	case "fast":
		return FastFlags()
	}
	var f VerificationFlags
	for _, name := range splitCSV(raw) {
		switch name {
		case "hardware":
			f.Hardware = true
		case "os":
			f.OS = true
		case "sourceCode":
			f.SourceCode = true
		case "teeControlledKey":
			f.TeeControlledKey = true
		case "certificateKey":
			f.CertificateKey = true
		case "dnsCAA":
			f.DnsCAA = true
		case "ctLog":
			f.CTLog = true
		}
	}
	return f
}

func splitCSV(raw string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			part := trimSpace(raw[start:i])
			if part != "" {
				out = append(out, part)
			}
			start = i + 1
		}
	}
	return out
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t') {
		end--
	}
	return s[start:end]
}

// VerificationTask is the durable record of one verification request,
// spec.md §3/§4.6.
type VerificationTask struct {
	ID            string
	AppID         string
	JobName       string
	QueueJobID    string
	AppMetadata   []byte // opaque JSON captured from discovered system info
	Flags         VerificationFlags
	Status        TaskStatus
	ErrorMessage  string
	BlobFilename  string
	BlobKey       string
	BlobBucket    string
	DataObjectIDs []string
	CreatedAt     time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
}

// HasBlob reports whether the task has an uploaded report.
func (t *VerificationTask) HasBlob() bool {
	return t != nil && t.BlobKey != ""
}
