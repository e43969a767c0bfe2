// Package verify implements C3 (the verifier capability set), C4 (the
// verifier-chain factory) and C5 (the verification service) of spec.md
// §4.3-4.5: a closed set of KMS/Gateway/App verifier variants, strung
// into an ordered chain by an app config, whose hardware/OS/source-code
// (and, for the Gateway, domain-trust) checks are run under a flags
// mask and collected into a measurement-graph report.
package verify

import (
	"time"

	"github.com/dstack-verify/attestor/internal/dataobject"
	"github.com/dstack-verify/attestor/internal/platform/apperr"
)

// AppConfig is the closed set of two application variants this system
// verifies, spec.md §3/§4.4. Each variant pins down which static
// discovery URL the chain factory uses and which app verifier it picks.
type AppConfig interface {
	isAppConfig()
	Contract() string
	Metadata() map[string]interface{}
}

// RedpillConfig targets a model-hosting application behind the
// "redpill" config variant.
type RedpillConfig struct {
	ContractAddress string
	Model           string
	AppMetadata     map[string]interface{}
}

func (RedpillConfig) isAppConfig()                       {}
func (c RedpillConfig) Contract() string                 { return c.ContractAddress }
func (c RedpillConfig) Metadata() map[string]interface{} { return c.AppMetadata }

// PhalaCloudConfig targets a domain-hosting application behind the
// "phala_cloud" config variant.
type PhalaCloudConfig struct {
	ContractAddress string
	Domain          string
	AppMetadata     map[string]interface{}
}

func (PhalaCloudConfig) isAppConfig()                       {}
func (c PhalaCloudConfig) Contract() string                 { return c.ContractAddress }
func (c PhalaCloudConfig) Metadata() map[string]interface{} { return c.AppMetadata }

// ReportError is one entry in a VerificationResponse's error list,
// spec.md §4.5 "aggregates errors". Each failed step contributes
// exactly one entry; failures never abort the rest of the chain.
type ReportError struct {
	Kind     apperr.Kind `json:"kind"`
	Message  string      `json:"message"`
	Verifier string      `json:"verifier,omitempty"`
	Step     string      `json:"step,omitempty"`
}

// Report is the final, structured output of one verification run,
// spec.md §4.5 / §3 "Invariants".
type Report struct {
	DataObjects []*dataobject.Object `json:"dataObjects"`
	CompletedAt time.Time            `json:"completedAt"`
	Errors      []ReportError        `json:"errors"`
	Success     bool                 `json:"success"`
}

// ObjectIDs returns the ids of every data object in the report, the
// shape the task store persists on a completed VerificationTask
// (spec.md §3 "list of data-object ids present in the report").
func (r *Report) ObjectIDs() []string {
	ids := make([]string, 0, len(r.DataObjects))
	for _, o := range r.DataObjects {
		ids = append(ids, o.ID)
	}
	return ids
}
