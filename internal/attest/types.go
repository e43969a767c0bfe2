// Package attest implements C2, the attestation clients: narrow I/O
// adapters to the TDX quote tool, the NVIDIA attestation service, the
// on-chain registry, the application's info endpoint, the gateway's
// system-info discovery endpoint, DNS CAA, and Certificate Transparency
// logs. Every adapter here fails with a typed apperr.Kind (spec.md §7)
// and is cancellation-aware: callers always pass a context carrying the
// enclosing task's deadline.
package attest

// Quote is the decoded form of a TDX quote: the registers a verifier
// compares against independently-reproduced measurements.
type Quote struct {
	MRTD       string                 `json:"mrtd"`
	RTMR0      string                 `json:"rtmr0"`
	RTMR1      string                 `json:"rtmr1"`
	RTMR2      string                 `json:"rtmr2"`
	RTMR3      string                 `json:"rtmr3"`
	ReportData string                 `json:"report_data"`
	Raw        map[string]interface{} `json:"-"`
}

// EventLogEntry is one entry of the ordered event log whose replay
// reproduces an RTMR.
type EventLogEntry struct {
	IMR       int    `json:"imr"`
	EventType string `json:"event_type"`
	Digest    string `json:"digest"`
	EventData string `json:"event_data"`
}

// AppInfo is the application's own attestation bundle, fetched over
// HTTPS from its info endpoint (spec.md §4.2).
type AppInfo struct {
	Quote       string          `json:"quote"`
	EventLog    []EventLogEntry `json:"event_log"`
	ComposeHash string          `json:"compose_hash"`
	DeviceID    string          `json:"device_id"`
	Certificate string          `json:"certificate"`
	Endpoint    string          `json:"tcb_endpoint"`
	ComposeFile string          `json:"compose_file"`
}

// KmsInfo is the nested block of SystemInfo that drives C4's chain
// construction and C2's on-chain RPC selection.
type KmsInfo struct {
	ContractAddress string `json:"contract_address"`
	ChainID         uint64 `json:"chain_id"`
	GatewayAppID    string `json:"gateway_app_id"`
	GatewayAppURL   string `json:"gateway_app_url"`
	// Endpoint is the KMS's own attestation endpoint. dstack gateways
	// publish it alongside the registry/version fields so a verifier
	// can reach the KMS directly rather than through the gateway.
	Endpoint string `json:"kms_endpoint"`
	Version  string `json:"version"`
}

// IsLegacy reports whether this KMS version uses the legacy on-chain
// registry shape (spec.md §9 "Legacy KMS shape").
func (k KmsInfo) IsLegacy() bool {
	return k.Version == "" || k.Version == "legacy" || k.Version == "v1"
}

// SystemInfo is returned by the gateway's system-info discovery
// endpoint and drives the verifier-chain factory (C4).
type SystemInfo struct {
	KmsInfo KmsInfo `json:"kms_info"`
}

// NvidiaVerdict is the GPU attestation verdict from the NVIDIA NRAS
// service.
type NvidiaVerdict struct {
	Verified bool                   `json:"verified"`
	Payload  map[string]interface{} `json:"payload"`
}

// CAARecord is one CAA resource record.
type CAARecord struct {
	Tag   string
	Value string
}

// Certificate is a minimal CT-log-observed certificate record.
type Certificate struct {
	Issuer      string
	Fingerprint string
	NotBefore   string
	NotAfter    string
}
