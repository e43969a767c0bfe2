package verify

import (
	"crypto/sha256"
	"crypto/sha512"
	"sort"
	"strings"

	hexutil "github.com/dstack-verify/attestor/infrastructure/hex"
	"github.com/dstack-verify/attestor/internal/attest"
)

// sha256Hex implements the "sha256" calculation function named in
// spec.md §3's Calculation table.
func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hexutil.EncodeToString(sum[:])
}

// sha384Hex implements the "sha384" calculation function.
func sha384Hex(data []byte) string {
	sum := sha512.Sum384(data)
	return hexutil.EncodeToString(sum[:])
}

// replayRTMR implements the "replay_rtmr" calculation function
// (spec.md §4.3 "OS check" step 2): starting from a zeroed register,
// each event log entry extends it by sha384(register || digest), in
// event-log order. This is the standard TDX RTMR extend operation.
func replayRTMR(entries []attest.EventLogEntry) string {
	register := make([]byte, 48)
	for _, e := range entries {
		digest, err := hexutil.DecodeString(e.Digest)
		if err != nil || len(digest) == 0 {
			continue
		}
		combined := append(append([]byte{}, register...), digest...)
		sum := sha512.Sum384(combined)
		register = sum[:]
	}
	return hexutil.EncodeToString(register)
}

// groupEventLogByIMR buckets event log entries by their IMR index,
// preserving log order within each bucket, for independent RTMR
// replay (spec.md §4.3 "OS check" step 2).
func groupEventLogByIMR(entries []attest.EventLogEntry) map[int][]attest.EventLogEntry {
	groups := make(map[int][]attest.EventLogEntry)
	for _, e := range entries {
		groups[e.IMR] = append(groups[e.IMR], e)
	}
	return groups
}

// findComposeHashEvent returns the digest of the RTMR3 event log entry
// recording the compose hash (spec.md §4.3 "Source-code check" step 2),
// or "" if none is present.
func findComposeHashEvent(entries []attest.EventLogEntry) string {
	for _, e := range entries {
		if e.IMR == 3 && strings.EqualFold(e.EventType, "compose-hash") {
			return hexutil.Normalize(e.Digest)
		}
	}
	return ""
}

// sortedIMRKeys returns the IMR indices present in groups, ascending,
// for deterministic event-log data-object registration order.
func sortedIMRKeys(groups map[int][]attest.EventLogEntry) []int {
	keys := make([]int, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
