package sync

import (
	"fmt"
	"regexp"
	"strconv"
)

// dstackVersionPattern extracts major.minor.patch[.build] from a base
// image string, spec.md §4.9 "Version parsing".
var dstackVersionPattern = regexp.MustCompile(`(\d+)\.(\d+)\.(\d+)(?:\.(\d+))?$`)

// Version is a parsed dstack base-image version, compared lexicographically
// by (Major, Minor, Patch, Build) with an unspecified Build treated as 0.
type Version struct {
	Major, Minor, Patch, Build int
}

// String renders the version back to dotted form.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.Patch, v.Build)
}

// Compare returns -1, 0, or 1 as v is less than, equal to, or greater
// than other.
func (v Version) Compare(other Version) int {
	for _, pair := range [][2]int{
		{v.Major, other.Major},
		{v.Minor, other.Minor},
		{v.Patch, other.Patch},
		{v.Build, other.Build},
	} {
		if pair[0] < pair[1] {
			return -1
		}
		if pair[0] > pair[1] {
			return 1
		}
	}
	return 0
}

// AtLeast reports whether v >= other.
func (v Version) AtLeast(other Version) bool { return v.Compare(other) >= 0 }

// LessThan reports whether v < other.
func (v Version) LessThan(other Version) bool { return v.Compare(other) < 0 }

// ParseVersion extracts the trailing major.minor.patch[.build] from a
// dstack base-image string (e.g. "dstack-dev-0.5.3" -> {0,5,3,0}). ok is
// false when no version suffix is present.
func ParseVersion(baseImage string) (v Version, ok bool) {
	m := dstackVersionPattern.FindStringSubmatch(baseImage)
	if m == nil {
		return Version{}, false
	}
	v.Major, _ = strconv.Atoi(m[1])
	v.Minor, _ = strconv.Atoi(m[2])
	v.Patch, _ = strconv.Atoi(m[3])
	if m[4] != "" {
		v.Build, _ = strconv.Atoi(m[4])
	}
	return v, true
}

// v053 and v051 are the thresholds named in spec.md §4.9 step 2/3.
var (
	v053 = Version{Major: 0, Minor: 5, Patch: 3}
	v051 = Version{Major: 0, Minor: 5, Patch: 1}
)

// DeriveContractAddress implements spec.md §4.9 step 2: the contract
// address is derived from the base-image version, not copied verbatim
// from the upstream record for older dstack releases. ok is false when
// the version is below 0.5.1, meaning the app record should be skipped.
func DeriveContractAddress(v Version, dstackAppID, legacyContractAddress string) (address string, ok bool) {
	switch {
	case v.AtLeast(v053):
		return "0x" + dstackAppID, true
	case v.AtLeast(v051):
		return legacyContractAddress, true
	default:
		return "", false
	}
}

// DeriveDomain implements spec.md §4.9 step 3.
func DeriveDomain(v Version, gatewayDomainSuffix, tproxyBaseDomain string) string {
	if v.AtLeast(v053) {
		return gatewayDomainSuffix
	}
	return tproxyBaseDomain
}
