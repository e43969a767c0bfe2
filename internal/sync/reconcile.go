package sync

import (
	"strings"

	"github.com/dstack-verify/attestor/internal/domain"
)

// ToProfile converts a ProfileRecord into the domain.Profile shape the
// task store upserts, spec.md §4.9 "Profile sync".
func ToProfile(r ProfileRecord) domain.Profile {
	return domain.Profile{
		EntityType:   domain.ProfileEntityType(r.EntityType),
		EntityID:     r.EntityID,
		DisplayName:  r.DisplayName,
		AvatarURL:    r.AvatarURL,
		Description:  r.Description,
		CustomDomain: r.CustomDomain,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

// ConvertedApp is the result of reconciling one AppRecord: the domain
// row to upsert (when Skip is false) and the parsed dstack version,
// which the allow-list check downstream of ToApplication also needs.
type ConvertedApp struct {
	App     domain.Application
	Version Version
	Skip    bool // true when the base-image version is below 0.5.1 (spec.md §4.9 step 2)
}

// ToApplication implements spec.md §4.9 steps 1-4: derive the app
// config type, contract address, domain, and parsed dstack version from
// one upstream AppRecord.
func ToApplication(r AppRecord) ConvertedApp {
	v, ok := ParseVersion(r.BaseImage)
	if !ok {
		return ConvertedApp{Skip: true}
	}

	address, ok := DeriveContractAddress(v, r.DstackAppID, r.ContractAddress)
	if !ok {
		return ConvertedApp{Version: v, Skip: true}
	}

	configType := domain.AppConfigRedpill
	if isDomainApp(r) {
		configType = domain.AppConfigPhalaCloud
	}

	return ConvertedApp{
		Version: v,
		App: domain.Application{
			ID:              r.DstackAppID,
			DisplayName:     r.AppName,
			AppConfigType:   configType,
			ContractAddress: address,
			DomainOrModel:   DeriveDomain(v, r.GatewayDomainSuffix, r.TproxyBaseDomain),
			BaseImage:       r.BaseImage,
			DstackVersion:   v.String(),
			WorkspaceID:     r.WorkspaceID,
			CreatorID:       r.CreatorID,
			Username:        r.Username,
			Email:           r.Email,
			CustomUser:      deriveCustomUser(r.Username, r.Email),
			IsPublic:        r.Listed,
			Deleted:         false,
		},
	}
}

// isDomainApp reports whether r describes a phala-cloud (domain-hosted)
// application rather than a redpill (model-hosted) one, spec.md §4.9
// step 1: "the record model implies a domain-based app". A record with
// a populated gateway/tproxy domain field is treated as domain-based;
// the app name is not consulted.
func isDomainApp(r AppRecord) bool {
	return strings.TrimSpace(r.GatewayDomainSuffix) != "" || strings.TrimSpace(r.TproxyBaseDomain) != ""
}

// deriveCustomUser implements the `customUser` display label named in
// spec.md §3: prefer username, fall back to the email's local part.
func deriveCustomUser(username, email string) string {
	if username != "" {
		return username
	}
	if at := strings.Index(email, "@"); at > 0 {
		return email[:at]
	}
	return email
}

// IsAllowed reports whether v is present in allowed, spec.md §9's
// resolved open question: an empty allow-list permits every version.
func IsAllowed(v Version, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if parsed, ok := ParseVersion(a); ok && parsed.Compare(v) == 0 {
			return true
		}
		if a == v.String() {
			return true
		}
	}
	return false
}
