package credstore

import "strconv"

// Global keys.
const (
	IndexKey      = "tenant-ids-index"
	LastTenantKey = "last-selected-tenant-id"
	SaltKey       = "vault-salt"
)

// Tenant-scoped data kinds. Remove deletes every kind listed in TenantKinds.
const (
	KindSession = "session"
	KindCache   = "cache"
)

//nolint:gochecknoglobals // fixed list of tenant-scoped kinds
var TenantKinds = []string{KindSession, KindCache}

// TenantKey returns "tenant-<id>-<kind>".
func TenantKey(tenantID int64, kind string) string {
	return "tenant-" + strconv.FormatInt(tenantID, 10) + "-" + kind
}

// SessionKey returns "tenant-<id>-session".
func SessionKey(tenantID int64) string {
	return TenantKey(tenantID, KindSession)
}
