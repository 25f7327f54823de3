package domain

import (
	"strconv"
	"strings"
)

// TenantHeader is the request header carrying the tenant routing value.
const TenantHeader = "tenant"

// Tenant identifies a backend realm. It is immutable once a session exists for it.
type Tenant struct {
	ID   int64  `json:"id"`
	Slug string `json:"slug"`
}

// TenantDescriptor is the tenant summary returned by the public tenant lookup.
type TenantDescriptor struct {
	ID                    int64   `json:"id"`
	Slug                  string  `json:"slug"`
	Title                 string  `json:"title"`
	BackgroundImageFileID *string `json:"backgroundImageFileId"`
	LogoImageFileID       *string `json:"logoImageFileId"`
}

// Tenant returns the routing part of the descriptor.
func (d TenantDescriptor) Tenant() Tenant {
	return Tenant{ID: d.ID, Slug: d.Slug}
}

// RoutingHeader is the value of the "tenant" request header, e.g. "id:42".
func (t Tenant) RoutingHeader() string {
	return TenantHeaderValue(t.ID)
}

// TenantHeaderValue formats a tenant id for the "tenant" request header.
func TenantHeaderValue(id int64) string {
	return "id:" + strconv.FormatInt(id, 10)
}

// ParseTenantHeader is the inverse of TenantHeaderValue.
func ParseTenantHeader(v string) (int64, bool) {
	raw, ok := strings.CutPrefix(v, "id:")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
