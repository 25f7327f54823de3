package domain_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/tenantauth/internal/domain"
)

func TestTenantHeader_RoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		id     int64
		header string
	}{
		{name: "single digit", id: 1, header: "id:1"},
		{name: "large id", id: 9876543210, header: "id:9876543210"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tenant := domain.Tenant{ID: tt.id, Slug: "x"}
			assert.Equal(t, tt.header, tenant.RoutingHeader())

			id, ok := domain.ParseTenantHeader(tt.header)
			require.True(t, ok)
			assert.Equal(t, tt.id, id)
		})
	}
}

func TestParseTenantHeader_Invalid(t *testing.T) {
	t.Parallel()

	for _, v := range []string{"", "1", "id:", "id:abc", "id:0", "id:-4", "slug:a"} {
		_, ok := domain.ParseTenantHeader(v)
		assert.False(t, ok, "expected %q to be rejected", v)
	}
}

func TestSession_JSONShape(t *testing.T) {
	t.Parallel()

	s := domain.Session{
		Tenant: domain.Tenant{ID: 7, Slug: "school"},
		Auth:   domain.AuthCredential{RefreshToken: "r"},
	}

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `{"tenant":{"id":7,"slug":"school"},"auth":{"refreshToken":"r"}}`, string(data))

	updated := s.WithAuth(domain.AuthCredential{AccessToken: "a", RefreshToken: "r2"})
	assert.Equal(t, "r", s.Auth.RefreshToken, "WithAuth must not mutate the receiver")
	assert.Equal(t, "r2", updated.Auth.RefreshToken)
	assert.Equal(t, int64(7), updated.TenantID())
}

func TestTenantDescriptor_Tenant(t *testing.T) {
	t.Parallel()

	var d domain.TenantDescriptor
	err := json.Unmarshal([]byte(`{"id":3,"slug":"c","title":"C School","backgroundImageFileId":null,"logoImageFileId":"f1"}`), &d)
	require.NoError(t, err)

	assert.Equal(t, domain.Tenant{ID: 3, Slug: "c"}, d.Tenant())
	assert.Nil(t, d.BackgroundImageFileID)
	require.NotNil(t, d.LogoImageFileID)
	assert.Equal(t, "f1", *d.LogoImageFileID)
}
