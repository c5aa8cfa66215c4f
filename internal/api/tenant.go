package api

import (
	"context"
	"net/http"

	"github.com/Priya8975/webhook-dispatcher/internal/domain"
)

// Tenant headers are set by the gateway in front of the service after it
// has authenticated the caller.
const (
	HeaderTenantID   = "X-Tenant-ID"
	HeaderTenantRole = "X-Tenant-Role"
)

type tenantKey struct{}

// requireTenant rejects requests without a tenant and stores the tenant in
// the request context.
func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t := domain.Tenant{
			ID:   r.Header.Get(HeaderTenantID),
			Role: r.Header.Get(HeaderTenantRole),
		}
		if t.ID == "" {
			respondError(w, http.StatusUnauthorized, "missing "+HeaderTenantID+" header")
			return
		}
		ctx := context.WithValue(r.Context(), tenantKey{}, t)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func tenantFrom(ctx context.Context) domain.Tenant {
	t, _ := ctx.Value(tenantKey{}).(domain.Tenant)
	return t
}

// scope is the owner filter for listings and publishing: empty for a super
// admin, the tenant id otherwise.
func scope(t domain.Tenant) string {
	if t.Role == domain.RoleSuperAdmin {
		return ""
	}
	return t.ID
}
