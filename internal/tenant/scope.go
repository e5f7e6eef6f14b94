// Package tenant holds the active tenant scope and connectivity state.
//
// Components never read a process-wide tenant: every store, queue and
// conflict call takes a Scope, and long-lived services such as the engine
// ask a Session for the current one.
package tenant

import (
	"strings"

	apperrors "github.com/vetpulse/vetsync/internal/errors"
)

// Scope identifies who a read or write is performed for.
type Scope struct {
	TenantID   string `json:"tenant_id" yaml:"tenant_id" validate:"required"`
	PracticeID string `json:"practice_id,omitempty" yaml:"practice_id"`
	UserID     string `json:"user_id,omitempty" yaml:"user_id"`
}

// Validate returns a tenant-context error if no tenant is set.
func (s Scope) Validate() error {
	if strings.TrimSpace(s.TenantID) == "" {
		return apperrors.TenantRequired()
	}
	return nil
}

// IsZero reports whether the scope carries no tenant.
func (s Scope) IsZero() bool {
	return s.TenantID == ""
}
