// Package security carries the calling principal through contexts and enforces
// tenant-scoped operation permissions.
package security

import (
	"context"
	"strings"
	"sync"

	"github.com/coachpo/coreflow/errs"
)

// AnyTenant grants a principal access to every tenant.
const AnyTenant = "*"

// Principal is the authenticated caller.
type Principal struct {
	UserID   string
	TenantID string
	Roles    []string
}

type principalKey struct{}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal attached to ctx.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Policy maps roles to the operations they may perform.
type Policy struct {
	mu    sync.RWMutex
	roles map[string]map[string]struct{}
}

// NewPolicy builds a policy from role -> operations. The operation "*" allows everything.
func NewPolicy(grants map[string][]string) *Policy {
	p := &Policy{roles: make(map[string]map[string]struct{}, len(grants))}
	for role, ops := range grants {
		p.Grant(role, ops...)
	}
	return p
}

// Grant adds operations to role.
func (p *Policy) Grant(role string, operations ...string) {
	role = normalize(role)
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.roles[role]
	if !ok {
		set = make(map[string]struct{}, len(operations))
		p.roles[role] = set
	}
	for _, op := range operations {
		set[strings.ToUpper(strings.TrimSpace(op))] = struct{}{}
	}
}

// Allows reports whether any of the principal's roles permits operation.
func (p *Policy) Allows(principal Principal, operation string) bool {
	operation = strings.ToUpper(strings.TrimSpace(operation))
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, role := range principal.Roles {
		set := p.roles[normalize(role)]
		if _, ok := set[operation]; ok {
			return true
		}
		if _, ok := set["*"]; ok {
			return true
		}
	}
	return false
}

// Authorizer runs callbacks for principals the policy allows on the requested tenant.
type Authorizer struct {
	policy *Policy
}

// NewAuthorizer wraps policy.
func NewAuthorizer(policy *Policy) *Authorizer {
	if policy == nil {
		policy = NewPolicy(nil)
	}
	return &Authorizer{policy: policy}
}

// Execute runs fn when the principal in ctx may perform operation on tenantID.
func (a *Authorizer) Execute(ctx context.Context, tenantID, operation string, fn func(context.Context) error) error {
	principal, ok := PrincipalFrom(ctx)
	if !ok {
		return denied(tenantID, operation, "no principal in context")
	}
	if principal.TenantID != AnyTenant && principal.TenantID != tenantID {
		return denied(tenantID, operation, "principal not scoped to tenant")
	}
	if !a.policy.Allows(principal, operation) {
		return denied(tenantID, operation, "operation not permitted")
	}
	return fn(ctx)
}

// AllowAll runs every callback. It backs deployments without an identity layer.
type AllowAll struct{}

// Execute implements the bus authorizer contract.
func (AllowAll) Execute(ctx context.Context, _, _ string, fn func(context.Context) error) error {
	return fn(ctx)
}

func denied(tenantID, operation, reason string) error {
	return errs.New("security", errs.CodeUnauthorized,
		errs.WithMessage(reason),
		errs.WithTenant(tenantID),
		errs.WithOperation(operation))
}

func normalize(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
