package auth

import (
	"fmt"
	"sort"
	"strings"
)

// Role is an ordered privilege level.
type Role string

const (
	RoleViewer     Role = "viewer"
	RoleEditor     Role = "editor"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

var roleLevels = map[Role]int{
	RoleViewer:     1,
	RoleEditor:     2,
	RoleAdmin:      3,
	RoleSuperAdmin: 4,
}

// ParseRole normalizes s and rejects unknown roles.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := roleLevels[r]; !ok {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
	}
	return r, nil
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := roleLevels[r]
	return ok
}

// AtLeast reports whether r is min or any higher role. Unknown roles never
// satisfy a requirement.
func (r Role) AtLeast(min Role) bool {
	have, ok := roleLevels[r]
	if !ok {
		return false
	}
	return have >= roleLevels[min]
}

type Resource string

const (
	ResourceWaitlist  Resource = "waitlist"
	ResourceCampaigns Resource = "campaigns"
	ResourceAuditLog  Resource = "audit_log"
	ResourceAdmins    Resource = "admins"
	ResourceSettings  Resource = "settings"
)

type Action string

const (
	ActionRead   Action = "read"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionExport Action = "export"
)

var (
	allResources = []Resource{ResourceWaitlist, ResourceCampaigns, ResourceAuditLog, ResourceAdmins, ResourceSettings}
	allActions   = []Action{ActionRead, ActionCreate, ActionUpdate, ActionDelete, ActionExport}
)

// Grant allows one action on one resource.
type Grant struct {
	Resource Resource `json:"resource"`
	Action   Action   `json:"action"`
}

func (g Grant) String() string { return string(g.Resource) + ":" + string(g.Action) }

// Valid reports whether both halves of the grant are known.
func (g Grant) Valid() bool {
	return containsResource(g.Resource) && containsAction(g.Action)
}

func containsResource(r Resource) bool {
	for _, v := range allResources {
		if v == r {
			return true
		}
	}
	return false
}

func containsAction(a Action) bool {
	for _, v := range allActions {
		if v == a {
			return true
		}
	}
	return false
}

var roleDefaults = buildRoleDefaults()

func buildRoleDefaults() map[Role][]Grant {
	viewer := []Grant{
		{ResourceWaitlist, ActionRead},
		{ResourceCampaigns, ActionRead},
	}
	editor := append(append([]Grant{}, viewer...),
		Grant{ResourceWaitlist, ActionCreate},
		Grant{ResourceWaitlist, ActionUpdate},
		Grant{ResourceCampaigns, ActionCreate},
		Grant{ResourceCampaigns, ActionUpdate},
	)
	admin := append(append([]Grant{}, editor...),
		Grant{ResourceWaitlist, ActionDelete},
		Grant{ResourceWaitlist, ActionExport},
		Grant{ResourceCampaigns, ActionDelete},
		Grant{ResourceCampaigns, ActionExport},
		Grant{ResourceAuditLog, ActionRead},
		Grant{ResourceAuditLog, ActionExport},
		Grant{ResourceAdmins, ActionRead},
		Grant{ResourceAdmins, ActionUpdate},
		Grant{ResourceSettings, ActionRead},
	)
	var super []Grant
	for _, res := range allResources {
		for _, act := range allActions {
			super = append(super, Grant{res, act})
		}
	}
	return map[Role][]Grant{
		RoleViewer:     viewer,
		RoleEditor:     editor,
		RoleAdmin:      admin,
		RoleSuperAdmin: super,
	}
}

// DefaultGrants returns a copy of the implicit grants of role.
func DefaultGrants(role Role) []Grant {
	return append([]Grant(nil), roleDefaults[role]...)
}

// Access is what an admin is allowed to do: a role plus explicit grants that
// add to the role defaults.
type Access struct {
	Role   Role
	Grants []Grant
}

// Allows resolves g against the union of role defaults and explicit grants.
func (a Access) Allows(g Grant) bool {
	for _, have := range roleDefaults[a.Role] {
		if have == g {
			return true
		}
	}
	for _, have := range a.Grants {
		if have == g {
			return true
		}
	}
	return false
}

// Effective lists every grant the admin holds, sorted and deduplicated.
func (a Access) Effective() []Grant {
	return NormalizeGrants(append(DefaultGrants(a.Role), a.Grants...))
}

// NormalizeGrants drops unknown and duplicate grants and sorts the rest.
func NormalizeGrants(grants []Grant) []Grant {
	seen := make(map[Grant]struct{}, len(grants))
	out := make([]Grant, 0, len(grants))
	for _, g := range grants {
		g.Resource = Resource(strings.ToLower(strings.TrimSpace(string(g.Resource))))
		g.Action = Action(strings.ToLower(strings.TrimSpace(string(g.Action))))
		if !g.Valid() {
			continue
		}
		if _, ok := seen[g]; ok {
			continue
		}
		seen[g] = struct{}{}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Requirement is what a route demands. Zero values mean "no requirement".
type Requirement struct {
	Role       Role
	Permission *Grant
}

// Authorize checks access against req. Both halves must pass when both are
// set. The returned error is ErrInsufficientRole or ErrMissingPermission.
func Authorize(access Access, req Requirement) error {
	if !access.Role.Valid() {
		return fmt.Errorf("%w: no recognized role", ErrInsufficientRole)
	}
	if req.Role != "" && !access.Role.AtLeast(req.Role) {
		return fmt.Errorf("%w: have %q, need %q", ErrInsufficientRole, access.Role, req.Role)
	}
	if req.Permission != nil && !access.Allows(*req.Permission) {
		return fmt.Errorf("%w: %s", ErrMissingPermission, req.Permission)
	}
	return nil
}
