package permission

// Role is one level of the platform's role lattice.
type Role uint8

const (
	// RoleGuest is the unauthenticated / lowest tier.
	RoleGuest Role = iota
	// RoleResident is a verified unit resident.
	RoleResident
	// RoleBoardMember sits on the association board.
	RoleBoardMember
	// RoleAdministrator manages the platform.
	RoleAdministrator
)

var roleNames = map[Role]string{
	RoleGuest:         "guest",
	RoleResident:      "resident",
	RoleBoardMember:   "board_member",
	RoleAdministrator: "administrator",
}

var rolesByName = map[string]Role{
	"guest":         RoleGuest,
	"resident":      RoleResident,
	"board_member":  RoleBoardMember,
	"administrator": RoleAdministrator,
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return "unknown"
}

// ParseRole maps a claim string back to a Role. Unknown names parse as Guest
// so that a forged or stale role name never grants anything.
func ParseRole(name string) (Role, bool) {
	r, ok := rolesByName[name]
	return r, ok
}

// Subject is the claim set a policy evaluates: the token subject, its role
// names, and its explicit permission claims.
type Subject struct {
	Sub         string
	Roles       []string
	Permissions []string
}

func (s Subject) maxRole() Role {
	max := RoleGuest
	for _, name := range s.Roles {
		if r, ok := rolesByName[name]; ok && r > max {
			max = r
		}
	}
	return max
}

func (s Subject) hasPermission(perm string) bool {
	for _, p := range s.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Resource carries the attributes of the object being accessed that policies
// may inspect. A zero Resource is valid for role/claim-only checks.
type Resource struct {
	OwnerID string
}

// Policy is a pure predicate over a subject and a resource.
type Policy interface {
	Allows(s Subject, res Resource) bool
}

type rolePolicy struct{ required Role }

func (p rolePolicy) Allows(s Subject, _ Resource) bool {
	return s.maxRole() >= p.required
}

// RequireRole allows subjects holding the required role or any higher one.
func RequireRole(required Role) Policy {
	return rolePolicy{required: required}
}

type permissionPolicy struct{ perm string }

func (p permissionPolicy) Allows(s Subject, _ Resource) bool {
	return s.hasPermission(p.perm)
}

// RequirePermission allows subjects carrying the named permission claim,
// regardless of role.
func RequirePermission(perm string) Policy {
	return permissionPolicy{perm: perm}
}

type ownerPolicy struct{}

func (ownerPolicy) Allows(s Subject, res Resource) bool {
	return res.OwnerID != "" && res.OwnerID == s.Sub
}

// RequireOwner allows only the subject that owns the resource. Self-service
// rules compose this with a role floor, e.g.
// Or(RequireRole(RoleAdministrator), And(RequireRole(RoleResident), RequireOwner())).
func RequireOwner() Policy {
	return ownerPolicy{}
}

type andPolicy struct{ policies []Policy }

func (p andPolicy) Allows(s Subject, res Resource) bool {
	for _, inner := range p.policies {
		if !inner.Allows(s, res) {
			return false
		}
	}
	return len(p.policies) > 0
}

// And allows only when every inner policy allows.
func And(policies ...Policy) Policy {
	return andPolicy{policies: policies}
}

type orPolicy struct{ policies []Policy }

func (p orPolicy) Allows(s Subject, res Resource) bool {
	for _, inner := range p.policies {
		if inner.Allows(s, res) {
			return true
		}
	}
	return false
}

// Or allows when any inner policy allows.
func Or(policies ...Policy) Policy {
	return orPolicy{policies: policies}
}

// Evaluate is the package entry point: Allow iff the policy admits the
// subject for the resource. A nil policy denies.
func Evaluate(policy Policy, s Subject, res Resource) bool {
	if policy == nil {
		return false
	}
	return policy.Allows(s, res)
}
