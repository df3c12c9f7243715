package auth

// Role is the caller's tier in the request workflow: viewers submit and read
// the ledger, operators approve and reconcile, admins may purge it.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

var roleOrder = map[Role]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// NormalizeRole maps a token claim to a known role. Unknown values are
// rejected rather than defaulted so a mistyped claim never gains access.
func NormalizeRole(value string) (Role, bool) {
	role := Role(value)
	if _, ok := roleOrder[role]; !ok {
		return "", false
	}
	return role, true
}

// RoleAtLeast reports whether role meets or exceeds the required tier.
func RoleAtLeast(role, required Role) bool {
	return roleOrder[role] >= roleOrder[required]
}
