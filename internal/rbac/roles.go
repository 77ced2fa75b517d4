package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleCustomer       = "customer"
	RolePartnerManager = "partner_manager"
	RoleFinance        = "finance"
	RoleSuperAdmin     = "super_admin"
	RoleRiskOperator   = "risk_operator" // hidden role
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

func IsHiddenRole(role string) bool { return role == RoleRiskOperator }
