package policy

// Permission codes the engine itself depends on.
const (
	PermEmergencyAccess = "EMERGENCY_ACCESS"
	PermBreakTheGlass   = "BREAK_THE_GLASS"
	PermPolicyManage    = "POLICY_MANAGE"
	PermUserRoleManage  = "USER_ROLE_MANAGE"
	PermAuditView       = "AUDIT_VIEW"
	PermAuditManage     = "AUDIT_MANAGE"
)

// EmergencyPermissions are the codes that qualify a principal for
// break-the-glass access.
var EmergencyPermissions = []string{PermEmergencyAccess, PermBreakTheGlass}
