package identity

// Built-in permission slugs consumed by the authority itself.
const (
	PermManageTenants = "admin.tenants.manage"
	PermManageRoles   = "admin.roles.manage"
	PermViewAudits    = "admin.audits.view"
)

var BuiltinPermissions = []Permission{
	{Slug: PermManageTenants, Name: "Manage tenants", Category: "admin"},
	{Slug: PermManageRoles, Name: "Manage roles and assignments", Category: "admin"},
	{Slug: PermViewAudits, Name: "View login audit trail", Category: "admin"},
}
