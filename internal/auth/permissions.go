package auth

const (
	PermUsersRead   = "users.read"
	PermUsersWrite  = "users.write"
	PermRolesManage = "roles.manage"
)

var BuiltinPermissions = []Permission{
	{Name: PermUsersRead, Description: "Read user accounts", Active: true},
	{Name: PermUsersWrite, Description: "Create and update user accounts", Active: true},
	{Name: PermRolesManage, Description: "Manage roles and permission links", Active: true},
}
