package rbac

const (
	RoleStudent = "student"
	RoleTeacher = "teacher"
	RoleAdmin   = "admin"
)

const (
	PermExamView       = "exam:view"
	PermExamCreate     = "exam:create"
	PermExamPublish    = "exam:publish"
	PermAttemptCreate  = "attempt:create"
	PermAttemptSave    = "attempt:save"
	PermAttemptSubmit  = "attempt:submit"
	PermAttemptViewOwn = "attempt:view-own"
	PermAttemptViewAll = "attempt:view-all"
	PermAttemptGrade   = "attempt:grade"
	PermUsersManage    = "users:manage"
)

// RolePermissions is the default policy.
var RolePermissions = map[string][]string{
	RoleStudent: {
		PermExamView,
		PermAttemptCreate,
		PermAttemptSave,
		PermAttemptSubmit,
		PermAttemptViewOwn,
	},
	RoleTeacher: {
		PermExamView,
		PermExamCreate,
		PermExamPublish,
		PermAttemptViewAll,
		PermAttemptGrade,
	},
	RoleAdmin: {
		"*",
	},
}
