package rbac

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ExamAuthorizer answers whether a user may manage an exam's submissions:
// admins always, teachers for exams they authored or that have no author.
type ExamAuthorizer struct {
	DB        *sql.DB
	AdminUser string        // configured admin, not necessarily in users
	Timeout   time.Duration // bound on the lookup; none when <= 0
}

func NewExamAuthorizer(db *sql.DB, adminUser string, timeout time.Duration) *ExamAuthorizer {
	return &ExamAuthorizer{DB: db, AdminUser: adminUser, Timeout: timeout}
}

func (a *ExamAuthorizer) IsTeacherOrAdminFor(ctx context.Context, examID, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	if a.AdminUser != "" && userID == a.AdminUser {
		return true, nil
	}

	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	var role string
	err := a.DB.QueryRowContext(ctx, `SELECT role FROM users WHERE id=$1 OR username=$1`, userID).Scan(&role)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, err
	}

	switch role {
	case RoleAdmin:
		return true, nil
	case RoleTeacher:
		var author string
		err := a.DB.QueryRowContext(ctx, `SELECT created_by FROM exams WHERE id=$1`, examID).Scan(&author)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return false, nil
		case err != nil:
			return false, err
		}
		return author == "" || author == userID, nil
	default:
		return false, nil
	}
}
