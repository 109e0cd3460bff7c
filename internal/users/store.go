package users

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mind-engage/mindengage-exams/internal/db"
)

var ErrNotFound = errors.New("user not found")

const bcryptCost = 12

type User struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	Role         string `json:"role"`
	Password     string `json:"password,omitempty"` // plaintext on input only
	PasswordHash string `json:"-"`
}

type Store struct{ db *sql.DB }

func NewStore(conn *sql.DB) *Store { return &Store{db: conn} }

func (s *Store) FindByUsername(ctx context.Context, username string) (User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, `SELECT id,username,role,password_hash FROM users WHERE username=$1`, username).
		Scan(&u.ID, &u.Username, &u.Role, &u.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return u, err
}

func (s *Store) List(ctx context.Context, role string) ([]User, error) {
	q := `SELECT id,username,role FROM users`
	var args []any
	if role != "" {
		q += ` WHERE role=$1`
		args = append(args, role)
	}
	rows, err := s.db.QueryContext(ctx, q+` ORDER BY username`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []User{}
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.Role); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// Upsert inserts new users and updates existing ones by id. A password is
// required for new users; for existing ones an empty password keeps the
// stored hash.
func (s *Store) Upsert(ctx context.Context, list []User) (inserted, updated int, err error) {
	now := time.Now().UnixMilli()
	err = db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, u := range list {
			u.Role = strings.ToLower(strings.TrimSpace(u.Role))
			if u.Role == "" {
				u.Role = "student"
			}
			if u.ID == "" || u.Username == "" {
				return fmt.Errorf("id and username required")
			}
			switch u.Role {
			case "student", "teacher", "admin":
			default:
				return fmt.Errorf("invalid role %q for %s", u.Role, u.Username)
			}

			var hash string
			if u.Password != "" {
				b, err := bcrypt.GenerateFromPassword([]byte(u.Password), bcryptCost)
				if err != nil {
					return err
				}
				hash = string(b)
			}

			err := tx.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id=$1`, u.ID).Scan(new(int))
			switch {
			case err == nil:
				if hash != "" {
					_, err = tx.ExecContext(ctx, `UPDATE users SET username=$1, role=$2, password_hash=$3 WHERE id=$4`,
						u.Username, u.Role, hash, u.ID)
				} else {
					_, err = tx.ExecContext(ctx, `UPDATE users SET username=$1, role=$2 WHERE id=$3`,
						u.Username, u.Role, u.ID)
				}
				if err != nil {
					return err
				}
				updated++
			case errors.Is(err, sql.ErrNoRows):
				if hash == "" {
					return fmt.Errorf("password required for new user %s", u.Username)
				}
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO users (id, username, password_hash, role, created_at) VALUES ($1,$2,$3,$4,$5)`,
					u.ID, u.Username, hash, u.Role, now); err != nil {
					return err
				}
				inserted++
			default:
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return inserted, updated, nil
}

// ParseCSV reads users from a CSV with id, username and role columns and
// an optional password column.
func ParseCSV(r io.Reader) ([]User, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	hdr, err := cr.Read()
	if err != nil {
		return nil, err
	}
	idx := map[string]int{}
	for i, h := range hdr {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, k := range []string{"id", "username", "role"} {
		if _, ok := idx[k]; !ok {
			return nil, errors.New("missing column: " + k)
		}
	}
	var out []User
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		u := User{ID: rec[idx["id"]], Username: rec[idx["username"]], Role: rec[idx["role"]]}
		if i, ok := idx["password"]; ok {
			u.Password = rec[i]
		}
		out = append(out, u)
	}
	return out, nil
}

// CheckPassword compares a plaintext password with a bcrypt hash.
func CheckPassword(hash, password string) bool {
	return hash != "" && bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
