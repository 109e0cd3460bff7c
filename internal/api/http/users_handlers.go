package http

import (
	"bufio"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/mind-engage/mindengage-exams/internal/users"
)

// POST /users  (JSON array, or multipart file= holding JSON or CSV)
func BulkUpsertUsersHandler(us *users.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var list []users.User
		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			f, _, err := r.FormFile("file")
			if err != nil {
				badRequest(w, "file required")
				return
			}
			defer f.Close()
			br := bufio.NewReader(f)
			// sniff JSON vs CSV by the first byte
			first, err := br.Peek(1)
			if err != nil {
				badRequest(w, "empty file")
				return
			}
			if first[0] == '[' {
				err = json.NewDecoder(br).Decode(&list)
			} else {
				list, err = users.ParseCSV(br)
			}
			if err != nil {
				badRequest(w, "bad file: "+err.Error())
				return
			}
		} else if err := json.NewDecoder(r.Body).Decode(&list); err != nil {
			badRequest(w, "expected JSON array or multipart file")
			return
		}

		ins, upd, err := us.Upsert(r.Context(), list)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"inserted": ins, "updated": upd})
	}
}

// GET /users?role=student
func ListUsersHandler(us *users.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := us.List(r.Context(), r.URL.Query().Get("role"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}
