package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jameslbarnes/dshield/internal/auth"
	"github.com/jameslbarnes/dshield/internal/verifier"
)

// GET /api/logs/{functionId}
// Production: only SuperAdmin or Auditor allowed to read a function's log.
func handleLogsGet(d deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if code, msg := requireRole(r, auth.RoleSuperAdmin, auth.RoleAuditor); code != 0 {
			writeError(w, code, msg)
			return
		}
		functionID := chi.URLParam(r, "functionId")
		if functionID == "" {
			writeError(w, http.StatusBadRequest, "functionId required")
			return
		}
		entries, err := d.store.GetAll(r.Context(), functionID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "get log entries: "+err.Error())
			return
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

// GET /api/logs/{functionId}/verify
// Production: only SuperAdmin or Auditor allowed.
func handleLogsVerify(d deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if code, msg := requireRole(r, auth.RoleSuperAdmin, auth.RoleAuditor); code != 0 {
			writeError(w, code, msg)
			return
		}
		functionID := chi.URLParam(r, "functionId")
		if functionID == "" {
			writeError(w, http.StatusBadRequest, "functionId required")
			return
		}
		entries, err := d.store.GetAll(r.Context(), functionID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "get log entries: "+err.Error())
			return
		}
		pub, err := d.sgn.PublicKeyPEM()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "fetch public key: "+err.Error())
			return
		}
		writeJSON(w, http.StatusOK, verifier.Verify(entries, pub))
	}
}
