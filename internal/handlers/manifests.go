package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jameslbarnes/dshield/internal/auth"
	"github.com/jameslbarnes/dshield/internal/manifest"
)

// POST /api/manifests
// Body: {"signedManifest": SignedManifest, "setLatest": bool}
// Production: only SuperAdmin or Publisher may register a manifest.
func handleManifestRegister(d deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if code, msg := requireRole(r, auth.RoleSuperAdmin, auth.RolePublisher); code != 0 {
			writeError(w, code, msg)
			return
		}
		var req struct {
			SignedManifest manifest.SignedManifest `json:"signedManifest"`
			SetLatest      bool                     `json:"setLatest"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
			return
		}
		if req.SignedManifest.Manifest.ManifestID == "" {
			writeError(w, http.StatusBadRequest, "signedManifest.manifest.manifestId required")
			return
		}
		result := manifest.Verify(req.SignedManifest, nil)
		if !result.Valid {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid manifest", "details": result.Errors})
			return
		}
		d.manifests.Register(req.SignedManifest, req.SetLatest)
		writeJSON(w, http.StatusCreated, req.SignedManifest)
	}
}

// GET /api/manifests
// Production: any authenticated principal with a registered role may read.
func handleManifestList(d deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if code, msg := requireRole(r, auth.RoleSuperAdmin, auth.RoleAuditor, auth.RolePublisher, auth.RoleOperator); code != 0 {
			writeError(w, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, d.manifests.List())
	}
}

// GET /api/manifests/{id}
// Production: any authenticated principal with a registered role may read.
func handleManifestGet(d deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if code, msg := requireRole(r, auth.RoleSuperAdmin, auth.RoleAuditor, auth.RolePublisher, auth.RoleOperator); code != 0 {
			writeError(w, code, msg)
			return
		}
		id := chi.URLParam(r, "id")
		sm, ok := d.manifests.Get(id)
		if !ok {
			writeError(w, http.StatusNotFound, "manifest not found")
			return
		}
		writeJSON(w, http.StatusOK, sm)
	}
}

// DELETE /api/manifests/{id}
// Production: only SuperAdmin or Operator may delete a manifest.
func handleManifestDelete(d deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if code, msg := requireRole(r, auth.RoleSuperAdmin, auth.RoleOperator); code != 0 {
			writeError(w, code, msg)
			return
		}
		id := chi.URLParam(r, "id")
		if !d.manifests.Delete(id) {
			writeError(w, http.StatusNotFound, "manifest not found")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// POST /api/manifests/verify
// Body: {"signedManifest": SignedManifest, "trustedFingerprints": [...]?}
// Production: any authenticated principal with a registered role may verify.
func handleManifestVerify(d deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if code, msg := requireRole(r, auth.RoleSuperAdmin, auth.RoleAuditor, auth.RolePublisher, auth.RoleOperator); code != 0 {
			writeError(w, code, msg)
			return
		}
		var req struct {
			SignedManifest      manifest.SignedManifest `json:"signedManifest"`
			TrustedFingerprints []string                `json:"trustedFingerprints,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
			return
		}
		writeJSON(w, http.StatusOK, manifest.Verify(req.SignedManifest, req.TrustedFingerprints))
	}
}

// GET /api/manifests/by-hash/{bundleHash}
// Production: any authenticated principal with a registered role may read.
func handleManifestByHash(d deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if code, msg := requireRole(r, auth.RoleSuperAdmin, auth.RoleAuditor, auth.RolePublisher, auth.RoleOperator); code != 0 {
			writeError(w, code, msg)
			return
		}
		hash := chi.URLParam(r, "bundleHash")
		sm, ok := d.manifests.GetByBundleHash(hash)
		if !ok {
			writeError(w, http.StatusNotFound, "manifest not found")
			return
		}
		writeJSON(w, http.StatusOK, sm)
	}
}

// GET /api/manifests/latest/{name}
// Production: any authenticated principal with a registered role may read.
func handleManifestLatest(d deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if code, msg := requireRole(r, auth.RoleSuperAdmin, auth.RoleAuditor, auth.RolePublisher, auth.RoleOperator); code != 0 {
			writeError(w, code, msg)
			return
		}
		name := chi.URLParam(r, "name")
		sm, ok := d.manifests.GetLatestByName(name)
		if !ok {
			writeError(w, http.StatusNotFound, "no manifest registered for name")
			return
		}
		writeJSON(w, http.StatusOK, sm)
	}
}

// GET /api/manifests/chain/{id}
// Production: any authenticated principal with a registered role may read.
func handleManifestChain(d deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if code, msg := requireRole(r, auth.RoleSuperAdmin, auth.RoleAuditor, auth.RolePublisher, auth.RoleOperator); code != 0 {
			writeError(w, code, msg)
			return
		}
		id := chi.URLParam(r, "id")
		chain := d.manifests.Chain(id)
		if len(chain) == 0 {
			writeError(w, http.StatusNotFound, "manifest not found")
			return
		}
		writeJSON(w, http.StatusOK, chain)
	}
}

// POST /api/manifests/check-hash
// Body: {"bundleHash": "...", "trustedFingerprints": [...]?}
// Production: any authenticated principal with a registered role may check.
func handleManifestCheckHash(d deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if code, msg := requireRole(r, auth.RoleSuperAdmin, auth.RoleAuditor, auth.RolePublisher, auth.RoleOperator); code != 0 {
			writeError(w, code, msg)
			return
		}
		var req struct {
			BundleHash          string   `json:"bundleHash"`
			TrustedFingerprints []string `json:"trustedFingerprints,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
			return
		}
		if req.BundleHash == "" {
			writeError(w, http.StatusBadRequest, "bundleHash required")
			return
		}
		writeJSON(w, http.StatusOK, d.manifests.CheckHash(req.BundleHash, req.TrustedFingerprints))
	}
}
