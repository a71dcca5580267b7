// Package handlers wires the control-plane HTTP routes: health/readiness,
// the signer key-exposure endpoint, the Manifest Registry's nine routes,
// and log retrieval/verification. Routes are registered against an opaque
// app-context value via reflection, so cmd/dshieldd's bootstrap struct
// doesn't need to be imported here.
package handlers

import (
	"net/http"
	"reflect"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jameslbarnes/dshield/internal/config"
	"github.com/jameslbarnes/dshield/internal/keys"
	"github.com/jameslbarnes/dshield/internal/logstore"
	"github.com/jameslbarnes/dshield/internal/manifest"
	"github.com/jameslbarnes/dshield/internal/signer"
)

// deps is the set of dependencies RegisterRoutes extracts from the caller's
// AppContext value.
type deps struct {
	cfg       *config.Config
	store     logstore.Store
	sgn       signer.Signer
	keyReg    *keys.Registry
	manifests *manifest.Registry
}

// RegisterRoutes wires every control-plane route onto r.
//
// It accepts the AppContext instance from cmd/dshieldd/main.go as an empty
// interface and extracts the fields it needs via reflection: Config,
// Store, Signer, KeyRegistry, ManifestRegistry.
func RegisterRoutes(app interface{}, r chi.Router) {
	d, ok := extractDependencies(app)
	if !ok {
		panic("handlers.RegisterRoutes: expected AppContext with fields {Config *config.Config, Store logstore.Store, Signer signer.Signer, KeyRegistry *keys.Registry, ManifestRegistry *manifest.Registry}")
	}

	r.Get("/health", handleHealth)
	r.Get("/ready", handleReady(d))

	r.Get("/kernel/security/status", d.keyReg.StatusHandler().ServeHTTP)

	r.Get("/api/logs/{functionId}", handleLogsGet(d))
	r.Get("/api/logs/{functionId}/verify", handleLogsVerify(d))

	r.Post("/api/manifests", handleManifestRegister(d))
	r.Get("/api/manifests", handleManifestList(d))
	r.Get("/api/manifests/{id}", handleManifestGet(d))
	r.Delete("/api/manifests/{id}", handleManifestDelete(d))
	r.Post("/api/manifests/verify", handleManifestVerify(d))
	r.Get("/api/manifests/by-hash/{bundleHash}", handleManifestByHash(d))
	r.Get("/api/manifests/latest/{name}", handleManifestLatest(d))
	r.Get("/api/manifests/chain/{id}", handleManifestChain(d))
	r.Post("/api/manifests/check-hash", handleManifestCheckHash(d))
}

// extractDependencies pulls the fields handlers needs from app via
// reflection. Returns ok=false if any required field is missing or of the
// wrong type.
func extractDependencies(app interface{}) (deps, bool) {
	v := reflect.ValueOf(app)
	if !v.IsValid() {
		return deps{}, false
	}
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return deps{}, false
		}
		v = v.Elem()
	}

	var d deps

	fCfg := v.FieldByName("Config")
	if !fCfg.IsValid() || fCfg.IsNil() {
		return deps{}, false
	}
	cfg, ok := fCfg.Interface().(*config.Config)
	if !ok {
		return deps{}, false
	}
	d.cfg = cfg

	fStore := v.FieldByName("Store")
	if !fStore.IsValid() || fStore.IsNil() {
		return deps{}, false
	}
	store, ok := fStore.Interface().(logstore.Store)
	if !ok {
		return deps{}, false
	}
	d.store = store

	fSigner := v.FieldByName("Signer")
	if !fSigner.IsValid() || fSigner.IsNil() {
		return deps{}, false
	}
	sgn, ok := fSigner.Interface().(signer.Signer)
	if !ok {
		return deps{}, false
	}
	d.sgn = sgn

	fKeys := v.FieldByName("KeyRegistry")
	if !fKeys.IsValid() || fKeys.IsNil() {
		return deps{}, false
	}
	keyReg, ok := fKeys.Interface().(*keys.Registry)
	if !ok {
		return deps{}, false
	}
	d.keyReg = keyReg

	fManifests := v.FieldByName("ManifestRegistry")
	if !fManifests.IsValid() || fManifests.IsNil() {
		return deps{}, false
	}
	manifests, ok := fManifests.Interface().(*manifest.Registry)
	if !ok {
		return deps{}, false
	}
	d.manifests = manifests

	return d, true
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "ts": time.Now().UTC()})
}

func handleReady(d deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := d.store.GetLatestSequence(r.Context(), "__readiness_probe__"); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "log store not ready"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ready"})
	}
}
