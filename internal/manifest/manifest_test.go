package manifest_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jameslbarnes/dshield/internal/manifest"
	"github.com/jameslbarnes/dshield/internal/signer"
)

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	full := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestGenerateSortsFilesAndComputesBundleHash(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.js", "console.log('b')")
	writeFile(t, dir, "a.js", "console.log('a')")

	m, err := manifest.Generate(manifest.GenerateOptions{
		Dir:        dir,
		Name:       "my-client",
		ClientType: "browser",
		Version:    "1.0.0",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(m.Files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(m.Files))
	}
	if m.Files[0].Path != "a.js" || m.Files[1].Path != "b.js" {
		t.Fatalf("expected files sorted lexicographically, got %v", m.Files)
	}
	if m.BundleHash == "" {
		t.Fatalf("expected a non-empty bundleHash")
	}
	if m.ManifestID == "" {
		t.Fatalf("expected a generated manifestId")
	}
}

func TestGenerateDetectsSDKMarker(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "sdk.js", "// dshield-transparent-sdk v1\nfunction fetch(){}")

	m, err := manifest.Generate(manifest.GenerateOptions{Dir: dir, Name: "c", ClientType: "browser", Version: "1"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if m.SDKVerification == nil {
		t.Fatalf("expected SDK marker to be detected")
	}
	if m.SDKVerification.SDKPath != "sdk.js" {
		t.Fatalf("expected sdk path sdk.js, got %s", m.SDKVerification.SDKPath)
	}
}

func TestGenerateRespectsExclude(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "keep.js", "x")
	writeFile(t, dir, "skip.map", "y")

	m, err := manifest.Generate(manifest.GenerateOptions{
		Dir:     dir,
		Exclude: []string{"*.map"},
		Name:    "c", ClientType: "browser", Version: "1",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(m.Files) != 1 || m.Files[0].Path != "keep.js" {
		t.Fatalf("expected only keep.js, got %v", m.Files)
	}
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.js", "a")

	m, err := manifest.Generate(manifest.GenerateOptions{Dir: dir, Name: "c", ClientType: "browser", Version: "1"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	s, err := signer.NewLocalSigner(false)
	if err != nil {
		t.Fatalf("NewLocalSigner: %v", err)
	}
	sm, err := manifest.Sign(m, s)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	result := manifest.Verify(sm, nil)
	if !result.Valid {
		t.Fatalf("expected valid manifest, got errors: %v", result.Errors)
	}
}

func TestVerifyDetectsTamperedBundleHash(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.js", "a")
	m, _ := manifest.Generate(manifest.GenerateOptions{Dir: dir, Name: "c", ClientType: "browser", Version: "1"})
	s, _ := signer.NewLocalSigner(false)
	sm, _ := manifest.Sign(m, s)

	sm.Manifest.BundleHash = "tampered"

	result := manifest.Verify(sm, nil)
	if result.Valid {
		t.Fatalf("expected tampered bundleHash to invalidate the manifest")
	}
}

func TestVerifyRejectsUntrustedFingerprint(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.js", "a")
	m, _ := manifest.Generate(manifest.GenerateOptions{Dir: dir, Name: "c", ClientType: "browser", Version: "1"})
	s, _ := signer.NewLocalSigner(false)
	sm, _ := manifest.Sign(m, s)

	result := manifest.Verify(sm, []string{"some-other-fingerprint"})
	if result.Valid {
		t.Fatalf("expected verification to fail for an untrusted fingerprint")
	}
}

func TestVerifyFileContentsCatchesMismatch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.js", "original")
	m, _ := manifest.Generate(manifest.GenerateOptions{Dir: dir, Name: "c", ClientType: "browser", Version: "1"})

	errs := manifest.VerifyFileContents(m, map[string][]byte{"a.js": []byte("tampered")})
	if len(errs) == 0 {
		t.Fatalf("expected a content hash mismatch error")
	}
}

func TestRegistryChainTracksUpgrades(t *testing.T) {
	reg := manifest.NewRegistry()
	s, _ := signer.NewLocalSigner(false)

	dir := t.TempDir()
	writeFile(t, dir, "a.js", "v1")
	m1, _ := manifest.Generate(manifest.GenerateOptions{Dir: dir, Name: "client-x", ClientType: "browser", Version: "1"})
	sm1, _ := manifest.Sign(m1, s)
	reg.Register(sm1, true)

	writeFile(t, dir, "a.js", "v2")
	m2, _ := manifest.Generate(manifest.GenerateOptions{Dir: dir, Name: "client-x", ClientType: "browser", Version: "2"})
	sm2, _ := manifest.Sign(m2, s)
	reg.Register(sm2, true)

	latest, ok := reg.GetLatestByName("client-x")
	if !ok || latest.Manifest.ManifestID != sm2.Manifest.ManifestID {
		t.Fatalf("expected latest to be the second registration")
	}

	chain := reg.Chain(sm2.Manifest.ManifestID)
	if len(chain) != 2 {
		t.Fatalf("expected a 2-entry chain, got %d", len(chain))
	}
	if chain[0].Manifest.ManifestID != sm2.Manifest.ManifestID || chain[1].Manifest.ManifestID != sm1.Manifest.ManifestID {
		t.Fatalf("expected chain newest-first")
	}
}

func TestRegistryCheckHash(t *testing.T) {
	reg := manifest.NewRegistry()
	s, _ := signer.NewLocalSigner(false)
	dir := t.TempDir()
	writeFile(t, dir, "a.js", "v1")
	m, _ := manifest.Generate(manifest.GenerateOptions{Dir: dir, Name: "c", ClientType: "browser", Version: "1"})
	sm, _ := manifest.Sign(m, s)
	reg.Register(sm, true)

	res := reg.CheckHash(sm.Manifest.BundleHash, nil)
	if !res.Registered || !res.Trusted {
		t.Fatalf("expected registered+trusted with no fingerprint filter, got %+v", res)
	}

	untrusted := reg.CheckHash(sm.Manifest.BundleHash, []string{"nope"})
	if !untrusted.Registered || untrusted.Trusted {
		t.Fatalf("expected registered but untrusted, got %+v", untrusted)
	}

	missing := reg.CheckHash("does-not-exist", nil)
	if missing.Registered {
		t.Fatalf("expected unregistered hash to report Registered=false")
	}
}

func TestRegistryByBundleHashAndDelete(t *testing.T) {
	reg := manifest.NewRegistry()
	s, _ := signer.NewLocalSigner(false)
	dir := t.TempDir()
	writeFile(t, dir, "a.js", "v1")
	m, _ := manifest.Generate(manifest.GenerateOptions{Dir: dir, Name: "c", ClientType: "browser", Version: "1"})
	sm, _ := manifest.Sign(m, s)
	reg.Register(sm, true)

	got, ok := reg.GetByBundleHash(sm.Manifest.BundleHash)
	if !ok || got.Manifest.ManifestID != sm.Manifest.ManifestID {
		t.Fatalf("expected lookup by bundle hash to succeed")
	}

	if !reg.Delete(sm.Manifest.ManifestID) {
		t.Fatalf("expected Delete to report success")
	}
	if _, ok := reg.Get(sm.Manifest.ManifestID); ok {
		t.Fatalf("expected manifest to be gone after Delete")
	}
	if _, ok := reg.GetByBundleHash(sm.Manifest.BundleHash); ok {
		t.Fatalf("expected bundle-hash index to be cleared after Delete")
	}
}
