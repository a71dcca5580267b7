package manifest

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/jameslbarnes/dshield/internal/keys"
	"github.com/jameslbarnes/dshield/internal/signer"
)

func hashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// VerificationResult is the outcome of verifying one SignedManifest,
// returned to HTTP callers as the manifest verification result.
type VerificationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// Verify runs three-level verification: signature validity, bundleHash
// recomputation, and key-fingerprint recomputation.
// When trustedFingerprints is non-empty, a manifest signed by a key whose
// fingerprint isn't listed is rejected even if otherwise valid. Like the
// Integrity Verifier, this never short-circuits: every problem found is
// reported.
func Verify(sm SignedManifest, trustedFingerprints []string) VerificationResult {
	var errs []string

	canon, err := CanonicalBytes(sm.Manifest)
	if err != nil {
		errs = append(errs, fmt.Sprintf("canonicalize manifest: %v", err))
	} else {
		sigBytes, decErr := base64.StdEncoding.DecodeString(sm.Signature)
		if decErr != nil {
			errs = append(errs, "invalid signature encoding")
		} else if !signer.VerifyWithPEM(sm.PublicKey, canon, sigBytes) {
			errs = append(errs, "invalid signature")
		}
	}

	if recomputed := computeBundleHash(sm.Manifest.Files); recomputed != sm.Manifest.BundleHash {
		errs = append(errs, fmt.Sprintf("bundleHash mismatch: recomputed %s, stored %s", recomputed, sm.Manifest.BundleHash))
	}

	if recomputed := keys.Fingerprint(sm.PublicKey); recomputed != sm.KeyFingerprint {
		errs = append(errs, fmt.Sprintf("keyFingerprint mismatch: recomputed %s, stored %s", recomputed, sm.KeyFingerprint))
	}

	if len(trustedFingerprints) > 0 && !containsString(trustedFingerprints, sm.KeyFingerprint) {
		errs = append(errs, fmt.Sprintf("signing key fingerprint %s is not in the trusted set", sm.KeyFingerprint))
	}

	return VerificationResult{Valid: len(errs) == 0, Errors: errs}
}

// VerifyFileContents implements the per-file portion of three-level
// verification: for every path present in contents, the provided bytes'
// SHA-256 must match the manifest's recorded hash. Files the caller does
// not supply content for are skipped.
func VerifyFileContents(m Manifest, contents map[string][]byte) []string {
	var errs []string
	byPath := make(map[string]FileEntry, len(m.Files))
	for _, f := range m.Files {
		byPath[f.Path] = f
	}
	for path, content := range contents {
		f, ok := byPath[path]
		if !ok {
			errs = append(errs, fmt.Sprintf("file %s: not present in manifest", path))
			continue
		}
		if hashHex(content) != f.Hash {
			errs = append(errs, fmt.Sprintf("file %s: content hash mismatch", path))
		}
	}
	return errs
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
