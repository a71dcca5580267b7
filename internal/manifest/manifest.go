// Package manifest implements the Bundle Manifest Core: a client manifest's
// file-hash aggregation, canonical signing, three-level verification, and
// an in-memory registry with by-id/by-hash/by-name-latest/chain indices.
// Grounded on internal/keys.Registry (RWMutex-guarded in-memory map plus an
// HTTP status handler), generalized from signer public keys to signed
// manifests.
package manifest

import (
	"encoding/json"
	"time"
)

// FileEntry is one file recorded in a manifest.
type FileEntry struct {
	Path     string `json:"path"`
	Hash     string `json:"hash"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType,omitempty"`
}

// BuildMetadata captures how a bundle was produced.
type BuildMetadata struct {
	Timestamp time.Time `json:"timestamp"`
	VCSRef    string    `json:"vcsRef,omitempty"`
	CI        string    `json:"ci,omitempty"`
}

// SDKVerification records the transparent client SDK detected in a bundle,
// if any.
type SDKVerification struct {
	SDKID      string `json:"sdkId"`
	SDKVersion string `json:"sdkVersion"`
	SDKHash    string `json:"sdkHash"`
	SDKPath    string `json:"sdkPath"`
}

// Manifest is the Client Manifest: the declared contents and build
// provenance of a client-side bundle.
type Manifest struct {
	ManifestID      string           `json:"manifestId"`
	Name            string           `json:"name"`
	ClientType      string           `json:"clientType"`
	Version         string           `json:"version"`
	Files           []FileEntry      `json:"files"`
	BundleHash      string           `json:"bundleHash"`
	Build           BuildMetadata    `json:"build"`
	Source          string           `json:"source,omitempty"`
	AllowedEgress   []string         `json:"allowedEgress,omitempty"`
	SDKVerification *SDKVerification `json:"sdkVerification,omitempty"`
	// APISurface is an optional free-form description of the client's
	// declared network surface; display-only, no operation inspects its
	// shape.
	APISurface json.RawMessage `json:"apiSurface,omitempty"`
}

// SignedManifest wraps a Manifest with its signature and the signer's
// identity.
type SignedManifest struct {
	Manifest       Manifest  `json:"manifest"`
	Signature      string    `json:"signature"`
	PublicKey      string    `json:"publicKey"`
	KeyFingerprint string    `json:"keyFingerprint"`
	SignedAt       time.Time `json:"signedAt"`
}
