package manifest

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/jameslbarnes/dshield/internal/canonical"
	"github.com/jameslbarnes/dshield/internal/keys"
	"github.com/jameslbarnes/dshield/internal/signer"
)

// CanonicalBytes returns the sorted-key, 2-space-indented JSON encoding of m
// that the Signer signs over — distinct from internal/logentry's fixed-order
// scheme used for log entries.
func CanonicalBytes(m Manifest) ([]byte, error) {
	return canonical.MarshalCanonicalIndent(m)
}

// Sign produces a SignedManifest for m using s.
func Sign(m Manifest, s signer.Signer) (SignedManifest, error) {
	canon, err := CanonicalBytes(m)
	if err != nil {
		return SignedManifest{}, fmt.Errorf("manifest: canonicalize: %w", err)
	}
	sig, err := s.Sign(canon)
	if err != nil {
		return SignedManifest{}, fmt.Errorf("manifest: sign: %w", err)
	}
	pub, err := s.PublicKeyPEM()
	if err != nil {
		return SignedManifest{}, fmt.Errorf("manifest: public key: %w", err)
	}
	return SignedManifest{
		Manifest:       m,
		Signature:      base64.StdEncoding.EncodeToString(sig),
		PublicKey:      pub,
		KeyFingerprint: keys.Fingerprint(pub),
		SignedAt:       time.Now().UTC(),
	}, nil
}
