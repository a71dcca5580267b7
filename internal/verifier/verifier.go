// Package verifier implements the Integrity Verifier: given an unordered
// collection of signed log entries and a public key, it checks sequence
// contiguity and per-entry signatures. Unlike the hash-chain verification
// the kernel runs over its audit_events table, this verifier does not chain
// entries by a prevHash — only sequence contiguity and signatures matter —
// and it must never short-circuit: every problem it finds is reported.
package verifier

import (
	"encoding/base64"
	"fmt"
	"sort"

	"github.com/jameslbarnes/dshield/internal/logentry"
	"github.com/jameslbarnes/dshield/internal/signer"
)

// Result is the outcome of verifying one collection of entries.
type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// Verify checks a sequence of signed log entries, all assumed to belong
// to the same functionId, using publicKeyPEM to check signatures.
// It never returns early: every sequence-contiguity problem and every
// invalid signature is appended to Result.Errors.
func Verify(entries []logentry.Signed, publicKeyPEM string) Result {
	if len(entries) == 0 {
		return Result{Valid: true}
	}

	sorted := make([]logentry.Signed, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })

	var errs []string

	if sorted[0].Sequence != 1 {
		errs = append(errs, fmt.Sprintf("sequence gap: expected first sequence to be 1, got %d", sorted[0].Sequence))
	}
	for i, e := range sorted {
		want := int64(i + 1)
		if e.Sequence != want {
			errs = append(errs, fmt.Sprintf("sequence gap: expected sequence %d at position %d, got %d", want, i, e.Sequence))
		}
	}

	for _, e := range sorted {
		canon, err := logentry.CanonicalBytes(e.Entry)
		if err != nil {
			errs = append(errs, fmt.Sprintf("sequence %d: canonicalize entry: %v", e.Sequence, err))
			continue
		}
		sigBytes, err := decodeSignature(e.Signature)
		if err != nil {
			errs = append(errs, fmt.Sprintf("Invalid signature for sequence %d", e.Sequence))
			continue
		}
		if !signer.VerifyWithPEM(publicKeyPEM, canon, sigBytes) {
			errs = append(errs, fmt.Sprintf("Invalid signature for sequence %d", e.Sequence))
		}
	}

	return Result{Valid: len(errs) == 0, Errors: errs}
}

func decodeSignature(sigB64 string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(sigB64)
}
