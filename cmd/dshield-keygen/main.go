// Command dshield-keygen generates an RSA-2048 signing key pair outside the
// running daemon and writes a backup bundle to disk: the PEM-encoded
// private key (for cold storage / disaster recovery), the PEM-encoded
// public key, and its SHA-256 fingerprint, matching the values
// cmd/dshieldd registers in the key registry at startup.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jameslbarnes/dshield/internal/keys"
	"github.com/jameslbarnes/dshield/internal/signer"
)

func must(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}

func main() {
	outDir := flag.String("out", "./keys", "output directory for the generated key bundle")
	signerID := flag.String("signer-id", "local-signer-1", "signer identifier recorded in the bundle metadata")
	flag.Parse()

	must(os.MkdirAll(*outDir, 0o755))

	ls, err := signer.NewLocalSigner(true)
	must(err)

	privPEM, err := ls.ExportPrivateKeyPEM()
	must(err)
	pubPEM, err := ls.PublicKeyPEM()
	must(err)
	fingerprint := keys.Fingerprint(pubPEM)

	privPath := filepath.Join(*outDir, "signer.key.pem")
	pubPath := filepath.Join(*outDir, "signer.pub.pem")
	metaPath := filepath.Join(*outDir, "signer.meta.json")

	must(os.WriteFile(privPath, []byte(privPEM), 0o600))
	must(os.WriteFile(pubPath, []byte(pubPEM), 0o644))

	meta := map[string]string{
		"signerId":    *signerID,
		"algorithm":   "RSA-2048/RSASSA-PKCS1-v1_5/SHA-256",
		"fingerprint": fingerprint,
		"publicKey":   pubPath,
		"privateKey":  privPath,
	}
	metaB, err := json.MarshalIndent(meta, "", "  ")
	must(err)
	must(os.WriteFile(metaPath, metaB, 0o644))

	fmt.Printf("wrote private key -> %s\n", privPath)
	fmt.Printf("wrote public key -> %s\n", pubPath)
	fmt.Printf("wrote metadata -> %s (signerId=%s fingerprint=%s)\n", metaPath, *signerID, fingerprint)
}
