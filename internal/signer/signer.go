package signer

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// Signer defines the signing abstraction used across the egress-attestation
// pipeline. Implementations sign data with RSA-2048 / RSASSA-PKCS1-v1_5 /
// SHA-256, which is deterministic for a given (key, message) pair.
type Signer interface {
	// Sign signs data and returns the raw PKCS1v15 signature bytes.
	Sign(data []byte) (sig []byte, err error)

	// PublicKeyPEM returns the PKIX-encoded public key in PEM form.
	PublicKeyPEM() (string, error)

	// Verify checks sig against data using this signer's public key. It never
	// returns an error describing the failure reason; callers only learn
	// valid/invalid.
	Verify(data, sig []byte) bool
}

// LocalSigner holds an in-process RSA-2048 key pair. It is the only Signer
// implementation that can export its private key, and only when AllowExport
// was set at construction time, mirroring a controlled-backup workflow
// rather than routine key handling.
type LocalSigner struct {
	priv        *rsa.PrivateKey
	allowExport bool
}

// NewLocalSigner generates a fresh RSA-2048 key pair. allowExport gates
// ExportPrivateKeyPEM; it should be false everywhere except a dedicated
// backup tool.
func NewLocalSigner(allowExport bool) (*LocalSigner, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("local signer: generate key: %w", err)
	}
	return &LocalSigner{priv: priv, allowExport: allowExport}, nil
}

// NewLocalSignerFromPEM loads an existing RSA private key (PKCS1 or PKCS8 PEM)
// instead of generating a new one, for restart-stable deployments.
func NewLocalSignerFromPEM(pemBytes []byte, allowExport bool) (*LocalSigner, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("local signer: no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return &LocalSigner{priv: key, allowExport: allowExport}, nil
	}
	keyAny, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("local signer: parse private key: %w", err)
	}
	key, ok := keyAny.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("local signer: PEM does not contain an RSA key")
	}
	return &LocalSigner{priv: key, allowExport: allowExport}, nil
}

// Sign implements Signer.
func (l *LocalSigner) Sign(data []byte) ([]byte, error) {
	hashed := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, l.priv, crypto.SHA256, hashed[:])
	if err != nil {
		return nil, fmt.Errorf("local signer: sign: %w", err)
	}
	return sig, nil
}

// PublicKeyPEM implements Signer.
func (l *LocalSigner) PublicKeyPEM() (string, error) {
	return publicKeyToPEM(&l.priv.PublicKey)
}

// Verify implements Signer.
func (l *LocalSigner) Verify(data, sig []byte) bool {
	hashed := sha256.Sum256(data)
	return rsa.VerifyPKCS1v15(&l.priv.PublicKey, crypto.SHA256, hashed[:], sig) == nil
}

// ExportPrivateKeyPEM returns the PKCS1 PEM encoding of the private key. It
// is a restricted operation: callers must have constructed this signer with
// AllowExport=true, or this returns an error.
func (l *LocalSigner) ExportPrivateKeyPEM() (string, error) {
	if !l.allowExport {
		return "", errors.New("local signer: private key export is disabled (AllowExport=false)")
	}
	der := x509.MarshalPKCS1PrivateKey(l.priv)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

func publicKeyToPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// VerifyWithPEM verifies sig over data against a PEM-encoded RSA public key,
// used by the Integrity Verifier, which does not hold a live Signer instance.
// Any parse error, length mismatch, or key mismatch yields false; it never
// returns an error or reveals why verification failed.
func VerifyWithPEM(pubPEM string, data, sig []byte) bool {
	block, _ := pem.Decode([]byte(pubPEM))
	if block == nil {
		return false
	}
	keyAny, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return false
	}
	pub, ok := keyAny.(*rsa.PublicKey)
	if !ok {
		return false
	}
	hashed := sha256.Sum256(data)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, hashed[:], sig) == nil
}
