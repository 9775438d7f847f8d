package registry

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/DevilsDev/ragpipe/internal/plugin"
)

// Sentinel errors - Verification
var (
	ErrUnknownSigner  = errors.New("registry: unknown signer")
	ErrBadSignature   = errors.New("registry: signature does not verify")
	ErrMalformedKey   = errors.New("registry: malformed trusted key")
	ErrEmptySignature = errors.New("registry: empty signature")
)

// Ed25519Verifier is the reference Verifier implementation. It checks
// manifest signatures against a trusted-keys file mapping signer ids to
// base64-encoded Ed25519 public keys. HSM- or keyserver-backed verifiers
// implement plugin.Verifier and slot in unchanged.
type Ed25519Verifier struct {
	keys map[string]ed25519.PublicKey
}

// NewEd25519Verifier builds a verifier from an explicit key set.
func NewEd25519Verifier(keys map[string]ed25519.PublicKey) *Ed25519Verifier {
	return &Ed25519Verifier{keys: keys}
}

// LoadTrustedKeys reads a JSON trusted-keys file: {"signer-id": "base64 pubkey"}.
func LoadTrustedKeys(path string) (*Ed25519Verifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trusted keys: %w", err)
	}

	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse trusted keys: %w", err)
	}

	keys := make(map[string]ed25519.PublicKey, len(raw))
	for signer, encoded := range raw {
		pk, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: signer %q: %v", ErrMalformedKey, signer, err)
		}
		if len(pk) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("%w: signer %q: got %d bytes, want %d", ErrMalformedKey, signer, len(pk), ed25519.PublicKeySize)
		}
		keys[signer] = ed25519.PublicKey(pk)
	}
	return &Ed25519Verifier{keys: keys}, nil
}

// VerifyPluginSignature implements plugin.Verifier.
func (v *Ed25519Verifier) VerifyPluginSignature(ctx context.Context, manifest *plugin.Manifest, signature []byte, signerID string) plugin.Verification {
	if len(signature) == 0 {
		return plugin.Verification{Err: ErrEmptySignature}
	}
	pk, ok := v.keys[signerID]
	if !ok {
		return plugin.Verification{Err: fmt.Errorf("%w: %q", ErrUnknownSigner, signerID)}
	}
	if !ed25519.Verify(pk, manifest.SignedPayload(), signature) {
		return plugin.Verification{Err: ErrBadSignature}
	}
	return plugin.Verification{Verified: true}
}
