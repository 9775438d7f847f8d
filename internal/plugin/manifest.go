package plugin

import "context"

// Manifest bundles plugin identity with a detached signature. The signed
// payload is the canonical string "name\nversion\nsignerID"; signers that
// need richer payloads supply their own Verifier.
type Manifest struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	SignerID  string `json:"signer_id"`
	Signature []byte `json:"signature"`
}

// SignedPayload returns the byte string covered by Manifest.Signature.
func (m *Manifest) SignedPayload() []byte {
	return []byte(m.Name + "\n" + m.Version + "\n" + m.SignerID)
}

// Verification is the outcome of a signature check.
type Verification struct {
	Verified bool
	Err      error
}

// Verifier checks a plugin manifest signature. Implementations may reach
// out to an HSM or keyserver, so the call takes a context.
type Verifier interface {
	VerifyPluginSignature(ctx context.Context, manifest *Manifest, signature []byte, signerID string) Verification
}
