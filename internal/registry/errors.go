package registry

import (
	"errors"
	"fmt"

	"github.com/DevilsDev/ragpipe/internal/plugin"
)

// Sentinel errors - Registration
var (
	ErrUnknownCategory   = errors.New("registry: unknown plugin category")
	ErrInvalidArgument   = errors.New("registry: invalid argument")
	ErrAlreadyRegistered = errors.New("registry: plugin already registered")
	ErrNotFound          = errors.New("registry: plugin not found")
)

// Sentinel errors - Contracts
var (
	ErrContractSchema = errors.New("registry: contract document failed schema validation")
)

// ContractViolationError reports an implementation that does not satisfy its
// category contract. Missing lists every unsatisfied method or property;
// the message names the first one so callers see a precise violation.
type ContractViolationError struct {
	Category plugin.Category
	Name     string
	Missing  []string
	Reason   string
}

// Error implements the error interface.
func (e *ContractViolationError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("registry: plugin %s/%s violates contract: missing %q", e.Category, e.Name, e.Missing[0])
	}
	return fmt.Sprintf("registry: plugin %s/%s violates contract: %s", e.Category, e.Name, e.Reason)
}

// SignatureError reports a failed manifest signature verification.
type SignatureError struct {
	PluginName string
	SignerID   string
	Err        error
}

// Error implements the error interface.
func (e *SignatureError) Error() string {
	return fmt.Sprintf("registry: signature verification failed for plugin %q (signer %q): %v", e.PluginName, e.SignerID, e.Err)
}

// Unwrap exposes the underlying verification error.
func (e *SignatureError) Unwrap() error { return e.Err }
