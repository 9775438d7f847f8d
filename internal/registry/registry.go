// Package registry provides the process-wide namespace of interchangeable
// stage implementations. Every registration is validated against the
// category contract and, when configured, its manifest signature; lookups
// never fail for reasons that were detectable at registration time.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/DevilsDev/ragpipe/internal/config"
	"github.com/DevilsDev/ragpipe/internal/eventbus"
	"github.com/DevilsDev/ragpipe/internal/logging"
	"github.com/DevilsDev/ragpipe/internal/metrics"
	"github.com/DevilsDev/ragpipe/internal/plugin"
)

// Entry is an immutable registration record.
type Entry struct {
	Category plugin.Category
	Name     string
	Impl     any
	Metadata plugin.Metadata
	Manifest *plugin.Manifest
	Verified bool
}

type entryKey struct {
	category plugin.Category
	name     string
}

// Registry holds registered plugins keyed by (category, name).
// Registration is append-only; Clear is the only mutator and must not run
// concurrently with Register.
type Registry struct {
	mu        sync.RWMutex
	cfg       config.RegistryConfig
	prod      bool
	contracts map[plugin.Category]*Contract
	entries   map[entryKey]*Entry
	verifier  plugin.Verifier
	bus       *eventbus.Bus

	warnMu sync.Mutex
	warned map[string]bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithVerifier injects the signature verifier collaborator.
func WithVerifier(v plugin.Verifier) Option {
	return func(r *Registry) { r.verifier = v }
}

// WithBus attaches the event bus used for audit emission.
func WithBus(b *eventbus.Bus) Option {
	return func(r *Registry) { r.bus = b }
}

// WithContracts replaces the contract set (normally loaded via LoadContracts).
func WithContracts(contracts map[plugin.Category]*Contract) Option {
	return func(r *Registry) { r.contracts = contracts }
}

// New creates a registry. cfg supplies the verification posture; production
// suppresses one-shot warnings. Contract-schema failure handling is decided
// by LoadContracts.
func New(cfg config.RegistryConfig, production bool, opts ...Option) *Registry {
	r := &Registry{
		cfg:       cfg,
		prod:      production,
		contracts: DefaultContracts(),
		entries:   make(map[entryKey]*Entry),
		warned:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	if cfg.VerifySignatures && r.verifier == nil && cfg.TrustedKeysPath != "" {
		if v, err := LoadTrustedKeys(cfg.TrustedKeysPath); err == nil {
			r.verifier = v
		} else {
			logging.Op().Warn("failed to load trusted keys, signature verification will fail", "path", cfg.TrustedKeysPath, "error", err)
		}
	}
	return r
}

// FromConfig builds a registry wired per the full toolkit config, loading the
// contract document when one is configured.
func FromConfig(cfg *config.Config, bus *eventbus.Bus) (*Registry, error) {
	contracts, err := LoadContracts(cfg.Registry.ContractsPath, cfg.Registry.ValidateContractSchema, cfg.IsProduction())
	if err != nil {
		return nil, err
	}
	return New(cfg.Registry, cfg.IsProduction(), WithBus(bus), WithContracts(contracts)), nil
}

// Register validates and stores a plugin implementation under
// (category, name). All validation failures surface here, never at Get.
func (r *Registry) Register(ctx context.Context, category plugin.Category, name string, impl any, manifest *plugin.Manifest) (err error) {
	defer func() { metrics.RecordPluginRegistration(string(category), err == nil) }()

	if !category.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	if name == "" {
		return fmt.Errorf("%w: plugin name is empty", ErrInvalidArgument)
	}
	if impl == nil {
		return fmt.Errorf("%w: implementation is nil", ErrInvalidArgument)
	}

	contract := r.contracts[category]
	if contract == nil {
		r.warnOnce("missing_contract", string(category),
			"no contract loaded for category %q; registering %q with interface validation only", category, name)
	}

	if err := validateImpl(category, name, impl, contract); err != nil {
		return err
	}

	verified := false
	if manifest != nil && r.cfg.VerifySignatures {
		res := r.verify(ctx, manifest)
		verified = res.Verified
		if !res.Verified {
			sigErr := &SignatureError{PluginName: name, SignerID: manifest.SignerID, Err: res.Err}
			if r.cfg.FailClosed {
				return sigErr
			}
			logging.Op().Warn("plugin signature verification failed, registering anyway (fail-open)",
				"plugin", name, "signer", manifest.SignerID, "error", res.Err)
		}
	}

	key := entryKey{category, name}
	entry := &Entry{
		Category: category,
		Name:     name,
		Impl:     impl,
		Metadata: impl.(plugin.Plugin).Metadata(),
		Manifest: manifest,
		Verified: verified,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[key]; exists {
		return fmt.Errorf("%w: %s/%s", ErrAlreadyRegistered, category, name)
	}
	r.entries[key] = entry
	return nil
}

func (r *Registry) verify(ctx context.Context, manifest *plugin.Manifest) plugin.Verification {
	var res plugin.Verification
	if r.verifier == nil {
		res = plugin.Verification{Err: fmt.Errorf("no signature verifier configured")}
	} else {
		res = r.verifier.VerifyPluginSignature(ctx, manifest, manifest.Signature, manifest.SignerID)
	}

	rec := AuditRecord{
		Action:     "verify_signature",
		PluginName: manifest.Name,
		SignerID:   manifest.SignerID,
		Version:    manifest.Version,
		Verified:   res.Verified,
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	r.emitAudit(rec)
	return res
}

// Get returns the registered implementation for (category, name).
func (r *Registry) Get(category plugin.Category, name string) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[entryKey{category, name}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, category, name)
	}
	return entry.Impl, nil
}

// Entry returns the full registration record for (category, name).
func (r *Registry) Entry(category plugin.Category, name string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[entryKey{category, name}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, category, name)
	}
	return entry, nil
}

// List returns the names registered under a category, sorted for stable CLI
// output (callers must not rely on any particular order).
func (r *Registry) List(category plugin.Category) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for key := range r.entries {
		if key.category == category {
			names = append(names, key.name)
		}
	}
	sort.Strings(names)
	return names
}

// Clear removes every registration.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.entries = make(map[entryKey]*Entry)
	r.mu.Unlock()
}

// warnOnce logs a human-readable warning at most once per (type, context)
// pair. Warnings are suppressed in production and by configuration.
func (r *Registry) warnOnce(warnType, context, format string, args ...any) {
	if r.prod || r.cfg.DisableContractWarnings {
		return
	}
	key := warnType + ":" + context
	r.warnMu.Lock()
	defer r.warnMu.Unlock()
	if r.warned[key] {
		return
	}
	r.warned[key] = true
	logging.Op().Warn(fmt.Sprintf(format, args...), "warn_type", warnType)
}

// defaultRegistry is the optional process-default instance. The core never
// uses it internally; it exists for embedders that want require-and-go
// convenience.
var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// Default returns the lazily constructed process-default registry.
func Default() *Registry {
	defaultRegistryOnce.Do(func() {
		cfg := config.DefaultConfig()
		defaultRegistry = New(cfg.Registry, cfg.IsProduction())
	})
	return defaultRegistry
}
