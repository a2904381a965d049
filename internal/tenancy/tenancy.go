// Package tenancy resolves a tenant and its API key to a billing tier,
// a model pool, and a pricing table — the supplemental multi-tenant
// feature named in SPEC_FULL.md §5.1. The API-key hash/lookup shape
// follows internal/multitenancy.TenantManager's CreateAPIKey (ocx_<id>.<secret>,
// bcrypt over the secret only, the ID used for lookup); the pricing
// tiers follow internal/economics.PricingTier/GetTierLimits, adapted
// from SaaS subscription tiers to the credit-ledger's per-token
// tiers (OG/CONTRIBUTOR/COMMUNITY/PARTNER, matching ledger.Tier).
package tenancy

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/ocx/gateway/internal/costtracker"
	"github.com/ocx/gateway/internal/errs"
	"github.com/ocx/gateway/internal/ledger"
	"github.com/ocx/gateway/internal/orchestrator"
)

// Status is a tenant's account standing.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusTrial     Status = "TRIAL"
	StatusSuspended Status = "SUSPENDED"
)

// Tenant is the record resolved from an API key.
type Tenant struct {
	ID        string
	Status    Status
	Tier      ledger.Tier
	PoolID    string
	CreatedAt time.Time
}

// APIKey is the persisted half of an issued key: the ID is looked up
// directly, the secret is never stored, only its bcrypt hash.
type APIKey struct {
	ID         string
	TenantID   string
	SecretHash []byte
	Scopes     []string
	CreatedAt  time.Time
	RevokedAt  *time.Time
}

// tierPricing maps each ledger tier to its per-model pricing entry.
// Grounded on economics.GetTierLimits' per-tier table shape, re-keyed
// to the four ledger tiers and to micro-currency token rates instead
// of monthly SaaS prices.
var tierPricing = map[ledger.Tier]costtracker.PricingEntry{
	ledger.TierOG:          {InRateMicro: 2, OutRateMicro: 6, BytesPerToken: 4.0},
	ledger.TierContributor: {InRateMicro: 4, OutRateMicro: 12, BytesPerToken: 4.0},
	ledger.TierCommunity:   {InRateMicro: 8, OutRateMicro: 24, BytesPerToken: 4.0},
	ledger.TierPartner:     {InRateMicro: 1, OutRateMicro: 3, BytesPerToken: 4.0},
}

// tierPool maps each tier to its default model pool identifier.
var tierPool = map[ledger.Tier]string{
	ledger.TierOG:          "pool-flagship",
	ledger.TierContributor: "pool-standard",
	ledger.TierCommunity:   "pool-shared",
	ledger.TierPartner:     "pool-dedicated",
}

// Store is the narrow persistence contract tenancy needs. A production
// deployment backs this with whatever relational store the rest of the
// fleet uses; MemoryStore below is the in-process default for single-node
// and test deployments.
type Store interface {
	GetTenant(ctx context.Context, tenantID string) (*Tenant, error)
	PutTenant(ctx context.Context, t *Tenant) error
	GetAPIKeyByID(ctx context.Context, keyID string) (*APIKey, error)
	PutAPIKey(ctx context.Context, k *APIKey) error
}

// MemoryStore is a mutex-guarded in-memory Store.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant
	keys    map[string]*APIKey
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tenants: make(map[string]*Tenant), keys: make(map[string]*APIKey)}
}

func (s *MemoryStore) GetTenant(_ context.Context, tenantID string) (*Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) PutTenant(_ context.Context, t *Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tenants[t.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAPIKeyByID(_ context.Context, keyID string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[keyID]
	if !ok {
		return nil, nil
	}
	cp := *k
	return &cp, nil
}

func (s *MemoryStore) PutAPIKey(_ context.Context, k *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *k
	s.keys[k.ID] = &cp
	return nil
}

// Resolver resolves tenants and issues/verifies API keys.
type Resolver struct {
	store Store
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// IssueAPIKey creates a new key of the form ocx_<id>.<secret>, storing
// only the bcrypt hash of the secret half.
func (r *Resolver) IssueAPIKey(ctx context.Context, tenantID string, scopes []string) (fullKey string, err error) {
	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return "", fmt.Errorf("generate key id: %w", err)
	}
	keyID := hex.EncodeToString(idBytes)

	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", fmt.Errorf("generate key secret: %w", err)
	}
	secret := hex.EncodeToString(secretBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash key secret: %w", err)
	}

	if err := r.store.PutAPIKey(ctx, &APIKey{
		ID: keyID, TenantID: tenantID, SecretHash: hash, Scopes: scopes, CreatedAt: time.Now().UTC(),
	}); err != nil {
		return "", err
	}

	return fmt.Sprintf("ocx_%s.%s", keyID, secret), nil
}

// AuthenticateAPIKey parses and verifies a full key, returning its
// owning tenant ID. Always returns an opaque AuthFailed error on any
// rejection reason.
func (r *Resolver) AuthenticateAPIKey(ctx context.Context, fullKey string) (string, error) {
	keyID, secret, ok := splitKey(fullKey)
	if !ok {
		return "", errs.OpaqueAuthFailure("malformed_api_key", nil)
	}

	key, err := r.store.GetAPIKeyByID(ctx, keyID)
	if err != nil {
		return "", errs.OpaqueAuthFailure("api_key_lookup_failed", err)
	}
	if key == nil || key.RevokedAt != nil {
		return "", errs.OpaqueAuthFailure("api_key_not_found", nil)
	}
	if err := bcrypt.CompareHashAndPassword(key.SecretHash, []byte(secret)); err != nil {
		return "", errs.OpaqueAuthFailure("api_key_secret_mismatch", err)
	}
	return key.TenantID, nil
}

func splitKey(fullKey string) (keyID, secret string, ok bool) {
	rest, hasPrefix := strings.CutPrefix(fullKey, "ocx_")
	if !hasPrefix {
		return "", "", false
	}
	keyID, secret, found := strings.Cut(rest, ".")
	if !found || keyID == "" || secret == "" {
		return "", "", false
	}
	return keyID, secret, true
}

// Resolve satisfies orchestrator.TenantResolver: loads the tenant,
// confirms it is active, and returns its pool/pricing assignment.
func (r *Resolver) Resolve(ctx context.Context, tenantID string) (orchestrator.PoolAssignment, error) {
	t, err := r.store.GetTenant(ctx, tenantID)
	if err != nil {
		return orchestrator.PoolAssignment{}, errs.TransientErr("tenant_lookup_failed", "failed to load tenant", err)
	}
	if t == nil {
		return orchestrator.PoolAssignment{}, errs.Precondition("tenant_not_found", fmt.Sprintf("tenant %s does not exist", tenantID))
	}
	if t.Status != StatusActive && t.Status != StatusTrial {
		return orchestrator.PoolAssignment{}, errs.Precondition("tenant_inactive", fmt.Sprintf("tenant %s is %s", tenantID, t.Status))
	}

	pricing, ok := tierPricing[t.Tier]
	if !ok {
		return orchestrator.PoolAssignment{}, errs.Invalid("unsupported_tier", fmt.Sprintf("tenant %s has unsupported tier %s", tenantID, t.Tier))
	}

	pool := t.PoolID
	if pool == "" {
		pool = tierPool[t.Tier]
	}

	return orchestrator.PoolAssignment{PoolID: pool, Pricing: pricing, Tier: string(t.Tier)}, nil
}
