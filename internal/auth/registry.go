package auth

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/GoPolymarket/shieldgate/internal/config"
	"github.com/GoPolymarket/shieldgate/internal/model"
	"github.com/GoPolymarket/shieldgate/internal/signature"
)

var ErrIdentityNotFound = errors.New("identity not found")

// IdentityRepo is the persistent identity source consulted when a credential is not
// provisioned in configuration.
type IdentityRepo interface {
	GetByKeyHash(ctx context.Context, keyHash string) (*model.Identity, error)
	GetByID(ctx context.Context, id string) (*model.Identity, error)
	Create(ctx context.Context, identity *model.Identity) error
	UpdateState(ctx context.Context, id string, state model.AccountState) error
	List(ctx context.Context, limit int) ([]*model.Identity, error)
}

// Registry resolves credentials to identities. Config-provisioned identities are held in memory
// keyed by credential digest; unknown digests fall back to the repository and are cached.
type Registry struct {
	mu     sync.RWMutex
	byHash map[string]*model.Identity
	byID   map[string]*model.Identity
	sig    *signature.Builder
	repo   IdentityRepo
}

func NewRegistry(identities []config.IdentityConfig, sig *signature.Builder, repo IdentityRepo) *Registry {
	r := &Registry{
		byHash: make(map[string]*model.Identity),
		byID:   make(map[string]*model.Identity),
		sig:    sig,
		repo:   repo,
	}
	for _, ic := range identities {
		id := &model.Identity{
			ID:    ic.ID,
			Name:  ic.Name,
			Roles: append([]string(nil), ic.Roles...),
			State: model.ParseAccountState(ic.State),
		}
		var hashes []string
		if ic.APIKey != "" {
			id.KeyHash = sig.TokenDigest(ic.APIKey)
			hashes = append(hashes, id.KeyHash)
		}
		for _, tok := range ic.BearerTokens {
			if tok != "" {
				hashes = append(hashes, sig.TokenDigest(tok))
			}
		}
		r.Register(id, hashes...)
	}
	return r
}

// Register adds or replaces an identity under the given credential digests.
func (r *Registry) Register(id *model.Identity, hashes ...string) {
	if id == nil || id.ID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[id.ID] = id
	for _, h := range hashes {
		r.byHash[h] = id
	}
}

// lookup copies the entry under the read lock so callers never share registry state.
func (r *Registry) lookup(m map[string]*model.Identity, key string) (*model.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	found, ok := m[key]
	if !ok {
		return nil, false
	}
	cp := *found
	cp.Roles = append([]string(nil), found.Roles...)
	return &cp, true
}

// ResolveByCredential returns a copy of the identity owning credential.
func (r *Registry) ResolveByCredential(ctx context.Context, credential string) (*model.Identity, bool, error) {
	hash := r.sig.TokenDigest(credential)
	if cp, ok := r.lookup(r.byHash, hash); ok {
		return cp, true, nil
	}
	if r.repo == nil {
		return nil, false, nil
	}
	found, err := r.repo.GetByKeyHash(ctx, hash)
	if errors.Is(err, ErrIdentityNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if found == nil {
		return nil, false, nil
	}
	cp := *found
	r.Register(found, hash)
	return &cp, true, nil
}

func (r *Registry) GetByID(ctx context.Context, id string) (*model.Identity, bool, error) {
	if cp, ok := r.lookup(r.byID, id); ok {
		return cp, true, nil
	}
	if r.repo == nil {
		return nil, false, nil
	}
	fromRepo, err := r.repo.GetByID(ctx, id)
	if errors.Is(err, ErrIdentityNotFound) || (err == nil && fromRepo == nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var hashes []string
	if fromRepo.KeyHash != "" {
		hashes = append(hashes, fromRepo.KeyHash)
	}
	cp := *fromRepo
	r.Register(fromRepo, hashes...)
	return &cp, true, nil
}

// GetAccountState returns the current state of an identity.
func (r *Registry) GetAccountState(ctx context.Context, id string) (model.AccountState, error) {
	found, ok, err := r.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrIdentityNotFound
	}
	return found.State, nil
}

// SetAccountState changes the state in memory and in the repository when one is configured.
func (r *Registry) SetAccountState(ctx context.Context, id string, state model.AccountState) error {
	r.mu.Lock()
	found, ok := r.byID[id]
	if ok {
		found.State = state
	}
	r.mu.Unlock()

	if r.repo != nil {
		err := r.repo.UpdateState(ctx, id, state)
		if err == nil {
			return nil
		}
		if !ok || !errors.Is(err, ErrIdentityNotFound) {
			return err
		}
	}
	if !ok {
		return ErrIdentityNotFound
	}
	return nil
}

// Create provisions a new identity with a freshly issued API key and returns the key once.
func (r *Registry) Create(ctx context.Context, id *model.Identity, apiKey string) error {
	id.KeyHash = r.sig.TokenDigest(apiKey)
	if id.State == "" {
		id.State = model.AccountActive
	}
	if r.repo != nil {
		if err := r.repo.Create(ctx, id); err != nil {
			return err
		}
	}
	r.Register(id, id.KeyHash)
	return nil
}

// List merges in-memory identities with the repository view, ordered by id.
func (r *Registry) List(ctx context.Context, limit int) ([]*model.Identity, error) {
	seen := make(map[string]*model.Identity)
	r.mu.RLock()
	for id, ident := range r.byID {
		cp := *ident
		seen[id] = &cp
	}
	r.mu.RUnlock()
	if r.repo != nil {
		fromRepo, err := r.repo.List(ctx, limit)
		if err != nil {
			return nil, err
		}
		for _, ident := range fromRepo {
			if _, ok := seen[ident.ID]; !ok {
				seen[ident.ID] = ident
			}
		}
	}
	out := make([]*model.Identity, 0, len(seen))
	for _, ident := range seen {
		out = append(out, ident)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
