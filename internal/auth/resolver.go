package auth

import (
	"context"
	"errors"
	"time"

	"github.com/GoPolymarket/shieldgate/internal/config"
	"github.com/GoPolymarket/shieldgate/internal/model"
	"github.com/GoPolymarket/shieldgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/shieldgate/internal/pkg/logger"
	"github.com/GoPolymarket/shieldgate/internal/pkg/metrics"
	"github.com/GoPolymarket/shieldgate/internal/session"
	"github.com/GoPolymarket/shieldgate/internal/store"
)

// IdentityStore is the external identity capability the resolver depends on.
type IdentityStore interface {
	ResolveByCredential(ctx context.Context, credential string) (*model.Identity, bool, error)
	GetByID(ctx context.Context, id string) (*model.Identity, bool, error)
	GetAccountState(ctx context.Context, id string) (model.AccountState, error)
}

// Resolution is the outcome of Resolve. A nil Identity with Presented=false is an anonymous caller.
type Resolution struct {
	Identity  *model.Identity
	Presented bool
	Degraded  bool
}

type Resolver struct {
	identities    IdentityStore
	sessions      *session.Store
	apiKeyHeader  string
	sessionCookie string
	failOpen      bool
	timeout       time.Duration
}

func NewResolver(identities IdentityStore, sessions *session.Store, cfg config.AuthConfig, timeout time.Duration) *Resolver {
	r := &Resolver{
		identities:    identities,
		sessions:      sessions,
		apiKeyHeader:  cfg.APIKeyHeader,
		sessionCookie: cfg.SessionCookie,
		failOpen:      cfg.FailOpen,
		timeout:       timeout,
	}
	if r.apiKeyHeader == "" {
		r.apiKeyHeader = "X-API-Key"
	}
	if r.sessionCookie == "" {
		r.sessionCookie = "session_id"
	}
	return r
}

func (r *Resolver) SessionCookie() string {
	return r.sessionCookie
}

type credential struct {
	source model.CredentialSource
	value  string
}

func (r *Resolver) credentials(rc *model.RequestContext) []credential {
	var out []credential
	if tok := rc.BearerToken(); tok != "" {
		out = append(out, credential{model.CredentialBearer, tok})
	}
	if sid := rc.Cookie(r.sessionCookie); sid != "" {
		out = append(out, credential{model.CredentialSession, sid})
	}
	if key := rc.Header(r.apiKeyHeader); key != "" {
		out = append(out, credential{model.CredentialAPIKey, key})
	}
	return out
}

// Resolve tries bearer token, session cookie and API key in that order, then enforces the
// account-state invariants. Each violation is returned as its own error kind.
func (r *Resolver) Resolve(ctx context.Context, rc *model.RequestContext) (Resolution, error) {
	creds := r.credentials(rc)
	if len(creds) == 0 {
		return Resolution{}, nil
	}
	res := Resolution{Presented: true}

	ctx, cancel := store.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		identity    *model.Identity
		invalidated bool
	)
	for _, c := range creds {
		key := r.sessions.Key(c.value)
		dead, err := r.sessions.IsInvalidated(ctx, key)
		if err != nil {
			return r.dependencyFailure(res, err)
		}
		if dead {
			invalidated = true
			continue
		}
		id, err := r.lookup(ctx, c, key)
		if err != nil {
			return r.dependencyFailure(res, err)
		}
		if id != nil {
			id.Source = c.source
			id.SessionKey = key
			identity = id
			break
		}
	}

	if identity == nil {
		if invalidated {
			return res, apperrors.New(apperrors.ErrUnauthenticated, "session invalidated, please sign in again", nil).
				WithDetail("reason", "session_invalidated").
				WithDetail("reauth_required", true)
		}
		return res, apperrors.New(apperrors.ErrUnauthenticated, "invalid credentials", nil).
			WithDetail("reason", "invalid_credentials")
	}

	state, err := r.identities.GetAccountState(ctx, identity.ID)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return res, apperrors.New(apperrors.ErrUnauthenticated, "invalid credentials", nil).
				WithDetail("reason", "invalid_credentials")
		}
		return r.dependencyFailure(res, err)
	}
	identity.State = state
	res.Identity = identity

	switch state {
	case model.AccountActive:
		return res, nil
	case model.AccountLocked:
		return res, apperrors.New(apperrors.ErrAccountLocked, "", nil)
	case model.AccountSuspended:
		return res, apperrors.New(apperrors.ErrAccountSuspended, "", nil)
	default:
		return res, apperrors.New(apperrors.ErrAccountInactive, "", nil)
	}
}

func (r *Resolver) lookup(ctx context.Context, c credential, key string) (*model.Identity, error) {
	if c.source != model.CredentialSession {
		id, ok, err := r.identities.ResolveByCredential(ctx, c.value)
		if err != nil || !ok {
			return nil, err
		}
		return id, nil
	}
	rec, ok, err := r.sessions.Lookup(ctx, key)
	if err != nil || !ok {
		return nil, err
	}
	id, ok, err := r.identities.GetByID(ctx, rec.IdentityID)
	if err != nil || !ok {
		return nil, err
	}
	return id, nil
}

// dependencyFailure applies the auth fail-open flag. Failing open degrades the caller to anonymous,
// so protected routes still refuse the request.
func (r *Resolver) dependencyFailure(res Resolution, err error) (Resolution, error) {
	if !r.failOpen {
		return res, apperrors.NewDependencyUnavailable("identity_store", err)
	}
	metrics.Degraded.WithLabelValues("auth").Inc()
	logger.WarnThrottled("auth.degraded", "identity store unavailable, treating caller as anonymous", "error", err)
	return Resolution{Presented: true, Degraded: true}, nil
}
