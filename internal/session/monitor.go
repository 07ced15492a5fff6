package session

import (
	"context"
	"errors"
	"time"

	"github.com/GoPolymarket/shieldgate/internal/config"
	"github.com/GoPolymarket/shieldgate/internal/model"
	"github.com/GoPolymarket/shieldgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/shieldgate/internal/pkg/logger"
	"github.com/GoPolymarket/shieldgate/internal/pkg/metrics"
	"github.com/GoPolymarket/shieldgate/internal/signature"
)

type Outcome string

const (
	OutcomeSkipped     Outcome = "skipped"
	OutcomeEstablished Outcome = "established"
	OutcomeVerified    Outcome = "verified"
	OutcomeMismatch    Outcome = "mismatch"
	OutcomeInvalidated Outcome = "invalidated"
)

// Check is the result of one Verify call.
type Check struct {
	Outcome       Outcome
	Mode          model.FingerprintMode
	MismatchCount int
	Degraded      bool
}

type Monitor struct {
	store       *Store
	sig         *signature.Builder
	mode        model.FingerprintMode
	strictPaths []string
	threshold   int
	failOpen    bool
	now         func() time.Time
}

func NewMonitor(st *Store, sig *signature.Builder, cfg config.SessionConfig) *Monitor {
	m := &Monitor{
		store:       st,
		sig:         sig,
		mode:        model.ParseFingerprintMode(cfg.Mode),
		strictPaths: cfg.StrictPaths,
		threshold:   cfg.MismatchThreshold,
		failOpen:    cfg.FailOpen,
		now:         time.Now,
	}
	if m.threshold <= 0 {
		m.threshold = 3
	}
	return m
}

// ModeFor returns the fingerprint mode applied to a route.
func (m *Monitor) ModeFor(path string) model.FingerprintMode {
	if model.PathMatches(path, m.strictPaths) {
		return model.ModeStrict
	}
	return m.mode
}

// Compute hashes user agent, accept-language, accept-encoding and the mode's address class.
func (m *Monitor) Compute(rc *model.RequestContext, mode model.FingerprintMode) string {
	return m.sig.Fingerprint(
		string(mode),
		rc.UserAgent(),
		rc.Header("Accept-Language"),
		rc.Header("Accept-Encoding"),
		signature.AddressClass(rc.ClientIP, mode),
	)
}

// Verify fingerprints the first authenticated request of a session and compares every later
// one. Reaching the mismatch threshold invalidates the session and returns an UNAUTHENTICATED
// error that asks for re-authentication.
func (m *Monitor) Verify(ctx context.Context, rc *model.RequestContext) (Check, error) {
	if rc.Identity == nil || rc.Identity.SessionKey == "" {
		return Check{Outcome: OutcomeSkipped}, nil
	}
	key := rc.Identity.SessionKey
	mode := m.ModeFor(rc.Path)

	for attempt := 0; attempt < casRetries; attempt++ {
		rec, prev, ok, err := m.store.Fingerprint(ctx, key)
		if errors.Is(err, ErrCorruptFingerprint) {
			logger.Warn("session fingerprint record unreadable", "identity_id", rc.Identity.ID, "error", err)
			return m.invalidate(ctx, rc, mode, 0)
		}
		if err != nil {
			return m.storeFailure(mode, err)
		}
		now := m.now().UTC()

		if !ok {
			rec = &model.SessionFingerprintRecord{
				Fingerprint:       m.Compute(rc, m.mode),
				StrictFingerprint: m.Compute(rc, model.ModeStrict),
				Mode:              m.mode,
				CreatedAt:         now,
				LastVerifiedAt:    now,
			}
			created, err := m.store.CreateFingerprint(ctx, key, rec)
			if err != nil {
				return m.storeFailure(mode, err)
			}
			if created {
				return Check{Outcome: OutcomeEstablished, Mode: mode}, nil
			}
			continue
		}

		expected := rec.Fingerprint
		current := m.Compute(rc, rec.Mode)
		if mode == model.ModeStrict {
			expected = rec.StrictFingerprint
			current = m.Compute(rc, model.ModeStrict)
		}

		next := *rec
		if current == expected {
			next.LastVerifiedAt = now
			next.VerificationCount++
		} else {
			next.MismatchCount++
		}

		if next.MismatchCount >= m.threshold {
			metrics.SessionMismatches.Inc()
			logger.Warn("session invalidated after fingerprint drift", "identity_id", rc.Identity.ID, "mismatches", next.MismatchCount)
			return m.invalidate(ctx, rc, mode, next.MismatchCount)
		}

		swapped, err := m.store.SwapFingerprint(ctx, key, prev, &next)
		if err != nil {
			return m.storeFailure(mode, err)
		}
		if !swapped {
			continue
		}
		if current != expected {
			metrics.SessionMismatches.Inc()
			return Check{Outcome: OutcomeMismatch, Mode: mode, MismatchCount: next.MismatchCount}, nil
		}
		return Check{Outcome: OutcomeVerified, Mode: mode, MismatchCount: next.MismatchCount}, nil
	}
	return m.storeFailure(mode, ErrConflict)
}

// invalidate ends the session and returns the UNAUTHENTICATED error that asks for re-authentication.
func (m *Monitor) invalidate(ctx context.Context, rc *model.RequestContext, mode model.FingerprintMode, mismatches int) (Check, error) {
	if err := m.store.Invalidate(ctx, rc.Identity.SessionKey); err != nil {
		return m.storeFailure(mode, err)
	}
	metrics.SessionInvalidations.Inc()
	return Check{Outcome: OutcomeInvalidated, Mode: mode, MismatchCount: mismatches},
		apperrors.New(apperrors.ErrUnauthenticated, "session invalidated, please sign in again", nil).
			WithDetail("reason", "session_invalidated").
			WithDetail("reauth_required", true)
}

func (m *Monitor) storeFailure(mode model.FingerprintMode, err error) (Check, error) {
	if !m.failOpen {
		return Check{Mode: mode}, apperrors.NewDependencyUnavailable("session_store", err)
	}
	metrics.Degraded.WithLabelValues("session").Inc()
	logger.WarnThrottled("session.degraded", "session store unavailable, skipping integrity check", "error", err)
	return Check{Outcome: OutcomeSkipped, Mode: mode, Degraded: true}, nil
}
