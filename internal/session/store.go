package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/GoPolymarket/shieldgate/internal/model"
	"github.com/GoPolymarket/shieldgate/internal/signature"
	"github.com/GoPolymarket/shieldgate/internal/store"
	"github.com/google/uuid"
)

const (
	recordPrefix      = "sess:rec:"
	fingerprintPrefix = "sess:fp:"
	deadPrefix        = "sess:dead:"
	casRetries        = 5
)

var ErrConflict = errors.New("session: concurrent update, retries exhausted")

// ErrCorruptFingerprint is returned when a stored fingerprint record cannot be decoded.
var ErrCorruptFingerprint = errors.New("session: fingerprint record is unreadable")

// Store keeps server-side sessions and their fingerprint records in the shared store.
// Everything is keyed by a digest of the raw session credential.
type Store struct {
	kv      store.Store
	sig     *signature.Builder
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time
}

func NewStore(kv store.Store, sig *signature.Builder, ttl, timeout time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{kv: kv, sig: sig, ttl: ttl, timeout: timeout, now: time.Now}
}

// Key maps a raw credential to its storage key.
func (s *Store) Key(credential string) string {
	return s.sig.TokenDigest(credential)
}

func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Create starts a session for identityID and returns the raw id to hand to the client.
func (s *Store) Create(ctx context.Context, identityID string) (string, *model.SessionRecord, error) {
	raw := uuid.NewString()
	rec := &model.SessionRecord{
		ID:         s.Key(raw),
		IdentityID: identityID,
		CreatedAt:  s.now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", nil, err
	}
	ctx, cancel := store.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.kv.Put(ctx, recordPrefix+rec.ID, string(data), s.ttl); err != nil {
		return "", nil, err
	}
	return raw, rec, nil
}

func (s *Store) Lookup(ctx context.Context, key string) (*model.SessionRecord, bool, error) {
	ctx, cancel := store.WithTimeout(ctx, s.timeout)
	defer cancel()
	raw, ok, err := s.kv.Get(ctx, recordPrefix+key)
	if err != nil || !ok {
		return nil, false, err
	}
	var rec model.SessionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, false, nil
	}
	return &rec, true, nil
}

// End removes a session and its fingerprint record.
func (s *Store) End(ctx context.Context, key string) error {
	ctx, cancel := store.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.kv.Delete(ctx, recordPrefix+key); err != nil {
		return err
	}
	return s.kv.Delete(ctx, fingerprintPrefix+key)
}

// Invalidate ends the session and leaves a marker so the credential is refused until it expires.
func (s *Store) Invalidate(ctx context.Context, key string) error {
	if err := s.End(ctx, key); err != nil {
		return err
	}
	ctx, cancel := store.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.kv.Put(ctx, deadPrefix+key, s.now().UTC().Format(time.RFC3339), s.ttl)
}

func (s *Store) IsInvalidated(ctx context.Context, key string) (bool, error) {
	ctx, cancel := store.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, ok, err := s.kv.Get(ctx, deadPrefix+key)
	return ok, err
}

// CSRFHash returns the token hash bound to the session.
func (s *Store) CSRFHash(ctx context.Context, key string) (string, bool, error) {
	rec, ok, err := s.Lookup(ctx, key)
	if err != nil || !ok {
		return "", false, err
	}
	return rec.CSRFHash, rec.CSRFHash != "", nil
}

func (s *Store) SetCSRFHash(ctx context.Context, key, hash string) error {
	return s.update(ctx, recordPrefix+key, func(raw string) (string, error) {
		var rec model.SessionRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return "", err
		}
		rec.CSRFHash = hash
		out, err := json.Marshal(rec)
		return string(out), err
	})
}

func (s *Store) Fingerprint(ctx context.Context, key string) (*model.SessionFingerprintRecord, string, bool, error) {
	ctx, cancel := store.WithTimeout(ctx, s.timeout)
	defer cancel()
	raw, ok, err := s.kv.Get(ctx, fingerprintPrefix+key)
	if err != nil || !ok {
		return nil, "", false, err
	}
	var rec model.SessionFingerprintRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, raw, true, fmt.Errorf("%w: %v", ErrCorruptFingerprint, err)
	}
	return &rec, raw, true, nil
}

// CreateFingerprint stores rec unless another request got there first.
func (s *Store) CreateFingerprint(ctx context.Context, key string, rec *model.SessionFingerprintRecord) (bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	ctx, cancel := store.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.kv.PutIfAbsent(ctx, fingerprintPrefix+key, string(data), s.ttl)
}

// SwapFingerprint replaces the record only if it still holds prev.
func (s *Store) SwapFingerprint(ctx context.Context, key, prev string, rec *model.SessionFingerprintRecord) (bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	ctx, cancel := store.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.kv.CompareAndSwap(ctx, fingerprintPrefix+key, prev, string(data), s.ttl)
}

func (s *Store) update(ctx context.Context, key string, fn func(string) (string, error)) error {
	for i := 0; i < casRetries; i++ {
		cctx, cancel := store.WithTimeout(ctx, s.timeout)
		raw, ok, err := s.kv.Get(cctx, key)
		if err != nil {
			cancel()
			return err
		}
		if !ok {
			cancel()
			return store.ErrNotFound
		}
		next, err := fn(raw)
		if err != nil {
			cancel()
			return err
		}
		swapped, err := s.kv.CompareAndSwap(cctx, key, raw, next, 0)
		cancel()
		if err != nil {
			return err
		}
		if swapped {
			return nil
		}
	}
	return ErrConflict
}
