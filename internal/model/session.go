package model

import "time"

type FingerprintMode string

const (
	ModeStrict     FingerprintMode = "strict"
	ModeBalanced   FingerprintMode = "balanced"
	ModePermissive FingerprintMode = "permissive"
)

func ParseFingerprintMode(s string) FingerprintMode {
	switch FingerprintMode(s) {
	case ModeStrict, ModePermissive:
		return FingerprintMode(s)
	}
	return ModeBalanced
}

// SessionFingerprintRecord tracks the binding between a session and its client.
type SessionFingerprintRecord struct {
	Fingerprint       string          `json:"fingerprint"`
	StrictFingerprint string          `json:"strict_fingerprint"`
	Mode              FingerprintMode `json:"mode"`
	CreatedAt         time.Time       `json:"created_at"`
	LastVerifiedAt    time.Time       `json:"last_verified_at"`
	VerificationCount int             `json:"verification_count"`
	MismatchCount     int             `json:"mismatch_count"`
	Invalidated       bool            `json:"invalidated"`
}

// SessionRecord is the server-side session created by the login endpoint.
type SessionRecord struct {
	ID         string    `json:"id"`
	IdentityID string    `json:"identity_id"`
	CSRFHash   string    `json:"csrf_hash"`
	CreatedAt  time.Time `json:"created_at"`
}
