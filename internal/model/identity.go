package model

import "time"

type AccountState string

const (
	AccountActive    AccountState = "active"
	AccountInactive  AccountState = "inactive"
	AccountLocked    AccountState = "locked"
	AccountSuspended AccountState = "suspended"
)

// ParseAccountState maps a stored value to an AccountState; unknown values are inactive.
func ParseAccountState(s string) AccountState {
	switch AccountState(s) {
	case AccountActive, AccountInactive, AccountLocked, AccountSuspended:
		return AccountState(s)
	case "":
		return AccountActive
	}
	return AccountInactive
}

type CredentialSource string

const (
	CredentialBearer  CredentialSource = "bearer"
	CredentialSession CredentialSource = "session"
	CredentialAPIKey  CredentialSource = "api_key"
)

// Identity is a resolved caller. Credential material is kept only as hashes.
type Identity struct {
	ID      string           `json:"id" gorm:"primaryKey;size:64"`
	Name    string           `json:"name" gorm:"size:128"`
	Roles   []string         `json:"roles" gorm:"serializer:json"`
	State   AccountState     `json:"state" gorm:"size:16;index"`
	KeyHash string           `json:"-" gorm:"size:64;uniqueIndex"`
	Source  CredentialSource `json:"source,omitempty" gorm:"-"`

	// SessionKey is a digest of the credential the request used; it keys session state.
	SessionKey string    `json:"-" gorm:"-"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (Identity) TableName() string { return "identities" }

func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}
