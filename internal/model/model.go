// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// CaseStatus is the pairing state of a case.
type CaseStatus string

// Pairing states in protocol order.
const (
	StatusUnpaired       CaseStatus = "UNPAIRED"
	StatusInvitationSent CaseStatus = "INVITATION_SENT"
	StatusPinSent        CaseStatus = "PIN_SENT"
	StatusPinSucceeded   CaseStatus = "PIN_SUCCEEDED"
	StatusOauthSucceeded CaseStatus = "OAUTH_SUCCEEDED"
)

// Valid reports whether s is a known status.
func (s CaseStatus) Valid() bool {
	switch s {
	case StatusUnpaired, StatusInvitationSent, StatusPinSent, StatusPinSucceeded, StatusOauthSucceeded:
		return true
	}
	return false
}

// Case is the outbox pairing record for an internal case id.
type Case struct {
	ID        uuid.UUID  // internal case id
	Status    CaseStatus // UNPAIRED when no record exists
	PublicKey []byte     // PKIX DER, supplied by the inbox side
	Lang      string     // BCP-47
	UpdatedAt time.Time
}

// CaseNonce is the nonce of the most recent invitation for a case.
type CaseNonce struct {
	CaseID uuid.UUID
	Nonce  int64
}

// OauthState binds a random OAuth state value to a case.
type OauthState struct {
	CaseID uuid.UUID
	State  string
}

// RefreshToken is an outbox-held refresh token waiting to be synced to the inbox.
type RefreshToken struct {
	CaseID    uuid.UUID
	Token     string // AES encrypted, base64
	CreatedAt time.Time
}

// InboxCase maps a hospital case id to the internal case id and its key pair.
type InboxCase struct {
	ExternalID    string
	CaseID        uuid.UUID
	PrivateKeyEnc []byte // AES encrypted PEM
	CreatedAt     time.Time
}

// InboxRefreshToken is the inbox copy of a refresh token used by the upload pipeline.
type InboxRefreshToken struct {
	CaseID    uuid.UUID
	Token     string // AES encrypted, base64
	FetchedAt time.Time
}

// CachedResource is a clinical resource pending upload. Deleted once uploaded.
type CachedResource struct {
	ID             uuid.UUID
	ExternalCaseID string
	Ciphertext     []byte // AES encrypted JSON
	CreatedAt      time.Time
}

// UploadableResource is a cached resource of a case that holds a refresh token.
type UploadableResource struct {
	ResourceID    uuid.UUID
	CaseID        uuid.UUID
	PrivateKeyEnc []byte
}

// UploadAttempt is one failed delivery attempt of a cached resource.
type UploadAttempt struct {
	ResourceID  uuid.UUID
	AttemptedAt time.Time
}
