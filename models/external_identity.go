package models

import (
	"time"

	"github.com/google/uuid"
)

// ExternalIdentity links a local user to an account at an external identity
// provider. (Provider, ProviderUserID) is unique.
type ExternalIdentity struct {
	ID             uuid.UUID `json:"id" db:"id"`
	UserID         uuid.UUID `json:"userId" db:"user_id"`
	Provider       string    `json:"provider" db:"provider"`
	ProviderUserID string    `json:"providerUserId" db:"provider_user_id"`
	Email          string    `json:"email" db:"email"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at"`
}

// TableName returns the table name for the ExternalIdentity model
func (ExternalIdentity) TableName() string {
	return "external_identities"
}

// NewExternalIdentity creates a linkage for userID
func NewExternalIdentity(userID uuid.UUID, provider, providerUserID, email string) *ExternalIdentity {
	return &ExternalIdentity{
		ID:             uuid.New(),
		UserID:         userID,
		Provider:       provider,
		ProviderUserID: providerUserID,
		Email:          email,
		CreatedAt:      time.Now().UTC(),
	}
}
