package reconcile

import (
	"strings"
	"time"

	"github.com/upb/careportal-auth/models"
	"github.com/upb/careportal-auth/services/providers"
)

// Merge computes the externally sourced fields for user from profile. It is
// a pure function of its inputs, so two racing reconciliations of the same
// profile write the same values.
//
// Blank profile fields keep the stored value. The role hint is applied only
// when the current role came from the provider and the hint names a valid
// role; a locally assigned role is never replaced.
func Merge(user *models.User, profile *providers.Profile, now time.Time) models.ProfileSync {
	sync := models.ProfileSync{
		Email:         user.Email,
		DisplayName:   user.DisplayName,
		EmailVerified: profile.EmailVerified,
		Role:          user.Role,
		SyncedAt:      now.UTC(),
	}

	if email := strings.TrimSpace(profile.Email); email != "" {
		sync.Email = strings.ToLower(email)
	}
	if name := strings.TrimSpace(profile.DisplayName); name != "" {
		sync.DisplayName = name
	}
	if user.RoleSource == models.RoleSourceProvider {
		if role, err := models.ParseRole(profile.RoleHint); err == nil {
			sync.Role = role
		}
	}
	return sync
}

// apply returns a copy of user with sync written the way the store writes it
func apply(user *models.User, sync models.ProfileSync) *models.User {
	updated := *user
	updated.Email = sync.Email
	updated.DisplayName = sync.DisplayName
	updated.EmailVerified = sync.EmailVerified
	if updated.RoleSource == models.RoleSourceProvider {
		updated.Role = sync.Role
	}
	syncedAt := sync.SyncedAt
	updated.LastSyncedAt = &syncedAt
	updated.UpdatedAt = syncedAt
	return &updated
}
