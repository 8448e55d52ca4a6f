package auth

import (
	"context"
	"strings"
)

// ProfileUpdate carries only changed profile fields. A nil field means
// "leave unchanged"; mapping layers built on top of the core must preserve
// these partial-update semantics.
type ProfileUpdate struct {
	FirstName *string `json:"first_name"`
	LastName  *string `json:"last_name"`
	Phone     *string `json:"phone"`
	AvatarURL *string `json:"avatar_url"`
}

// UpdateProfile applies a partial profile update. Changing the phone number
// clears its verified flag until a new verification event lands.
func (s *Service) UpdateProfile(ctx context.Context, userID string, upd ProfileUpdate) (*User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, newValidationError("user_id", "is required")
	}
	stored := UserUpdate{
		FirstName: trimmed(upd.FirstName),
		LastName:  trimmed(upd.LastName),
		AvatarURL: trimmed(upd.AvatarURL),
	}
	if upd.Phone != nil {
		phone := strings.TrimSpace(*upd.Phone)
		stored.Phone = &phone
		unverified := false
		stored.PhoneVerified = &unverified
	}
	return s.store.Users(ctx).Update(ctx, userID, stored)
}

// GetUser loads one user by id.
func (s *Service) GetUser(ctx context.Context, userID string) (*User, error) {
	return s.store.Users(ctx).Find(ctx, userID)
}

// VerifyEmail records an email verification event.
func (s *Service) VerifyEmail(ctx context.Context, userID string) (*User, error) {
	verified := true
	return s.store.Users(ctx).Update(ctx, userID, UserUpdate{EmailVerified: &verified})
}

// VerifyPhone records a phone verification event.
func (s *Service) VerifyPhone(ctx context.Context, userID string) (*User, error) {
	verified := true
	return s.store.Users(ctx).Update(ctx, userID, UserUpdate{PhoneVerified: &verified})
}

// SetUserActive soft-enables or soft-disables an account. Disabling revokes
// every outstanding refresh token; already-issued access tokens run out on
// their own short expiry.
func (s *Service) SetUserActive(ctx context.Context, userID string, active bool) (*User, error) {
	user, err := s.store.Users(ctx).Update(ctx, userID, UserUpdate{Active: &active})
	if err != nil {
		return nil, err
	}
	if !active {
		if err := s.RevokeAll(ctx, userID); err != nil {
			return nil, err
		}
	}
	return user, nil
}

func trimmed(v *string) *string {
	if v == nil {
		return nil
	}
	t := strings.TrimSpace(*v)
	return &t
}
