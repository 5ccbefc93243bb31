package chat

import "context"

// A Profile describes a user known to the identity provider.
type Profile struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// A Directory looks up user profiles. Profile returns ErrProfileNotFound for
// unknown identifiers.
type Directory interface {
	Profile(ctx context.Context, id string) (Profile, error)
	Profiles(ctx context.Context) ([]Profile, error)
}
