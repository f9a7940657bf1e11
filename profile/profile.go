package profile

import (
	"context"
	"errors"

	"github.com/lanonasis/maas-auth/session"
)

// DefaultRole is assigned to synthesized profiles until the owning backend
// says otherwise.
const DefaultRole = "user"

// ErrNotFound is returned by Store implementations when no profile exists for
// the given ID. The orchestrator treats it as "synthesize one", not a failure.
var ErrNotFound = errors.New("profile not found")

// Profile is the dashboard-facing account record. It is owned by whichever
// backend is authoritative for the session; this package only reads, and
// upserts synthesized records on the owner's behalf.
type Profile struct {
	ID          string `json:"id"`
	FullName    string `json:"full_name,omitempty"`
	CompanyName string `json:"company_name,omitempty"`
	Email       string `json:"email,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Role        string `json:"role"`
}

// Store is the external profile collaborator. The generic CRUD wrapper behind
// it is out of scope here.
type Store interface {
	GetByID(ctx context.Context, id string) (*Profile, error)
	Upsert(ctx context.Context, p *Profile) error
}

// Synthesize builds a minimal profile from session identity for users the
// owning backend has no record of yet.
func Synthesize(u session.User) *Profile {
	return &Profile{
		ID:       u.ID,
		FullName: u.Name,
		Email:    u.Email,
		Role:     DefaultRole,
	}
}
