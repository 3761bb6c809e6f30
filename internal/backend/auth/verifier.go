package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jo-hoe/lesiontriage/internal/backend/database"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is the only error a caller sees for a failed login,
// whether the name is unknown or the password is wrong.
var ErrInvalidCredentials = errors.New("invalid credentials")

// CredentialStore looks up stored credentials by role and name.
type CredentialStore interface {
	FindCredential(ctx context.Context, role database.Role, name string) (*database.Credential, error)
}

// Verifier checks plaintext passwords against stored hashes.
type Verifier struct {
	store     CredentialStore
	dummyHash []byte
}

// NewVerifier creates a verifier. The cost is used for the dummy hash compared
// against when a name is unknown, so it should match the registration cost.
func NewVerifier(store CredentialStore, cost int) (*Verifier, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("lesiontriage-unknown-user"), cost)
	if err != nil {
		return nil, fmt.Errorf("failed to create dummy hash: %w", err)
	}
	return &Verifier{store: store, dummyHash: dummy}, nil
}

// Verify returns the credential when name and password match.
func (v *Verifier) Verify(ctx context.Context, role database.Role, name, password string) (*database.Credential, error) {
	credential, err := v.store.FindCredential(ctx, role, name)
	if err != nil {
		if errors.Is(err, database.ErrUnknownRole) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to look up credential: %w", err)
	}

	if credential == nil {
		_ = bcrypt.CompareHashAndPassword(v.dummyHash, []byte(password))
		slog.Info("login rejected", "role", role)
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(credential.PasswordHash), []byte(password)); err != nil {
		if IsMalformedHash(err) {
			slog.Error("stored password hash is malformed", "role", role, "id", credential.ID)
		}
		slog.Info("login rejected", "role", role)
		return nil, ErrInvalidCredentials
	}
	return credential, nil
}
