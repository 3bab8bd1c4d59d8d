// Package accounts maps upstream identities to users and manages the
// provider and mesh keys stored on them.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atvirokodosprendimai/devforge/internal/db"
	"github.com/atvirokodosprendimai/devforge/internal/vault"
	"go.uber.org/zap"
)

const (
	MaxAPIKeyLength  = 256
	MaxNetworkLength = 128
)

// ErrUnauthenticated is returned when no identity subject is present.
var ErrUnauthenticated = errors.New("not authenticated")

// Store is the user persistence. *db.Store implements it.
type Store interface {
	GetOrCreateUser(ctx context.Context, externalID, email, name string) (*db.User, error)
	PatchUser(ctx context.Context, id string, patch db.UserPatch) error
}

// Identity is what the upstream identity proxy asserts about a caller.
type Identity struct {
	Subject string
	Email   string
	Name    string
}

// KeyUpdate sets keys independently. A nil field is left alone, an empty
// string clears the key.
type KeyUpdate struct {
	ProviderAPIKey    *string `json:"provider_api_key"`
	ProviderProjectID *string `json:"provider_project_id"`
	MeshAPIKey        *string `json:"mesh_api_key"`
	MeshNetwork       *string `json:"mesh_network"`
}

// Account is the caller's view of a user. Secrets are never included.
type Account struct {
	ID                string    `json:"id"`
	Email             string    `json:"email"`
	Name              string    `json:"name,omitempty"`
	Plan              string    `json:"plan"`
	HasProviderAPIKey bool      `json:"has_provider_api_key"`
	ProviderProjectID string    `json:"provider_project_id,omitempty"`
	HasMeshAPIKey     bool      `json:"has_mesh_api_key"`
	MeshNetwork       string    `json:"mesh_network,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// KeyError rejects an oversized key.
type KeyError struct {
	Field string
	Max   int
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("%s too long (max %d characters)", e.Field, e.Max)
}

// Service manages accounts.
type Service struct {
	store Store
	vault *vault.Vault
	log   *zap.SugaredLogger
}

// NewService creates an account service.
func NewService(store Store, v *vault.Vault, log *zap.SugaredLogger) *Service {
	return &Service{store: store, vault: v, log: log}
}

// GetOrCreate returns the user for id, creating it on first sight.
func (s *Service) GetOrCreate(ctx context.Context, id Identity) (*db.User, error) {
	if id.Subject == "" {
		return nil, ErrUnauthenticated
	}
	return s.store.GetOrCreateUser(ctx, id.Subject, id.Email, id.Name)
}

// Current returns the account view of id.
func (s *Service) Current(ctx context.Context, id Identity) (Account, error) {
	user, err := s.GetOrCreate(ctx, id)
	if err != nil {
		return Account{}, err
	}
	return view(user), nil
}

// UpdateKeys validates, seals and stores the keys set in upd.
func (s *Service) UpdateKeys(ctx context.Context, id Identity, upd KeyUpdate) (Account, error) {
	if upd.ProviderAPIKey != nil && len(*upd.ProviderAPIKey) > MaxAPIKeyLength {
		return Account{}, &KeyError{Field: "provider API key", Max: MaxAPIKeyLength}
	}
	if upd.ProviderProjectID != nil && len(*upd.ProviderProjectID) > MaxNetworkLength {
		return Account{}, &KeyError{Field: "provider project id", Max: MaxNetworkLength}
	}
	if upd.MeshAPIKey != nil && len(*upd.MeshAPIKey) > MaxAPIKeyLength {
		return Account{}, &KeyError{Field: "mesh API key", Max: MaxAPIKeyLength}
	}
	if upd.MeshNetwork != nil && len(*upd.MeshNetwork) > MaxNetworkLength {
		return Account{}, &KeyError{Field: "mesh network id", Max: MaxNetworkLength}
	}

	user, err := s.GetOrCreate(ctx, id)
	if err != nil {
		return Account{}, err
	}

	var patch db.UserPatch
	if upd.ProviderAPIKey != nil {
		sealed, err := s.sealOrClear(*upd.ProviderAPIKey)
		if err != nil {
			return Account{}, err
		}
		patch.ProviderAPIKey = &sealed
		user.ProviderAPIKey = sealed
	}
	if upd.ProviderProjectID != nil {
		patch.ProviderProjectID = upd.ProviderProjectID
		user.ProviderProjectID = *upd.ProviderProjectID
	}
	if upd.MeshAPIKey != nil {
		sealed, err := s.sealOrClear(*upd.MeshAPIKey)
		if err != nil {
			return Account{}, err
		}
		patch.MeshAPIKey = &sealed
		user.MeshAPIKey = sealed
	}
	if upd.MeshNetwork != nil {
		patch.MeshNetwork = upd.MeshNetwork
		user.MeshNetwork = *upd.MeshNetwork
	}

	if err := s.store.PatchUser(ctx, user.ID, patch); err != nil {
		return Account{}, err
	}
	s.log.Infow("Account keys updated", "user_id", user.ID,
		"provider_key", upd.ProviderAPIKey != nil, "mesh_key", upd.MeshAPIKey != nil, "mesh_network", upd.MeshNetwork != nil)
	return view(user), nil
}

func (s *Service) sealOrClear(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	return s.vault.Seal(value)
}

func view(u *db.User) Account {
	return Account{
		ID:                u.ID,
		Email:             u.Email,
		Name:              u.Name,
		Plan:              u.Plan,
		HasProviderAPIKey: u.ProviderAPIKey != "",
		ProviderProjectID: u.ProviderProjectID,
		HasMeshAPIKey:     u.MeshAPIKey != "",
		MeshNetwork:       u.MeshNetwork,
		CreatedAt:         u.CreatedAt,
	}
}
