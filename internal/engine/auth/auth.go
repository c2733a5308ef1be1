package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"tramiteline/internal/domain"
	"tramiteline/internal/repo"
)

// ForbiddenError indicates a missing capability.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("capability %s required", e.Permission)
}

// Capabilities is the narrow user projection the lifecycle checks against.
type Capabilities struct {
	UserID string
	Activo bool
	AreaID string
	Roles  []string
}

func (c Capabilities) Has(rol string) bool {
	for _, r := range c.Roles {
		if r == rol {
			return true
		}
	}
	return false
}

func (c Capabilities) IsAdmin() bool { return c.Has(domain.RolAdmin) }

// IsWorker reports whether the user can receive trámites.
func (c Capabilities) IsWorker() bool { return c.Has(domain.RolTrabajador) }

// CanSend reports whether the user has a sending identity.
func (c Capabilities) CanSend() bool {
	return c.Has(domain.RolResponsable) || c.IsAdmin()
}

// Require fails with ForbiddenError unless the user is active and holds one of roles.
func (c Capabilities) Require(roles ...string) error {
	if !c.Activo {
		return ForbiddenError{Permission: "active"}
	}
	for _, r := range roles {
		if c.Has(r) {
			return nil
		}
	}
	return ForbiddenError{Permission: strings.Join(roles, "|")}
}

// Service provides capability lookups backed by SQL.
type Service struct {
	DB *sql.DB
}

// Capabilities loads the active flag, area and roles of a user. Unknown users yield
// repo.ErrNotFound.
func (s Service) Capabilities(ctx context.Context, tx *sql.Tx, userID string) (Capabilities, error) {
	if strings.TrimSpace(userID) == "" {
		return Capabilities{}, errors.New("user id required")
	}
	r := repo.Repo{DB: s.DB}
	u, err := r.GetUsuario(ctx, tx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Capabilities{}, fmt.Errorf("usuario %s: %w", userID, repo.ErrNotFound)
		}
		return Capabilities{}, err
	}
	return Capabilities{UserID: u.ID, Activo: u.Activo, AreaID: u.AreaID, Roles: u.Roles}, nil
}

// UserRoles returns the roles of a user, or nil if unknown.
func (s Service) UserRoles(ctx context.Context, userID string) ([]string, error) {
	return repo.Repo{DB: s.DB}.UserRoles(ctx, nil, userID)
}
