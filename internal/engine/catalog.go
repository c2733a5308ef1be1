package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"tramiteline/internal/domain"
	"tramiteline/internal/repo"
)

// The catalog operations seed master data so trámites can be exercised. They carry no
// lifecycle rules of their own.

func (e Engine) CreateArea(ctx context.Context, nombre string) (domain.Area, error) {
	if strings.TrimSpace(nombre) == "" {
		return domain.Area{}, preconditionf(CodeInvalidInput, "nombre is required")
	}
	a := domain.Area{ID: uuid.NewString(), Nombre: strings.TrimSpace(nombre)}
	return a, e.Repo.InsertArea(ctx, nil, a)
}

// CreateUsuario inserts a user and its roles atomically.
func (e Engine) CreateUsuario(ctx context.Context, u domain.Usuario) (domain.Usuario, error) {
	if u.DNI == "" || u.Nombres == "" || u.Correo == "" {
		return domain.Usuario{}, preconditionf(CodeInvalidInput, "dni, nombres and correo are required")
	}
	for _, r := range u.Roles {
		if !domain.ValidRol(r) {
			return domain.Usuario{}, preconditionf(CodeInvalidInput, "unknown rol %s", r)
		}
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Usuario{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertUsuario(ctx, tx, u, stamp(e.now())); err != nil {
		return domain.Usuario{}, fmt.Errorf("insert usuario: %w", err)
	}
	for _, r := range u.Roles {
		if err := e.Repo.AssignRole(ctx, tx, u.ID, r); err != nil {
			return domain.Usuario{}, err
		}
	}
	return u, tx.Commit()
}

func (e Engine) SetUsuarioActivo(ctx context.Context, id string, activo bool) error {
	err := e.Repo.SetUsuarioActivo(ctx, nil, id, activo)
	if errors.Is(err, repo.ErrStale) {
		return notFound("usuario", id)
	}
	return err
}

func (e Engine) AssignRole(ctx context.Context, userID, rol string) error {
	if !domain.ValidRol(rol) {
		return preconditionf(CodeInvalidInput, "unknown rol %s", rol)
	}
	return e.Repo.AssignRole(ctx, nil, userID, rol)
}

func (e Engine) RevokeRole(ctx context.Context, userID, rol string) error {
	return e.Repo.RevokeRole(ctx, nil, userID, rol)
}

func (e Engine) CreateTipoDocumento(ctx context.Context, t domain.TipoDocumento) (domain.TipoDocumento, error) {
	if t.Codigo == "" || t.Nombre == "" {
		return domain.TipoDocumento{}, preconditionf(CodeInvalidInput, "codigo and nombre are required")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return t, e.Repo.InsertTipoDocumento(ctx, nil, t)
}

func (e Engine) CreateDocumento(ctx context.Context, d domain.Documento) (domain.Documento, error) {
	if d.Titulo == "" || d.TipoID == "" || d.CreadoPor == "" {
		return domain.Documento{}, preconditionf(CodeInvalidInput, "titulo, id_tipo and creado_por are required")
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.FechaCreacion = stamp(e.now())
	return d, e.Repo.InsertDocumento(ctx, nil, d)
}

// CreateAPIKey mints a random key for a user. The plain key is returned once; only its hash
// is stored.
func (e Engine) CreateAPIKey(ctx context.Context, userID, name string) (string, domain.APIKey, error) {
	if _, err := e.capabilities(ctx, nil, userID); err != nil {
		return "", domain.APIKey{}, err
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, err
	}
	plain := "tl_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		UsuarioID: userID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: stamp(e.now()),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return "", domain.APIKey{}, err
	}
	return plain, key, nil
}
