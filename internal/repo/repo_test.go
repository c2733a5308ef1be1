package repo_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tramiteline/internal/config"
	"tramiteline/internal/db"
	"tramiteline/internal/domain"
	"tramiteline/internal/engine"
	"tramiteline/internal/migrate"
	"tramiteline/internal/repo"
)

type fixture struct {
	Repo      repo.Repo
	Tramite   domain.Tramite
	Remitente string
	Receptor  string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	t.Cleanup(func() { conn.Close() })

	ctx := context.Background()
	e := engine.New(conn, config.Default())
	area, err := e.CreateArea(ctx, "Finanzas")
	require.NoError(t, err)
	rem, err := e.CreateUsuario(ctx, domain.Usuario{DNI: "1", Nombres: "rosa", Correo: "rosa@example.org", Activo: true, AreaID: area.ID, Roles: []string{domain.RolResponsable}})
	require.NoError(t, err)
	rec, err := e.CreateUsuario(ctx, domain.Usuario{DNI: "2", Nombres: "juan", Correo: "juan@example.org", Activo: true, AreaID: area.ID, Roles: []string{domain.RolTrabajador}})
	require.NoError(t, err)
	tipo, err := e.CreateTipoDocumento(ctx, domain.TipoDocumento{Codigo: "CONTRATO", Nombre: "Contrato", RequiereFirma: true})
	require.NoError(t, err)
	doc, err := e.CreateDocumento(ctx, domain.Documento{Titulo: "Contrato", TipoID: tipo.ID, CreadoPor: rem.ID})
	require.NoError(t, err)
	tr, err := e.CreateTramite(ctx, engine.CreateOptions{DocumentoID: doc.ID, ReceptorID: rec.ID, Asunto: "Contrato", ActorID: rem.ID})
	require.NoError(t, err)
	return fixture{Repo: e.Repo, Tramite: tr, Remitente: rem.ID, Receptor: rec.ID}
}

func (f fixture) insertCodigo(t *testing.T, id string) domain.CodigoVerificacion {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.Repo.InsertCodigo(ctx, nil, domain.CodigoVerificacion{
		ID:            id,
		TramiteID:     f.Tramite.ID,
		UsuarioID:     f.Receptor,
		Codigo:        "123456",
		EmailDestino:  "j***n@example.org",
		ExpiraEn:      "2030-01-01T00:05:00Z",
		FechaCreacion: "2030-01-01T00:00:00Z",
	}))
	c, err := f.Repo.LatestUnusedCodigo(ctx, nil, f.Tramite.ID, f.Receptor)
	require.NoError(t, err)
	require.Equal(t, id, c.ID)
	return c
}

func TestRecordCodigoFailureIsCheckAndSet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.insertCodigo(t, "c1")
	lock := "2030-01-01T00:15:00Z"

	res, err := f.Repo.RecordCodigoFailure(ctx, nil, c.ID, c.Version, 3, lock)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Intentos)
	assert.False(t, res.Bloqueado)

	_, err = f.Repo.RecordCodigoFailure(ctx, nil, c.ID, c.Version, 3, lock)
	assert.ErrorIs(t, err, repo.ErrStale)

	res, err = f.Repo.RecordCodigoFailure(ctx, nil, c.ID, c.Version+1, 3, lock)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Intentos)
	res, err = f.Repo.RecordCodigoFailure(ctx, nil, c.ID, c.Version+2, 3, lock)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Intentos)
	assert.True(t, res.Bloqueado)
	assert.Equal(t, lock, res.BloqueadoHasta)

	_, err = f.Repo.LatestUnusedCodigo(ctx, nil, f.Tramite.ID, f.Receptor)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	until, err := f.Repo.ActiveLockout(ctx, nil, f.Receptor, "2030-01-01T00:10:00Z")
	require.NoError(t, err)
	assert.Equal(t, lock, until)
	_, err = f.Repo.ActiveLockout(ctx, nil, f.Receptor, "2030-01-01T00:15:00Z")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestInvalidateCodigosRetiresEveryLiveCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.insertCodigo(t, "c1")
	f.insertCodigo(t, "c2")

	n, err := f.Repo.InvalidateCodigos(ctx, nil, f.Tramite.ID, f.Receptor)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	assert.ErrorIs(t, f.Repo.MarkCodigoUsado(ctx, nil, first.ID, first.Version, "2030-01-01T00:01:00Z"), repo.ErrStale)
	list, err := f.Repo.ListCodigos(ctx, f.Tramite.ID, f.Receptor)
	require.NoError(t, err)
	require.Len(t, list, 2)
	for _, c := range list {
		assert.True(t, c.Usado)
		assert.Nil(t, c.FechaUso)
	}
}

func TestHistorialQueries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entries, err := f.Repo.ListHistorial(ctx, f.Tramite.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.AccionCreacion, entries[0].Accion)
	assert.Equal(t, f.Remitente, entries[0].RealizadoPor)

	latest, err := f.Repo.LatestHistorialID(ctx)
	require.NoError(t, err)
	assert.Equal(t, entries[0].ID, latest)

	after, err := f.Repo.HistorialAfter(ctx, latest, 10)
	require.NoError(t, err)
	assert.Empty(t, after)

	tail, err := f.Repo.LatestHistorial(ctx, 5, domain.AccionFirma, "")
	require.NoError(t, err)
	assert.Empty(t, tail)
	tail, err = f.Repo.LatestHistorial(ctx, 5, domain.AccionCreacion, f.Tramite.ID)
	require.NoError(t, err)
	assert.Len(t, tail, 1)
}
