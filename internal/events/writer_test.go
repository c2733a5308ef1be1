package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tramiteline/internal/config"
	"tramiteline/internal/db"
	"tramiteline/internal/domain"
	"tramiteline/internal/engine"
	"tramiteline/internal/events"
	"tramiteline/internal/migrate"
)

func seedTramite(t *testing.T) (engine.Engine, domain.Tramite) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	e := engine.New(conn, config.Default())
	area, err := e.CreateArea(ctx, "Legal")
	require.NoError(t, err)
	rem, err := e.CreateUsuario(ctx, domain.Usuario{DNI: "1", Nombres: "rosa", Correo: "rosa@example.org", Activo: true, AreaID: area.ID, Roles: []string{domain.RolResponsable}})
	require.NoError(t, err)
	rec, err := e.CreateUsuario(ctx, domain.Usuario{DNI: "2", Nombres: "juan", Correo: "juan@example.org", Activo: true, AreaID: area.ID, Roles: []string{domain.RolTrabajador}})
	require.NoError(t, err)
	tipo, err := e.CreateTipoDocumento(ctx, domain.TipoDocumento{Codigo: "AVISO", Nombre: "Aviso"})
	require.NoError(t, err)
	doc, err := e.CreateDocumento(ctx, domain.Documento{Titulo: "Aviso", TipoID: tipo.ID, CreadoPor: rem.ID})
	require.NoError(t, err)
	tr, err := e.CreateTramite(ctx, engine.CreateOptions{DocumentoID: doc.ID, ReceptorID: rec.ID, Asunto: "Aviso", ActorID: rem.ID})
	require.NoError(t, err)
	return e, tr
}

func TestAppendCommitsWithTransaction(t *testing.T) {
	e, tr := seedTramite(t)
	ctx := context.Background()
	fixed := time.Date(2024, 3, 1, 9, 30, 15, 500, time.FixedZone("PET", -5*3600))
	w := events.Writer{Now: func() time.Time { return fixed }}

	tx, err := e.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	entry, err := w.Append(ctx, tx, events.Entry{
		TramiteID:   tr.ID,
		Accion:      domain.AccionLectura,
		Detalle:     "leído",
		EstadoNuevo: domain.EstadoLeido,
		ActorID:     tr.ReceptorID,
		Payload:     events.Payload{"origen": "test"},
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Equal(t, "2024-03-01T14:30:15Z", entry.Fecha)
	assert.Nil(t, entry.EstadoAnterior)
	stored, err := e.Repo.ListHistorial(ctx, tr.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	last := stored[1]
	assert.Equal(t, entry.ID, last.ID)
	assert.Equal(t, domain.EstadoLeido, *last.EstadoNuevo)
	assert.Equal(t, "test", last.DatosAdicionales["origen"])
}

func TestAppendRollsBackWithTransaction(t *testing.T) {
	e, tr := seedTramite(t)
	ctx := context.Background()
	tx, err := e.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = events.Writer{}.Append(ctx, tx, events.Entry{TramiteID: tr.ID, Accion: domain.AccionApertura, ActorID: tr.ReceptorID})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	stored, err := e.Repo.ListHistorial(ctx, tr.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestAppendValidatesEntry(t *testing.T) {
	_, err := events.Writer{}.Append(context.Background(), nil, events.Entry{TramiteID: "x", Accion: "A", ActorID: "u"})
	assert.Error(t, err)

	e, _ := seedTramite(t)
	tx, err := e.DB.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = events.Writer{}.Append(context.Background(), tx, events.Entry{TramiteID: "x", Accion: "A"})
	assert.Error(t, err)
}
