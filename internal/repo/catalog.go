package repo

import (
	"context"
	"database/sql"
	"errors"

	"tramiteline/internal/domain"
)

func (r Repo) InsertArea(ctx context.Context, tx *sql.Tx, a domain.Area) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO areas(id, nombre) VALUES (?,?)`, a.ID, a.Nombre)
	return err
}

func (r Repo) ListAreas(ctx context.Context) ([]domain.Area, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, nombre FROM areas ORDER BY nombre`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Area
	for rows.Next() {
		var a domain.Area
		if err := rows.Scan(&a.ID, &a.Nombre); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) InsertUsuario(ctx context.Context, tx *sql.Tx, u domain.Usuario, now string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO usuarios(id, dni, nombres, apellidos, correo, activo, id_area, fecha_creacion) VALUES (?,?,?,?,?,?,?,?)`,
		u.ID, u.DNI, u.Nombres, u.Apellidos, u.Correo, boolInt(u.Activo), nullable(u.AreaID), now)
	return err
}

func (r Repo) SetUsuarioActivo(ctx context.Context, tx *sql.Tx, id string, activo bool) error {
	return expectOne(r.q(tx).ExecContext(ctx, `UPDATE usuarios SET activo=? WHERE id=?`, boolInt(activo), id))
}

const usuarioColumns = `id, dni, nombres, apellidos, correo, activo, COALESCE(id_area,'')`

func (r Repo) GetUsuario(ctx context.Context, tx *sql.Tx, id string) (domain.Usuario, error) {
	var u domain.Usuario
	err := r.q(tx).QueryRowContext(ctx, `SELECT `+usuarioColumns+` FROM usuarios WHERE id=?`, id).
		Scan(&u.ID, &u.DNI, &u.Nombres, &u.Apellidos, &u.Correo, &u.Activo, &u.AreaID)
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.Roles, err = r.UserRoles(ctx, tx, id)
	return u, err
}

func (r Repo) ListUsuarios(ctx context.Context) ([]domain.Usuario, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+usuarioColumns+` FROM usuarios ORDER BY apellidos, nombres`)
	if err != nil {
		return nil, err
	}
	var res []domain.Usuario
	for rows.Next() {
		var u domain.Usuario
		if err := rows.Scan(&u.ID, &u.DNI, &u.Nombres, &u.Apellidos, &u.Correo, &u.Activo, &u.AreaID); err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, u)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}
	for i := range res {
		if res[i].Roles, err = r.UserRoles(ctx, nil, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (r Repo) InsertTipoDocumento(ctx context.Context, tx *sql.Tx, t domain.TipoDocumento) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO tipos_documento(id, codigo, nombre, requiere_firma, requiere_respuesta) VALUES (?,?,?,?,?)`,
		t.ID, t.Codigo, t.Nombre, boolInt(t.RequiereFirma), boolInt(t.RequiereRespuesta))
	return err
}

func (r Repo) ListTiposDocumento(ctx context.Context) ([]domain.TipoDocumento, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, codigo, nombre, requiere_firma, requiere_respuesta FROM tipos_documento ORDER BY codigo`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TipoDocumento
	for rows.Next() {
		var t domain.TipoDocumento
		if err := rows.Scan(&t.ID, &t.Codigo, &t.Nombre, &t.RequiereFirma, &t.RequiereRespuesta); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) InsertDocumento(ctx context.Context, tx *sql.Tx, d domain.Documento) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO documentos(id, titulo, id_tipo, ruta_archivo, creado_por, fecha_creacion) VALUES (?,?,?,?,?,?)`,
		d.ID, d.Titulo, d.TipoID, nullable(d.RutaArchivo), d.CreadoPor, d.FechaCreacion)
	return err
}

func (r Repo) ListDocumentos(ctx context.Context) ([]domain.Documento, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, titulo, id_tipo, COALESCE(ruta_archivo,''), creado_por, fecha_creacion FROM documentos ORDER BY fecha_creacion DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Documento
	for rows.Next() {
		var d domain.Documento
		if err := rows.Scan(&d.ID, &d.Titulo, &d.TipoID, &d.RutaArchivo, &d.CreadoPor, &d.FechaCreacion); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// GetDocumentoTipo returns the flags of the document's type. A document whose type row is
// missing is reported as ErrNotFound.
func (r Repo) GetDocumentoTipo(ctx context.Context, tx *sql.Tx, documentoID string) (domain.DocumentoTipo, error) {
	var d domain.DocumentoTipo
	err := r.q(tx).QueryRowContext(ctx, `SELECT d.id, d.titulo, t.requiere_firma, t.requiere_respuesta
FROM documentos d JOIN tipos_documento t ON t.id=d.id_tipo WHERE d.id=?`, documentoID).
		Scan(&d.DocumentoID, &d.Titulo, &d.RequiereFirma, &d.RequiereRespuesta)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	return d, err
}
