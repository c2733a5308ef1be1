package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"tramiteline/internal/app"
	"tramiteline/internal/domain"
)

func catalogoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalogo",
		Short: "Seed and inspect master data",
		Long:  "Areas, usuarios, roles, tipos de documento and documentos. These commands do not check the actor's roles.",
	}
	cmd.AddCommand(areaCmd())
	cmd.AddCommand(usuarioCmd())
	cmd.AddCommand(rolCmd())
	cmd.AddCommand(tipoCmd())
	cmd.AddCommand(documentoCmd())
	return cmd
}

func areaCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "area", Short: "Areas"}
	var nombre string
	crear := &cobra.Command{
		Use:   "crear",
		Short: "Create an area",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				area, err := a.Engine.CreateArea(ctx, nombre)
				if err != nil {
					return err
				}
				return printJSONOrTable(area)
			})
		},
	}
	crear.Flags().StringVar(&nombre, "nombre", "", "area name")
	_ = crear.MarkFlagRequired("nombre")
	listar := &cobra.Command{
		Use:   "listar",
		Short: "List areas",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				areas, err := a.Engine.Repo.ListAreas(ctx)
				if err != nil {
					return err
				}
				return printRows(areas, table.Row{"ID", "Nombre"}, func(ar domain.Area) table.Row {
					return table.Row{ar.ID, ar.Nombre}
				})
			})
		},
	}
	cmd.AddCommand(crear, listar)
	return cmd
}

func usuarioCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "usuario", Short: "Usuarios"}
	var u domain.Usuario
	inactivo := false
	crear := &cobra.Command{
		Use:   "crear",
		Short: "Create a usuario with its roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			u.Activo = !inactivo
			for i, r := range u.Roles {
				u.Roles[i] = strings.ToUpper(strings.TrimSpace(r))
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				created, err := a.Engine.CreateUsuario(ctx, u)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	crear.Flags().StringVar(&u.ID, "id", "", "usuario id (generated when empty)")
	crear.Flags().StringVar(&u.DNI, "dni", "", "national id")
	crear.Flags().StringVar(&u.Nombres, "nombres", "", "given names")
	crear.Flags().StringVar(&u.Apellidos, "apellidos", "", "surnames")
	crear.Flags().StringVar(&u.Correo, "correo", "", "email; codes are mailed here")
	crear.Flags().StringVar(&u.AreaID, "area", "", "area id")
	crear.Flags().StringSliceVar(&u.Roles, "rol", nil, "roles: ADMIN, RESP, TRAB")
	crear.Flags().BoolVar(&inactivo, "inactivo", false, "create the usuario deactivated")
	_ = crear.MarkFlagRequired("dni")
	_ = crear.MarkFlagRequired("nombres")
	_ = crear.MarkFlagRequired("correo")

	listar := &cobra.Command{
		Use:   "listar",
		Short: "List usuarios",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				list, err := a.Engine.Repo.ListUsuarios(ctx)
				if err != nil {
					return err
				}
				return printRows(list, table.Row{"ID", "DNI", "Nombre", "Correo", "Area", "Activo"}, func(x domain.Usuario) table.Row {
					return table.Row{x.ID, x.DNI, strings.TrimSpace(x.Nombres + " " + x.Apellidos), x.Correo, x.AreaID, x.Activo}
				})
			})
		},
	}
	cmd.AddCommand(crear, listar, usuarioActivoCmd("activar", true), usuarioActivoCmd("desactivar", false))
	return cmd
}

func usuarioActivoCmd(use string, activo bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: "Set whether a usuario may act",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.SetUsuarioActivo(ctx, args[0], activo)
			})
		},
	}
}

func rolCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rol", Short: "Role assignments"}
	asignar := &cobra.Command{
		Use:   "asignar <usuario-id> <rol>",
		Short: "Grant a role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.AssignRole(ctx, args[0], strings.ToUpper(args[1]))
			})
		},
	}
	revocar := &cobra.Command{
		Use:   "revocar <usuario-id> <rol>",
		Short: "Revoke a role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.RevokeRole(ctx, args[0], strings.ToUpper(args[1]))
			})
		},
	}
	cmd.AddCommand(asignar, revocar)
	return cmd
}

func tipoCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "tipo", Short: "Tipos de documento"}
	var t domain.TipoDocumento
	crear := &cobra.Command{
		Use:   "crear",
		Short: "Create a tipo de documento",
		Long:  "The type decides whether trámites of its documents need a signature or a conformity response.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				created, err := a.Engine.CreateTipoDocumento(ctx, t)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	crear.Flags().StringVar(&t.Codigo, "codigo", "", "short code, e.g. CONTRATO")
	crear.Flags().StringVar(&t.Nombre, "nombre", "", "display name")
	crear.Flags().BoolVar(&t.RequiereFirma, "requiere-firma", false, "trámites need a signature")
	crear.Flags().BoolVar(&t.RequiereRespuesta, "requiere-respuesta", false, "trámites need a conformity response")
	_ = crear.MarkFlagRequired("codigo")
	_ = crear.MarkFlagRequired("nombre")

	listar := &cobra.Command{
		Use:   "listar",
		Short: "List tipos de documento",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				list, err := a.Engine.Repo.ListTiposDocumento(ctx)
				if err != nil {
					return err
				}
				return printRows(list, table.Row{"ID", "Código", "Nombre", "Firma", "Respuesta"}, func(x domain.TipoDocumento) table.Row {
					return table.Row{x.ID, x.Codigo, x.Nombre, x.RequiereFirma, x.RequiereRespuesta}
				})
			})
		},
	}
	cmd.AddCommand(crear, listar)
	return cmd
}

func documentoCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "documento", Short: "Documentos"}
	var d domain.Documento
	crear := &cobra.Command{
		Use:   "crear",
		Short: "Register a documento created by the actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor string) error {
				d.CreadoPor = actor
				created, err := a.Engine.CreateDocumento(ctx, d)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	crear.Flags().StringVar(&d.Titulo, "titulo", "", "title")
	crear.Flags().StringVar(&d.TipoID, "tipo", "", "tipo de documento id")
	crear.Flags().StringVar(&d.RutaArchivo, "ruta", "", "path of the stored file")
	_ = crear.MarkFlagRequired("titulo")
	_ = crear.MarkFlagRequired("tipo")

	listar := &cobra.Command{
		Use:   "listar",
		Short: "List documentos",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				list, err := a.Engine.Repo.ListDocumentos(ctx)
				if err != nil {
					return err
				}
				return printRows(list, table.Row{"ID", "Título", "Tipo", "Creado por", "Fecha"}, func(x domain.Documento) table.Row {
					return table.Row{x.ID, x.Titulo, x.TipoID, x.CreadoPor, x.FechaCreacion}
				})
			})
		},
	}
	cmd.AddCommand(crear, listar)
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "API keys for the HTTP server"}
	var nombre string
	crear := &cobra.Command{
		Use:   "crear",
		Short: "Mint an API key for the actor",
		Long:  "The key is printed once. Send it as X-Api-Key; only its hash is stored.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor string) error {
				plain, key, err := a.Engine.CreateAPIKey(ctx, actor, nombre)
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(map[string]any{"key": plain, "id": key.ID, "id_usuario": key.UsuarioID, "name": key.Name})
				}
				fmt.Printf("API key %s for %s:\n%s\n", key.ID, key.UsuarioID, plain)
				return nil
			})
		},
	}
	crear.Flags().StringVar(&nombre, "nombre", "", "label for the key")
	cmd.AddCommand(crear)
	return cmd
}

func notificacionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "notificacion", Short: "The actor's notification inbox"}
	var soloNoLeidas bool
	var limit int
	listar := &cobra.Command{
		Use:   "listar",
		Short: "List notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor string) error {
				inbox, err := a.Engine.Inbox(ctx, actor, soloNoLeidas, limit)
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(inbox)
				}
				fmt.Printf("No leídas: %d\n", inbox.NoLeidas)
				return printRows(inbox.Notificaciones, table.Row{"ID", "Tipo", "Trámite", "Leída", "Fecha", "Título"}, func(n domain.Notificacion) table.Row {
					return table.Row{n.ID, n.Tipo, deref(n.TramiteID), n.Leida, n.FechaCreacion, n.Titulo}
				})
			})
		},
	}
	listar.Flags().BoolVar(&soloNoLeidas, "no-leidas", false, "only unread notifications")
	listar.Flags().IntVar(&limit, "limit", 50, "maximum notifications")

	marcar := &cobra.Command{
		Use:   "marcar <id>",
		Short: "Mark one notification as read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid notification id %q", args[0])
			}
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor string) error {
				return a.Engine.MarkNotificacionLeida(ctx, actor, id)
			})
		},
	}
	todas := &cobra.Command{
		Use:   "marcar-todas",
		Short: "Mark every notification as read",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor string) error {
				n, err := a.Engine.MarkTodasLeidas(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int64{"marcadas": n})
			})
		},
	}
	cmd.AddCommand(listar, marcar, todas)
	return cmd
}

// printRows renders list as a table, or JSON when --json is set.
func printRows[T any](list []T, header table.Row, row func(T) table.Row) error {
	if v.GetBool("json") {
		if list == nil {
			list = []T{}
		}
		return printJSON(list)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	for _, item := range list {
		tw.AppendRow(row(item))
	}
	tw.Render()
	return nil
}
