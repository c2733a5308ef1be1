package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"tramiteline/internal/app"
	"tramiteline/internal/engine"
)

func codigoCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "codigo", Short: "Signature verification codes"}
	cmd.AddCommand(codigoEmitirCmd())
	cmd.AddCommand(codigoValidarCmd())
	cmd.AddCommand(codigoListarCmd())
	cmd.AddCommand(codigoEstadisticasCmd())
	return cmd
}

func codigoEmitirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "emitir <tramite-id>",
		Short: "Mail a new signing code to the receptor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor string) error {
				res, err := a.Engine.IssueCode(ctx, engine.IssueOptions{TramiteID: args[0], ActorID: actor, IP: cliIP, UserAgent: cliUserAgent})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func codigoValidarCmd() *cobra.Command {
	var codigo string
	cmd := &cobra.Command{
		Use:   "validar <tramite-id>",
		Short: "Check and consume a code without signing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor string) error {
				err := a.Engine.ValidateCode(ctx, engine.ValidateOptions{TramiteID: args[0], ActorID: actor, Codigo: codigo, IP: cliIP})
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]bool{"valido": true})
			})
		},
	}
	cmd.Flags().StringVar(&codigo, "codigo", "", "six digit code")
	_ = cmd.MarkFlagRequired("codigo")
	return cmd
}

// codigoListarCmd reads the repository directly; it is an operator diagnostic.
func codigoListarCmd() *cobra.Command {
	var usuario string
	cmd := &cobra.Command{
		Use:   "listar <tramite-id>",
		Short: "List the codes issued for a trámite and usuario",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				list, err := a.Engine.Repo.ListCodigos(ctx, args[0], usuario)
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(list)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Email", "Creado", "Expira", "Usado", "Fallidos", "Bloqueado hasta"})
				for _, c := range list {
					tw.AppendRow(table.Row{c.ID, c.EmailDestino, c.FechaCreacion, c.ExpiraEn, c.Usado, strconv.Itoa(c.IntentosFallidos), deref(c.BloqueadoHasta)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&usuario, "usuario", "", "usuario id the codes were issued to")
	_ = cmd.MarkFlagRequired("usuario")
	return cmd
}

func codigoEstadisticasCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "estadisticas",
		Short: "Code usage statistics (admin only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor string) error {
				counts, err := a.Engine.CodeStatistics(ctx, actor)
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(counts)
				}
				fmt.Printf("Emitidos: %d (activos %d, expirados %d)\n", counts.Total, counts.Activos, counts.Expirados)
				fmt.Printf("Usados: %d, exitosos: %d, tasa de éxito: %.1f%%\n", counts.Usados, counts.Exitosos, counts.TasaExito*100)
				fmt.Printf("Usuarios bloqueados: %d\n", counts.Bloqueos)
				return nil
			})
		},
	}
}

func firmaCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "firma", Short: "Electronic signatures"}
	cmd.AddCommand(firmaFirmarCmd())
	cmd.AddCommand(firmaVerCmd())
	return cmd
}

func firmaFirmarCmd() *cobra.Command {
	var codigo string
	var acepta bool
	cmd := &cobra.Command{
		Use:   "firmar <tramite-id>",
		Short: "Sign a trámite with the mailed code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor string) error {
				f, err := a.Engine.SignWithCode(ctx, engine.SignOptions{
					TramiteID:      args[0],
					ActorID:        actor,
					Codigo:         codigo,
					AceptaTerminos: acepta,
					IP:             cliIP,
					UserAgent:      cliUserAgent,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	cmd.Flags().StringVar(&codigo, "codigo", "", "six digit code")
	cmd.Flags().BoolVar(&acepta, "acepta-terminos", false, "accept the signature terms")
	_ = cmd.MarkFlagRequired("codigo")
	return cmd
}

func firmaVerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ver <tramite-id>",
		Short: "Show the signature evidence of a trámite",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor string) error {
				f, err := a.Engine.GetFirma(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
}

func respuestaCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "respuesta", Short: "Conformity responses"}
	cmd.AddCommand(respuestaEnviarCmd())
	cmd.AddCommand(respuestaVerCmd())
	return cmd
}

func respuestaEnviarCmd() *cobra.Command {
	var acepta bool
	cmd := &cobra.Command{
		Use:   "enviar <tramite-id>",
		Short: "Confirm conformity with a trámite",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor string) error {
				r, err := a.Engine.Respond(ctx, engine.RespondOptions{
					TramiteID:         args[0],
					ActorID:           actor,
					AceptaConformidad: acepta,
					IP:                cliIP,
					UserAgent:         cliUserAgent,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().BoolVar(&acepta, "acepta-conformidad", false, "confirm conformity")
	return cmd
}

func respuestaVerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ver <tramite-id>",
		Short: "Show the conformity response of a trámite",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor string) error {
				r, err := a.Engine.GetRespuesta(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
}
