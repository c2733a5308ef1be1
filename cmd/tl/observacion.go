package main

import (
	"context"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"tramiteline/internal/app"
	"tramiteline/internal/domain"
	"tramiteline/internal/engine"
)

func observacionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "observacion", Short: "Raise and resolve observaciones"}
	cmd.AddCommand(observacionCrearCmd())
	cmd.AddCommand(observacionListarCmd())
	cmd.AddCommand(observacionPendientesCmd())
	cmd.AddCommand(observacionVerCmd())
	cmd.AddCommand(observacionResolverCmd())
	cmd.AddCommand(observacionEstadisticasCmd())
	return cmd
}

func observacionCrearCmd() *cobra.Command {
	var opts engine.ObservacionOptions
	cmd := &cobra.Command{
		Use:   "crear <tramite-id>",
		Short: "Object to an active trámite (receptor only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor string) error {
				opts.TramiteID, opts.ActorID, opts.IP = args[0], actor, cliIP
				o, err := a.Engine.CreateObservacion(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Tipo, "tipo", domain.ObservacionConsulta, "CONSULTA, CORRECCION_REQUERIDA or INFORMACION_ADICIONAL")
	cmd.Flags().StringVar(&opts.Descripcion, "descripcion", "", "what is wrong")
	_ = cmd.MarkFlagRequired("descripcion")
	return cmd
}

func observacionListarCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listar <tramite-id>",
		Short: "List the observaciones of a trámite",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor string) error {
				list, err := a.Engine.ListObservaciones(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printObservaciones(list)
			})
		},
	}
}

func observacionPendientesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pendientes",
		Short: "List unresolved observaciones on trámites the actor sent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor string) error {
				list, err := a.Engine.PendingObservaciones(ctx, actor)
				if err != nil {
					return err
				}
				return printObservaciones(list)
			})
		},
	}
}

func observacionVerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ver <id>",
		Short: "Show an observación",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor string) error {
				o, err := a.Engine.GetObservacion(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
}

func observacionResolverCmd() *cobra.Command {
	var opts engine.ResolveOptions
	cmd := &cobra.Command{
		Use:   "resolver <id>",
		Short: "Answer an observación (remitente only)",
		Long:  "Answers the observación. With --documento-corregido a new version of the trámite is sent as well.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.IncluyeReenvio = opts.DocumentoCorregidoID != ""
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor string) error {
				opts.ObservacionID, opts.ActorID, opts.IP = args[0], actor, cliIP
				res, err := a.Engine.ResolveObservacion(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Respuesta, "respuesta", "", "answer to the observación")
	cmd.Flags().StringVar(&opts.DocumentoCorregidoID, "documento-corregido", "", "resubmit with this documento")
	cmd.Flags().StringVar(&opts.AsuntoReenvio, "asunto", "", "subject of the reenvío")
	cmd.Flags().StringVar(&opts.MensajeReenvio, "mensaje", "", "message of the reenvío")
	_ = cmd.MarkFlagRequired("respuesta")
	return cmd
}

func observacionEstadisticasCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "estadisticas",
		Short: "Count observaciones (admin only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor string) error {
				counts, err := a.Engine.ObservacionStatistics(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(counts)
			})
		},
	}
}

func printObservaciones(list []domain.Observacion) error {
	if v.GetBool("json") {
		if list == nil {
			list = []domain.Observacion{}
		}
		return printJSON(list)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Trámite", "Tipo", "Resuelta", "Creada", "Descripción"})
	for _, o := range list {
		tw.AppendRow(table.Row{o.ID, o.TramiteID, o.Tipo, o.Resuelta, o.FechaCreacion, o.Descripcion})
	}
	tw.Render()
	return nil
}
