package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"tramiteline/internal/app"
	"tramiteline/internal/domain"
	"tramiteline/internal/engine"
)

func tramiteCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "tramite", Short: "Send and follow trámites"}
	cmd.AddCommand(tramiteCrearCmd())
	cmd.AddCommand(tramiteLoteCmd())
	cmd.AddCommand(tramiteListarCmd())
	cmd.AddCommand(tramiteVerCmd())
	cmd.AddCommand(tramiteAdvanceCmd("abrir", "Mark a trámite as opened", engine.Engine.Open))
	cmd.AddCommand(tramiteAdvanceCmd("leer", "Mark a trámite as read", engine.Engine.Read))
	cmd.AddCommand(tramiteAnularCmd())
	cmd.AddCommand(tramiteReenviarCmd())
	cmd.AddCommand(tramiteHistorialCmd())
	cmd.AddCommand(tramiteVersionesCmd())
	cmd.AddCommand(tramiteEstadisticasCmd())
	return cmd
}

func tramiteCrearCmd() *cobra.Command {
	var opts engine.CreateOptions
	cmd := &cobra.Command{
		Use:   "crear",
		Short: "Send a document to a receptor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor string) error {
				opts.ActorID, opts.IP = actor, cliIP
				t, err := a.Engine.CreateTramite(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.DocumentoID, "documento", "", "documento id")
	cmd.Flags().StringVar(&opts.ReceptorID, "receptor", "", "receptor usuario id")
	cmd.Flags().StringVar(&opts.Asunto, "asunto", "", "subject")
	cmd.Flags().StringVar(&opts.Mensaje, "mensaje", "", "optional message")
	_ = cmd.MarkFlagRequired("documento")
	_ = cmd.MarkFlagRequired("receptor")
	_ = cmd.MarkFlagRequired("asunto")
	return cmd
}

func tramiteLoteCmd() *cobra.Command {
	var opts engine.BulkCreateOptions
	cmd := &cobra.Command{
		Use:   "lote",
		Short: "Send the same document to several receptores",
		Long:  "Creates one trámite per receptor. Either every trámite is created or none is.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor string) error {
				opts.ActorID, opts.IP = actor, cliIP
				list, err := a.Engine.CreateTramitesBulk(ctx, opts)
				if err != nil {
					return err
				}
				return printTramites(list)
			})
		},
	}
	cmd.Flags().StringVar(&opts.DocumentoID, "documento", "", "documento id")
	cmd.Flags().StringSliceVar(&opts.ReceptorIDs, "receptores", nil, "receptor usuario ids (comma separated)")
	cmd.Flags().StringVar(&opts.Asunto, "asunto", "", "subject")
	cmd.Flags().StringVar(&opts.Mensaje, "mensaje", "", "optional message")
	_ = cmd.MarkFlagRequired("documento")
	_ = cmd.MarkFlagRequired("receptores")
	_ = cmd.MarkFlagRequired("asunto")
	return cmd
}

func tramiteListarCmd() *cobra.Command {
	var opts engine.ListOptions
	var cursor string
	cmd := &cobra.Command{
		Use:   "listar",
		Short: "List trámites visible to the actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cursor != "" {
				fecha, id, ok := strings.Cut(cursor, "|")
				if !ok {
					return fmt.Errorf("--cursor must look like <fecha_envio>|<id>")
				}
				opts.CursorFecha, opts.CursorID = fecha, id
			}
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor string) error {
				opts.ViewerID = actor
				list, err := a.Engine.List(ctx, opts)
				if err != nil {
					return err
				}
				return printTramites(list)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Estado, "estado", "", "estado filter")
	cmd.Flags().StringVar(&opts.RemitenteID, "remitente", "", "remitente filter")
	cmd.Flags().StringVar(&opts.ReceptorID, "receptor", "", "receptor filter")
	cmd.Flags().StringVar(&opts.AreaID, "area", "", "area of the remitente")
	cmd.Flags().StringVar(&opts.Search, "buscar", "", "search in codigo and asunto")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "page size")
	cmd.Flags().StringVar(&cursor, "cursor", "", "continue after <fecha_envio>|<id>")
	return cmd
}

func tramiteVerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ver <id>",
		Short: "Show a trámite",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor string) error {
				t, err := a.Engine.Get(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

type advanceFunc func(e engine.Engine, ctx context.Context, id, actorID, ip string) (domain.Tramite, error)

func tramiteAdvanceCmd(use, short string, advance advanceFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor string) error {
				t, err := advance(a.Engine, ctx, args[0], actor, cliIP)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func tramiteAnularCmd() *cobra.Command {
	var motivo string
	cmd := &cobra.Command{
		Use:   "anular <id>",
		Short: "Annul an active trámite",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor string) error {
				t, err := a.Engine.Annul(ctx, engine.AnnulOptions{ID: args[0], ActorID: actor, Motivo: motivo, IP: cliIP})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&motivo, "motivo", "", "reason for the annulment")
	_ = cmd.MarkFlagRequired("motivo")
	return cmd
}

func tramiteReenviarCmd() *cobra.Command {
	var opts engine.ForkOptions
	cmd := &cobra.Command{
		Use:   "reenviar <id>",
		Short: "Send a corrected version of a trámite",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor string) error {
				opts.TramiteID, opts.ActorID, opts.IP = args[0], actor, cliIP
				t, err := a.Engine.Fork(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.DocumentoID, "documento", "", "corrected documento id")
	cmd.Flags().StringVar(&opts.Motivo, "motivo", "", "reason for the reenvío")
	cmd.Flags().StringVar(&opts.Asunto, "asunto", "", "subject (defaults to the previous one)")
	cmd.Flags().StringVar(&opts.Mensaje, "mensaje", "", "optional message")
	_ = cmd.MarkFlagRequired("documento")
	_ = cmd.MarkFlagRequired("motivo")
	return cmd
}

func tramiteHistorialCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "historial <id>",
		Short: "Show the audit trail of a trámite",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor string) error {
				entries, err := a.Engine.History(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printHistorial(entries)
			})
		},
	}
}

func tramiteVersionesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "versiones <id>",
		Short: "List every version of a trámite's reenvío chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor string) error {
				list, err := a.Engine.Versions(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printTramites(list)
			})
		},
	}
}

func tramiteEstadisticasCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "estadisticas",
		Short: "Count trámites visible to the actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor string) error {
				counts, err := a.Engine.Statistics(ctx, actor)
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(counts)
				}
				fmt.Printf("Total: %d\n", counts.Total)
				fmt.Println("Por estado:")
				for _, estado := range domain.Estados {
					fmt.Printf("  %s: %d\n", estado, counts.PorEstado[estado])
				}
				fmt.Printf("Pendientes de firma: %d\n", counts.PendientesFirma)
				fmt.Printf("Pendientes de respuesta: %d\n", counts.PendientesRespuesta)
				fmt.Printf("Reenvíos: %d\n", counts.Reenvios)
				fmt.Printf("Observaciones pendientes: %d\n", counts.ObservacionesPendientes)
				return nil
			})
		},
	}
}

func printTramites(list []domain.Tramite) error {
	if v.GetBool("json") {
		if list == nil {
			list = []domain.Tramite{}
		}
		return printJSON(list)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Código", "Estado", "Asunto", "Receptor", "Versión", "Enviado"})
	for _, t := range list {
		tw.AppendRow(table.Row{t.ID, t.Codigo, t.Estado, t.Asunto, t.ReceptorID, t.NumeroVersion, t.FechaEnvio})
	}
	if n := len(list); n > 0 {
		last := list[n-1]
		tw.AppendFooter(table.Row{"", "", "", "", "", "cursor", last.FechaEnvio + "|" + last.ID})
	}
	tw.Render()
	return nil
}

func printHistorial(entries []domain.HistorialEntry) error {
	if v.GetBool("json") {
		if entries == nil {
			entries = []domain.HistorialEntry{}
		}
		return printJSON(entries)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"#", "Trámite", "Acción", "Estado", "Por", "Fecha", "Detalle"})
	for _, h := range entries {
		estado := deref(h.EstadoNuevo)
		if h.EstadoAnterior != nil && deref(h.EstadoAnterior) != estado {
			estado = *h.EstadoAnterior + " -> " + estado
		}
		tw.AppendRow(table.Row{h.ID, h.TramiteID, h.Accion, estado, h.RealizadoPor, h.Fecha, h.Detalle})
	}
	tw.Render()
	return nil
}
