package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"tramiteline/internal/app"
	"tramiteline/internal/db"
)

// cliIP is recorded as the origin of actions taken from the command line.
const cliIP = "127.0.0.1"

const cliUserAgent = "tl-cli"

var v = app.NewViper()

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Tramiteline CLI",
	Long: `Tramiteline tracks documents sent between users of an organisation.
Core concepts:
- Trámite: one document sent by a remitente to one receptor. It moves ENVIADO -> ABIERTO -> LEIDO and
  ends FIRMADO (signature with an emailed code) or RESPONDIDO (conformity); it can be ANULADO while active.
- Historial: append-only log of every action on a trámite, view it with 'tl tramite historial' or 'tl log tail'.
- Reenvío: a corrected version of a trámite; versions chain back to the first one.
- Observación: an objection raised by the receptor, answered by the remitente (optionally with a reenvío).
- Código: a six digit code mailed to the receptor to sign; five wrong attempts lock the user out for a while.
- Catálogo: areas, users, roles, document types and documents seeded with 'tl catalogo'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(v.GetString("workspace"))
		return err
	},
}

func main() {
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func addPersistentFlags() {
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "usuario id acting on the command")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	_ = v.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = v.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = v.BindPFlag("actor_id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = v.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(tramiteCmd())
	rootCmd.AddCommand(observacionCmd())
	rootCmd.AddCommand(codigoCmd())
	rootCmd.AddCommand(firmaCmd())
	rootCmd.AddCommand(respuestaCmd())
	rootCmd.AddCommand(notificacionCmd())
	rootCmd.AddCommand(catalogoCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, app.Options{Workspace: v.GetString("workspace"), Viper: v})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func actorID() (string, error) {
	id := strings.TrimSpace(v.GetString("actor_id"))
	if id == "" {
		return "", fmt.Errorf("--actor-id (or TRAMITELINE_ACTOR_ID) is required")
	}
	return id, nil
}

// withActor is withApp for commands that act on behalf of a usuario.
func withActor(ctx context.Context, fn func(context.Context, *app.App, string) error) error {
	actor, err := actorID()
	if err != nil {
		return err
	}
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a, actor)
	})
}

func printJSONOrTable(val any) error {
	if v.GetBool("json") {
		return printJSON(val)
	}
	b, _ := json.MarshalIndent(val, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(val any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(val)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
