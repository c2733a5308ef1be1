package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"tramiteline/internal/app"
	"tramiteline/internal/config"
	"tramiteline/internal/server"
)

func serveCmd() *cobra.Command {
	var basePath string
	var dev bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long: `Serves the HTTP API and runs the outbound webhook dispatcher.
Bearer tokens are signed with TRAMITELINE_JWT_SECRET. --dev also accepts the X-Actor-Id header
and exposes POST /auth/dev/login; never use it on a reachable address.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := v.GetString("jwt_secret")
			if secret == "" && !dev {
				return fmt.Errorf("TRAMITELINE_JWT_SECRET is required for bearer auth (or run with --dev)")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, func(ctx context.Context, a *app.App) error {
				if basePath == "" {
					basePath = a.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					BasePath: basePath,
					Auth: server.AuthConfig{
						JWTSecret:        secret,
						AllowActorHeader: dev,
						AllowDevLogin:    dev && secret != "",
						Logger:           a.Logger.With(zap.String("component", "auth")),
					},
					Logger: a.Logger.With(zap.String("component", "http")),
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: a.Config.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					a.Logger.Info("serving tramiteline API",
						zap.String("addr", srv.Addr),
						zap.String("base_path", basePath),
						zap.Bool("dev", dev))
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				if d := server.NewWebhookDispatcher(a.Engine.Repo, a.Config.Webhooks, a.Logger.With(zap.String("component", "webhooks"))); d != nil {
					g.Go(func() error { return d.Run(gctx) })
				}
				return g.Wait()
			})
		},
	}
	cmd.Flags().String("addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path)")
	cmd.Flags().BoolVar(&dev, "dev", false, "accept X-Actor-Id and enable dev login")
	_ = v.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	return cmd
}

func tokenCmd() *cobra.Command {
	var usuario string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for a usuario",
		Long:  "Signs a JWT with TRAMITELINE_JWT_SECRET. Roles are embedded for clients; the server re-reads them on every request.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if usuario == "" {
				id, err := actorID()
				if err != nil {
					return err
				}
				usuario = id
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				caps, err := a.Engine.Auth.Capabilities(ctx, nil, usuario)
				if err != nil {
					return fmt.Errorf("usuario %s: %w", usuario, err)
				}
				if !caps.Activo {
					return fmt.Errorf("usuario %s is inactive", usuario)
				}
				token, err := server.SignToken(v.GetString("jwt_secret"), caps.UserID, caps.Roles, ttl)
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(map[string]string{"token": token})
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&usuario, "usuario", "", "usuario id (defaults to --actor-id)")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

func logCmd() *cobra.Command {
	logs := &cobra.Command{Use: "log", Short: "Historial log"}
	logs.AddCommand(logTailCmd())
	return logs
}

func logTailCmd() *cobra.Command {
	var n int
	var accion, tramiteID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest historial entries across trámites",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				entries, err := a.Engine.Repo.LatestHistorial(ctx, n, strings.ToUpper(accion), tramiteID)
				if err != nil {
					return err
				}
				return printHistorial(entries)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().StringVar(&accion, "accion", "", "accion filter, e.g. FIRMA")
	cmd.Flags().StringVar(&tramiteID, "tramite", "", "trámite id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace configuration (tramiteline.yml)"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default tramiteline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(v.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration, environment overrides included",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(v.GetString("workspace"), v)
			if err != nil {
				return err
			}
			redacted := *cfg
			if redacted.Mail.SMTP.Password != "" {
				redacted.Mail.SMTP.Password = "***"
			}
			redacted.Webhooks = append([]config.WebhookConfig(nil), cfg.Webhooks...)
			for i := range redacted.Webhooks {
				if redacted.Webhooks[i].Secret != "" {
					redacted.Webhooks[i].Secret = "***"
				}
			}
			if v.GetBool("json") {
				return printJSON(redacted)
			}
			out, err := yaml.Marshal(redacted)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate tramiteline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(v.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	}
}
