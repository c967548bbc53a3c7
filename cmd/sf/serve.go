package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"storyforge/internal/app"
	"storyforge/internal/config"
	"storyforge/internal/mcpserver"
	"storyforge/internal/persist"
	"storyforge/internal/server"
)

// chatActor is recorded in the event log for writes made by the conversation.
const chatActor = "storyforge"

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long: `Start the HTTP API server.

Bearer authentication is enabled when STORYFORGE_JWT_SECRET is set; without it
every request runs as the anonymous local actor. Mint tokens with 'sf auth token'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := viper.GetString("addr")
			basePath := viper.GetString("base-path")
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				conv, err := app.NewConversation(ctx, rt.Config, rt.Engine.As(chatActor), rt.Logger, logQueueStatus(rt.Logger))
				if err != nil {
					rt.Logger.Warn("chat endpoint disabled", zap.Error(err))
				} else {
					defer conv.Close()
				}
				cfg := server.Config{
					Engine:   rt.Engine,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: viper.GetString("jwt-secret")},
					Logger:   rt.Logger.Named("http"),
				}
				if conv != nil {
					cfg.Chat = conv.Orchestrator
				}
				if cfg.Auth.JWTSecret == "" {
					rt.Logger.Warn("STORYFORGE_JWT_SECRET not set, serving without authentication")
				}
				handler, err := server.New(cfg)
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					rt.Logger.Info("listening", zap.String("addr", addr), zap.String("base_path", basePath))
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
				return g.Wait()
			})
		},
	}
	cmd.Flags().String("addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().String("base-path", "/v0", "API base path")
	_ = viper.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("base-path", cmd.Flags().Lookup("base-path"))
	return cmd
}

// logQueueStatus reports persistence backlog changes through the logger.
func logQueueStatus(logger *zap.Logger) func(persist.Status) {
	return func(st persist.Status) {
		if st.Warning {
			logger.Warn("messages waiting to be saved", zap.Int("pending", st.Pending), zap.Int("queued", st.Queued), zap.String("last_error", st.LastError))
		}
	}
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve stage and chat tools over MCP (stdio)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				conv, err := app.NewConversation(ctx, rt.Config, rt.Engine.As(chatActor), rt.Logger, logQueueStatus(rt.Logger))
				if err != nil {
					return err
				}
				defer conv.Close()
				return mcpgo.ServeStdio(mcpserver.New(rt.Engine, conv.Orchestrator))
			})
		},
	}
}

func authCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "API authentication helpers",
	}
	token := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with STORYFORGE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			ttl, _ := cmd.Flags().GetDuration("ttl")
			tok, err := server.SignToken(viper.GetString("jwt-secret"), viper.GetString("actor-id"), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	token.Flags().Duration("ttl", 24*time.Hour, "token lifetime (0 = no expiry)")
	cmd.AddCommand(token)
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Workspace configuration",
	}
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().Bool("force", false, "overwrite an existing config")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(viper.GetString("workspace"), viper.GetString("api-key"))
			if err != nil {
				return err
			}
			if cfg.Provider.APIKey != "" {
				cfg.Provider.APIKey = "***"
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
	cmd.AddCommand(initCmd, show)
	return cmd
}
