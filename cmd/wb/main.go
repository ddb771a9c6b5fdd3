package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"workbridge/internal/app"
	"workbridge/internal/db"
	"workbridge/internal/engine"
	"workbridge/internal/mcptools"
	"workbridge/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "wb",
	Short: "Workbridge CLI",
	Long: `Workbridge coordinates work items between agents through an append-only event log.
Core concepts:
- Workspace: the .workbridge directory holding the SQLite log, next to workbridge.yml.
- Event log: every change is an immutable fact with an idempotency key; retrying a request with the same key returns the recorded result.
- Projection: work items as read models folded from the log; 'wb projector lag' shows how far it trails.
- Versions: each item's version is the id of its latest event; writes name the version they expect and lose with a conflict when someone got there first.
- Claims: 'wb claim' hands an agent the best unassigned item for its capabilities and moves it to in_progress.
- Errors: 'wb work error' records a failure; after max_retries within the window the item is blocked.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(exitCode(err))
	}
}

func initConfig() {
	viper.SetEnvPrefix("WORKBRIDGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "agent or user identifier")
	rootCmd.PersistentFlags().String("agent-type", "", "agent type recorded on claims")
	rootCmd.PersistentFlags().StringSlice("capabilities", nil, "agent capabilities used for claim matching")
	for _, name := range []string{"workspace", "json", "actor-id", "agent-type", "capabilities"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(workCmd())
	rootCmd.AddCommand(claimCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(projectorCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(mcpCmd())
	rootCmd.AddCommand(tokenCmd())
}

func initCmd() *cobra.Command {
	var projectID string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create workbridge.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := app.Init(cmd.Context(), viper.GetString("workspace"), projectID, force)
			if err != nil {
				return err
			}
			defer ws.Close()
			if viper.GetBool("json") {
				return printJSON(map[string]string{"project_id": ws.Config.Project.ID, "database": db.Path(ws.Dir)})
			}
			fmt.Printf("Initialised project %s (database %s)\n", ws.Config.Project.ID, db.Path(ws.Dir))
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing workbridge.yml")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show work counts by status and projection lag",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountByStatus(ctx)
				if err != nil {
					return err
				}
				lag, err := e.Lag(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"project_id":    e.Config.Project.ID,
						"status_counts": counts,
						"lag":           lag,
					})
				}
				fmt.Printf("Project: %s\n", e.Config.Project.ID)
				fmt.Println("Work:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				fmt.Printf("Projection: %d events pending (oldest %.1fs); cursor %d / head %d\n",
					lag.PendingCount, lag.MaxAgeSeconds, lag.CursorSeq, lag.HeadSeq)
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowAgentHeader, devLogin, noProjector bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, the projector loop and webhook forwarding",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ws, err := app.Open(ctx, viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer ws.Close()
			logger := log.New(os.Stderr, "workbridge: ", log.LstdFlags)
			authCfg := server.AuthConfig{
				JWTSecret:        viper.GetString("jwt-secret"),
				AllowAgentHeader: allowAgentHeader,
				EnableDevLogin:   devLogin,
				Logger:           logger,
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowAgentHeader {
				return fmt.Errorf("WORKBRIDGE_JWT_SECRET is required unless --allow-agent-header is set")
			}
			if authCfg.EnableDevLogin && authCfg.JWTSecret == "" {
				return fmt.Errorf("--dev-login needs WORKBRIDGE_JWT_SECRET")
			}
			handler, err := server.New(server.Config{Engine: ws.Engine, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			if !noProjector {
				p := ws.Engine.Projector
				p.Logger = logger
				go p.Run(ctx)
			}
			server.StartWebhooks(ctx, ws.Engine, logger)

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Workbridge API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)\n", addr, basePath, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowAgentHeader, "allow-agent-header", false, "accept X-Agent-Id without a token (local use)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login to mint tokens (local use)")
	cmd.Flags().BoolVar(&noProjector, "no-projector", false, "do not run the projector loop in this process")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for agent tokens (env WORKBRIDGE_JWT_SECRET)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the coordination tools over MCP (stdio)",
		Long:  "Starts an MCP server on stdin/stdout. The --actor-id, --agent-type and --capabilities flags become the default agent for tool calls that do not name one.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := app.Open(cmd.Context(), viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer ws.Close()
			s := mcptools.NewServer(ws.Engine, currentAgent())
			return mcpserver.ServeStdio(s)
		},
	}
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an agent token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("WORKBRIDGE_JWT_SECRET is required")
			}
			agent := currentAgent()
			token, err := server.SignAgentToken(secret, agent.ID, agent.Type, agent.Capabilities, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	ws, err := app.Open(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws.Engine)
}

func currentAgent() mcptools.Agent {
	return mcptools.Agent{
		ID:           viper.GetString("actor-id"),
		Type:         viper.GetString("agent-type"),
		Capabilities: viper.GetStringSlice("capabilities"),
	}
}

// requestKey returns the --key flag or a fresh key. Pass --key to make a
// command safe to retry.
func requestKey(key string) string {
	if strings.TrimSpace(key) != "" {
		return key
	}
	return uuid.NewString()
}

// expectedVersion returns the --expected flag, or the item's current version
// when the flag is empty.
func expectedVersion(ctx context.Context, e engine.Engine, workID, flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	view, err := e.GetEntityConsistent(ctx, workID)
	if err != nil {
		return "", err
	}
	if view.Item == nil {
		return "", engine.NotFoundError{Kind: "work", ID: workID}
	}
	return view.Item.LastEventID, nil
}

// exitCode maps the error taxonomy to process exit codes.
func exitCode(err error) int {
	switch engine.ErrorCode(err) {
	case engine.CodeValidation:
		return 2
	case engine.CodeNotFound, engine.CodeNoWork:
		return 3
	case engine.CodeConflict:
		return 4
	case engine.CodeInvalidTransition, engine.CodeCycle, engine.CodeNotAssigned, engine.CodeAlreadyTerminal, engine.CodeMaxAttempts:
		return 5
	default:
		return 1
	}
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
