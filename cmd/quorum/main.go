package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/quorum"
	"github.com/hupe1980/quorum/config"
	"github.com/hupe1980/quorum/core"
	"github.com/hupe1980/quorum/server"
)

var rootCmd = &cobra.Command{
	Use:   "quorum",
	Short: "Multi-model consensus service",
	Long: `Quorum sends one prompt to several language models in parallel and
reconciles their answers with a consensus strategy (weighted, majority,
unanimous, best_of_n or hierarchical).

Requests are accepted immediately and processed in the background; their
status, result and history are kept in the configured store.`,
	SilenceUsage: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("QUORUM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", "quorum.yml", "configuration file (yaml or toml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "override logging.level")
	rootCmd.PersistentFlags().String("requester-id", "local-user", "requester identifier")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("requester-id", rootCmd.PersistentFlags().Lookup("requester-id"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(modelsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}

			authCfg := server.AuthConfig{
				JWTSecret:      os.Getenv(cfg.Server.JWTSecretEnv),
				AllowAnonymous: cfg.Server.AllowAnonymous,
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowAnonymous {
				return fmt.Errorf("%s is required for bearer auth (or set server.allow_anonymous)", cfg.Server.JWTSecretEnv)
			}

			q, err := quorum.FromConfig(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			handler, err := server.New(server.Config{Service: q, BasePath: basePath, Auth: authCfg})
			if err != nil {
				_ = q.Shutdown(context.Background())
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = srv.Shutdown(ctx)
			}()

			fmt.Printf("Serving Quorum API on http://%s%s (OpenAPI at /openapi.json, docs at /docs)\n", addr, basePath)
			serveErr := srv.ListenAndServe()
			if errors.Is(serveErr, http.ErrServerClosed) {
				serveErr = nil
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return errors.Join(serveErr, q.Shutdown(ctx))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path)")
	return cmd
}

func runCmd() *cobra.Command {
	var in core.SubmitInput
	var configJSON string
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Submit a prompt and wait for the consensus result",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				in.Prompt = args[0]
			}
			if configJSON != "" {
				if err := json.Unmarshal([]byte(configJSON), &in.Config); err != nil {
					return fmt.Errorf("--config-json: %w", err)
				}
			}
			in.RequesterID = viper.GetString("requester-id")

			return withQuorum(cmd.Context(), func(ctx context.Context, q *quorum.Quorum) error {
				receipt, err := q.Submit(ctx, in)
				if err != nil {
					return err
				}
				if !viper.GetBool("json") {
					fmt.Printf("%s (queue position %d)\n", receipt.Message, receipt.QueuePosition)
				}

				waitCtx, cancel := context.WithTimeout(ctx, wait)
				defer cancel()
				req, err := q.AwaitTerminal(waitCtx, receipt.RequestID)
				if err != nil {
					if cerr := q.Cancel(context.WithoutCancel(ctx), receipt.RequestID, in.RequesterID); cerr != nil {
						fmt.Fprintln(os.Stderr, "cancel:", cerr)
					}
					return err
				}
				return printStatus(core.NewStatusView(req))
			})
		},
	}
	cmd.Flags().StringVarP(&in.Prompt, "prompt", "p", "", "prompt text")
	cmd.Flags().StringVarP(&in.Strategy, "strategy", "s", "", "consensus strategy (defaults to consensus.strategy)")
	cmd.Flags().StringVarP(&in.TaskType, "task-type", "t", "", "task type for prompt enhancement and expertise")
	cmd.Flags().StringVar(&in.Priority, "priority", string(core.PriorityUrgent), "urgent, high or normal")
	cmd.Flags().StringVar(&in.CallbackURL, "callback-url", "", "URL receiving the final status")
	cmd.Flags().StringVar(&configJSON, "config-json", "", "per-request consensus config as JSON")
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Minute, "how long to wait for the result")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <request-id>",
		Short: "Show the status of a consensus request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQuorum(cmd.Context(), func(ctx context.Context, q *quorum.Quorum) error {
				view, err := q.Status(ctx, args[0])
				if err != nil {
					return err
				}
				return printStatus(view)
			})
		},
	}
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <request-id>",
		Short: "Cancel a pending or running consensus request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQuorum(cmd.Context(), func(ctx context.Context, q *quorum.Quorum) error {
				if err := q.Cancel(ctx, args[0], viper.GetString("requester-id")); err != nil {
					return err
				}
				fmt.Printf("Consensus request %s cancelled successfully\n", args[0])
				return nil
			})
		},
	}
}

func queueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show processing queue statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQuorum(cmd.Context(), func(ctx context.Context, q *quorum.Quorum) error {
				stats := q.QueueStats(ctx)
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				last := "-"
				if stats.LastCompletedAt != nil {
					last = stats.LastCompletedAt.Local().Format(time.DateTime)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Pending", "Processing", "Completed", "Failed", "Cancelled", "Avg Seconds", "Last Completed"})
				tw.AppendRow(table.Row{
					stats.Pending, stats.Processing, stats.Completed, stats.Failed, stats.Cancelled,
					fmt.Sprintf("%.2f", stats.AvgProcessingTimeSeconds), last,
				})
				tw.Render()
				return nil
			})
		},
	}
}

func historyCmd() *cobra.Command {
	var f core.HistoryFilter
	var status string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List the requester's consensus requests, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.RequesterID = viper.GetString("requester-id")
			f.Status = core.Status(status)
			return withQuorum(cmd.Context(), func(ctx context.Context, q *quorum.Quorum) error {
				views, err := q.History(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(views)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Strategy", "Confidence", "Models", "Created"})
				for _, v := range views {
					tw.AppendRow(table.Row{
						v.RequestID, v.Status, v.Strategy, confidence(v),
						strings.Join(v.ParticipatingModels, ","), v.CreatedAt.Local().Format(time.DateTime),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "maximum number of requests")
	cmd.Flags().IntVar(&f.Offset, "offset", 0, "number of requests to skip")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List configured models and whether they can be called",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg.Models)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Provider", "Model", "Key Env", "Weight", "Available"})
			for _, m := range cfg.Models {
				weight := "-"
				if w, ok := cfg.Consensus.VotingWeights[m.ID]; ok {
					weight = fmt.Sprintf("%.2f", w)
				}
				tw.AppendRow(table.Row{m.ID, m.Provider, m.Model, m.APIKeyEnv, weight, m.Available()})
			}
			tw.Render()
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Manage the configuration file"}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("config")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.DefaultTemplate), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}

	cfgCmd.AddCommand(initCmd, showCmd)
	return cfgCmd
}

func tokenCmd() *cobra.Command {
	var subject, tenant string
	var admin bool
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			secret := os.Getenv(cfg.Server.JWTSecretEnv)
			if secret == "" {
				return fmt.Errorf("%s is not set", cfg.Server.JWTSecretEnv)
			}
			if subject == "" {
				subject = viper.GetString("requester-id")
			}
			now := time.Now()
			tok, err := server.SignToken(secret, server.Claims{
				RegisteredClaims: jwt.RegisteredClaims{
					Subject:   subject,
					IssuedAt:  jwt.NewNumericDate(now),
					ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
				},
				TenantID: tenant,
				Admin:    admin,
			})
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (defaults to --requester-id)")
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id claim")
	cmd.Flags().BoolVar(&admin, "admin", false, "grant access to every request")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	return cfg, nil
}

func withQuorum(ctx context.Context, fn func(context.Context, *quorum.Quorum) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	q, err := quorum.FromConfig(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Shutdown(sctx)
	}()
	return fn(ctx, q)
}

func printStatus(v core.StatusView) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows([]table.Row{
		{"Request", v.RequestID},
		{"Status", v.Status},
		{"Strategy", v.Strategy},
		{"Confidence", confidence(v)},
		{"Models", strings.Join(v.ParticipatingModels, ", ")},
		{"Responses", v.TotalResponses},
	})
	if v.ProcessingTime != nil {
		tw.AppendRow(table.Row{"Processing", fmt.Sprintf("%.2fs", *v.ProcessingTime)})
	}
	if v.Error != "" {
		tw.AppendRow(table.Row{"Error", v.Error})
	}
	tw.Render()
	if v.Response != "" {
		fmt.Println()
		fmt.Println(v.Response)
	}
	return nil
}

func confidence(v core.StatusView) string {
	if v.Confidence == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *v.Confidence)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
