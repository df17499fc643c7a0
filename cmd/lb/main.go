package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ledgerbridge/internal/app"
	"ledgerbridge/internal/config"
	"ledgerbridge/internal/db"
	"ledgerbridge/internal/engine"
	"ledgerbridge/internal/migrate"
	"ledgerbridge/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "lb",
	Short: "Ledgerbridge CLI",
	Long: `Ledgerbridge relays durable commands to a distributed ledger and
projects the ledger's events back into a local read model.

- Commands are enqueued into an outbox and survive restarts; the relay
  submits them with retry, backoff, and a circuit breaker.
- The listener consumes committed ledger events, validates them against
  versioned schemas, and applies them exactly once to the read model.
- Progress is checkpointed so a crash resumes where it left off.`,
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("LEDGERBRIDGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(commandCmd())
	rootCmd.AddCommand(dlqCmd())
	rootCmd.AddCommand(checkpointCmd())
	rootCmd.AddCommand(accountCmd())
	rootCmd.AddCommand(votesCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(versionCmd())
}

// overridden at build time via -ldflags "-X main.version=..."
var version = "dev"

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the lb version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("lb", version)
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the relay, listener, and API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(app.Options{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Run(cmd.Context())
		},
	}
}

func commandCmd() *cobra.Command {
	c := &cobra.Command{Use: "command", Short: "Manage outbox commands"}
	c.AddCommand(commandEnqueueCmd())
	c.AddCommand(commandShowCmd())
	c.AddCommand(commandListCmd())
	return c
}

func commandEnqueueCmd() *cobra.Command {
	var tenantID, key, cmdType, payload string
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a command for ledger submission",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stored, created, err := e.Enqueue(ctx, engine.EnqueueParams{
					TenantID:       tenantID,
					IdempotencyKey: key,
					Type:           cmdType,
					PayloadJSON:    payload,
					ActorID:        viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if !created {
					fmt.Fprintf(os.Stderr, "idempotency key already used; returning existing command %s\n", stored.ID)
				}
				return printJSON(stored)
			})
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&key, "key", "", "idempotency key")
	cmd.Flags().StringVar(&cmdType, "type", "", "command type (e.g. account.open)")
	cmd.Flags().StringVar(&payload, "payload", "{}", "JSON payload")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func commandShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <command-id>",
		Short: "Show one command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				c, err := r.GetCommand(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}
}

func commandListCmd() *cobra.Command {
	var tenantID, status, cmdType string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListCommands(ctx, repo.CommandFilters{
					TenantID: tenantID,
					Status:   status,
					Type:     cmdType,
					Limit:    limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Tenant", "Type", "Status", "Attempts", "Ledger TX"})
				for _, c := range items {
					txID := ""
					if c.LedgerTxID != nil {
						txID = *c.LedgerTxID
					}
					tw.AppendRow(table.Row{c.ID, c.TenantID, c.Type, c.Status, fmt.Sprintf("%d/%d", c.Attempts, c.MaxAttempts), txID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "filter by tenant")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&cmdType, "type", "", "filter by command type")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func dlqCmd() *cobra.Command {
	c := &cobra.Command{Use: "dlq", Short: "Inspect the dead-letter store"}
	var origin string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead letters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListDeadLetters(ctx, repo.DeadLetterFilters{Origin: origin, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Origin", "Ref", "Reason", "Created"})
				for _, dl := range items {
					tw.AppendRow(table.Row{dl.ID, dl.Origin, dl.RefID, dl.Reason, dl.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&origin, "origin", "", "filter by origin (command|event)")
	list.Flags().IntVar(&limit, "limit", 50, "max rows")
	show := &cobra.Command{
		Use:   "show <dead-letter-id>",
		Short: "Show one dead letter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				dl, err := r.GetDeadLetter(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(dl)
			})
		},
	}
	c.AddCommand(list, show)
	return c
}

func checkpointCmd() *cobra.Command {
	c := &cobra.Command{Use: "checkpoint", Short: "Inspect consumer checkpoints"}
	c.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListCheckpoints(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Consumer", "Channel", "Position", "Updated"})
				for _, cp := range items {
					tw.AppendRow(table.Row{cp.Consumer, cp.Channel, cp.Position.String(), cp.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	return c
}

func accountCmd() *cobra.Command {
	c := &cobra.Command{Use: "account", Short: "Inspect the account read model"}
	var tenantID string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAccounts(ctx, repo.AccountFilters{TenantID: tenantID, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Tenant", "Name", "KYC", "Balance"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.TenantID, a.DisplayName, a.KYCStatus, a.Balance})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&tenantID, "tenant", "", "filter by tenant")
	list.Flags().IntVar(&limit, "limit", 50, "max rows")
	show := &cobra.Command{
		Use:   "show <account-id>",
		Short: "Show one account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				a, err := r.GetAccount(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	c.AddCommand(list, show)
	return c
}

func votesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "votes <proposal-id>",
		Short: "List recorded votes for a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListGovernanceVotes(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Proposal", "Voter", "Choice", "TX"})
				for _, v := range items {
					tw.AppendRow(table.Row{v.ProposalID, v.VoterAccount, v.Choice, v.TxID})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	c := &cobra.Command{Use: "log", Short: "Inspect the audit log"}
	var limit int
	var evtType, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.LatestAuditEvents(ctx, limit, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Entity", "Actor"})
				for _, e := range items {
					entity := e.EntityKind
					if e.EntityID != "" {
						entity += "/" + e.EntityID
					}
					tw.AppendRow(table.Row{e.TS, e.Type, entity, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&limit, "limit", 50, "max rows")
	tail.Flags().StringVar(&evtType, "type", "", "filter by event type")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "filter by entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "filter by entity id")
	c.AddCommand(tail)
	return c
}

func apikeyCmd() *cobra.Command {
	c := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var actorID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the secret is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if actorID == "" {
					actorID = viper.GetString("actor-id")
				}
				secret, key, err := e.CreateAPIKey(ctx, actorID, name)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"name":     key.Name,
					"secret":   secret,
				})
			})
		},
	}
	create.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	create.Flags().StringVar(&name, "name", "", "key label")
	c.AddCommand(create)
	return c
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Manage configuration"}
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(config.Path(viper.GetString("workspace")))
			return nil
		},
	})
	return c
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
