package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/app"
	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/config"
	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/db"
	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/domain"
	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/engine"
	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/migrate"
	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/repo"
	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tcard",
	Short: "Trial card routing CLI",
	Long: `tcard routes foundry trial cards through the department approval flow.
- Workspace: the .trialcard directory holding the database and reports.
- Trial: one trial card, identified by card number, moving through the flow.
- Flow: the ordered department checkpoints (PED -> ... -> DISPATCH) from trialcard.yml.
- Progress: per-department ledger entries; exactly one is pending at a time.
- Advance: approve the pending entry and route the card to the next department.
- Escalate: hand the pending entry to the department HOD for sign-off.
- Accounts: department users and HODs that own pending entries.`,
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
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TRIALCARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "local-user", "acting username")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
}

func registerCommands() {
	rootCmd.AddCommand(trialCmd())
	rootCmd.AddCommand(accountCmd())
	rootCmd.AddCommand(flowCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func trialCmd() *cobra.Command {
	trial := &cobra.Command{
		Use:   "trial",
		Short: "Manage trial cards",
	}
	trial.AddCommand(trialCreateCmd())
	trial.AddCommand(trialListCmd())
	trial.AddCommand(trialShowCmd())
	trial.AddCommand(trialProgressCmd())
	trial.AddCommand(trialAdvanceCmd())
	trial.AddCommand(trialEscalateCmd())
	return trial
}

func trialCreateCmd() *cobra.Command {
	var p engine.CreateTrialParams
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a trial card",
		RunE: func(cmd *cobra.Command, args []string) error {
			p.Actor = viper.GetString("actor")
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.CreateTrial(ctx, p)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&p.CardNo, "card-no", "", "trial card number")
	cmd.Flags().StringVar(&p.PatternCode, "pattern", "", "pattern code")
	cmd.Flags().StringVar(&p.PartName, "part", "", "part name")
	cmd.Flags().StringVar(&p.TrialType, "type", "REGULAR", "trial type (REGULAR, NPD, CUSTOMER END)")
	cmd.Flags().StringVar(&p.Subtype, "subtype", "", "trial subtype")
	_ = cmd.MarkFlagRequired("card-no")
	_ = cmd.MarkFlagRequired("pattern")
	return cmd
}

func trialListCmd() *cobra.Command {
	var f repo.TrialFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List trial cards",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				trials, err := r.ListTrials(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(trials)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Card", "Pattern", "Type", "Department", "Status"})
				for _, t := range trials {
					tw.AppendRow(table.Row{t.ID, t.CardNo, t.PatternCode, t.TrialType, t.CurrentDepartmentID, t.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.DepartmentID, "department", "", "current department filter")
	cmd.Flags().StringVar(&f.PatternCode, "pattern", "", "pattern code filter")
	cmd.Flags().StringVar(&f.TrialType, "type", "", "trial type filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func trialShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id-or-card-no>",
		Short: "Show a trial card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := lookupTrial(ctx, r, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func trialProgressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "progress <id-or-card-no>",
		Short: "Show the progress ledger of a trial",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := lookupTrial(ctx, e.Repo, args[0])
				if err != nil {
					return err
				}
				view, err := e.Progress(ctx, t.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				fmt.Printf("Trial %s (%s) pattern=%s type=%s status=%s\n",
					t.CardNo, t.ID, t.PatternCode, t.TrialType, t.Status)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Department", "Assignee", "Status", "Remarks", "Completed"})
				for _, en := range view.Entries {
					completed := ""
					if en.CompletedAt != nil {
						completed = *en.CompletedAt
					}
					tw.AppendRow(table.Row{en.DepartmentID, en.AssigneeUsername, en.Status, en.Remarks, completed})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func trialAdvanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "advance <id-or-card-no>",
		Short: "Approve the pending stage and route onward",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := lookupTrial(ctx, e.Repo, args[0])
				if err != nil {
					return err
				}
				res, err := e.Advance(ctx, t.ID, viper.GetString("actor"))
				if errors.Is(err, engine.ErrAlreadyProcessed) {
					fmt.Println("already processed by another user; no changes made")
					return nil
				}
				if err != nil {
					return err
				}
				return printTransition(res)
			})
		},
	}
	return cmd
}

func trialEscalateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "escalate <id-or-card-no>",
		Short: "Escalate the pending stage to the department HOD",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := lookupTrial(ctx, e.Repo, args[0])
				if err != nil {
					return err
				}
				res, err := e.Escalate(ctx, t.ID, viper.GetString("actor"))
				if errors.Is(err, engine.ErrAlreadyProcessed) {
					fmt.Println("already processed by another user; no changes made")
					return nil
				}
				if err != nil {
					return err
				}
				return printTransition(res)
			})
		},
	}
	return cmd
}

func printTransition(res engine.TransitionResult) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	switch res.Outcome {
	case engine.OutcomeCompleted:
		fmt.Printf("Trial %s completed and closed\n", res.Trial.CardNo)
		if res.TrialReport != nil {
			fmt.Printf("  trial report: %s\n", res.TrialReport.Path)
		}
		if res.ConsolidatedReport != nil {
			fmt.Printf("  consolidated report: %s\n", res.ConsolidatedReport.Path)
		}
	case engine.OutcomeEscalated:
		fmt.Printf("Trial %s escalated at %s", res.Trial.CardNo, res.Trial.CurrentDepartmentID)
		if res.Assignee != nil {
			fmt.Printf(" to %s", res.Assignee.Username)
		}
		fmt.Println()
	default:
		fmt.Printf("Trial %s routed to %s", res.Trial.CardNo, res.Trial.CurrentDepartmentID)
		if res.Assignee != nil {
			fmt.Printf(" (assignee %s)", res.Assignee.Username)
		}
		fmt.Println()
	}
	return nil
}

func accountCmd() *cobra.Command {
	acc := &cobra.Command{
		Use:   "account",
		Short: "Manage department accounts",
	}
	acc.AddCommand(accountAddCmd())
	acc.AddCommand(accountListCmd())
	acc.AddCommand(accountActivateCmd(true))
	acc.AddCommand(accountActivateCmd(false))
	return acc
}

func accountAddCmd() *cobra.Command {
	var p engine.AddAccountParams
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a department account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				a, err := e.AddAccount(ctx, p)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&p.Username, "username", "", "account username")
	cmd.Flags().StringVar(&p.DisplayName, "name", "", "display name")
	cmd.Flags().StringVar(&p.Email, "email", "", "email address")
	cmd.Flags().StringVar(&p.DepartmentID, "department", "", "department id")
	cmd.Flags().StringVar(&p.Role, "role", "USER", "role (USER or HOD)")
	cmd.Flags().StringVar(&p.Subtype, "subtype", "", "subtype cohort within the department")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("department")
	return cmd
}

func accountListCmd() *cobra.Command {
	var f repo.AccountFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAccounts(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Username", "Department", "Role", "Subtype", "Active"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.Username, a.DepartmentID, a.Role, a.Subtype, a.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.DepartmentID, "department", "", "department filter")
	cmd.Flags().StringVar(&f.Role, "role", "", "role filter")
	cmd.Flags().BoolVar(&f.ActiveOnly, "active", false, "active accounts only")
	return cmd
}

func accountActivateCmd(active bool) *cobra.Command {
	use, short := "activate <username>", "Activate an account"
	if !active {
		use, short = "deactivate <username>", "Deactivate an account"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.SetAccountActive(ctx, args[0], active); err != nil {
					return err
				}
				a, err := r.GetAccount(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func flowCmd() *cobra.Command {
	fl := &cobra.Command{Use: "flow", Short: "Inspect the department flow"}
	fl.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the ordered department stages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if viper.GetBool("json") {
					return printJSON(e.Flow)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Department"})
				for _, s := range e.Flow {
					tw.AppendRow(table.Row{s.Seq, s.Department})
				}
				tw.Render()
				return nil
			})
		},
	})
	return fl
}

func auditCmd() *cobra.Command {
	aud := &cobra.Command{Use: "audit", Short: "Inspect the audit trail"}
	aud.AddCommand(auditTailCmd())
	return aud
}

func auditTailCmd() *cobra.Command {
	var f repo.AuditFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show latest audit records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.LatestAudit(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Action", "Trial", "Department", "Actor", "Remarks"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.TS, a.Action, a.TrialID, a.DepartmentID, a.Actor, a.Remarks})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.TrialID, "trial", "", "trial id filter")
	cmd.Flags().StringVar(&f.Action, "action", "", "action filter")
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of records")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var plantID string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default trialcard.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(plantID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&plantID, "plant", "plant-1", "plant id")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := app.ResolveConfig(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Trialcard API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := app.ResolveConfig(workspace)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func lookupTrial(ctx context.Context, r repo.Repo, key string) (t domain.Trial, err error) {
	t, err = r.GetTrial(ctx, key)
	if errors.Is(err, repo.ErrNotFound) {
		t, err = r.GetTrialByCardNo(ctx, key)
	}
	return t, err
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
