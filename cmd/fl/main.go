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

	"formline/internal/app"
	"formline/internal/config"
	"formline/internal/db"
	"formline/internal/engine"
	"formline/internal/repo"
	"formline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Formline CLI",
	Long: `Formline orchestrates LLC formation cases executed by an AI agent workforce.
Core concepts:
- Workspace: your .formline directory holding the SQLite database; formline.yml beside it configures jurisdictions and retry policy.
- Case: one LLC formation engagement; its stage plan is captured at creation and walked stage by stage (draft -> in_progress -> completed, with blocked and abandoned as exits).
- Stage: an ordered phase such as name reservation or filing; all of a stage's tasks must succeed before the next stage activates.
- Task: one unit of work inside a stage, dependency-ordered, executed by a worker of the matching role.
- Worker: an agent with a role, a department, and a capacity cap on concurrent assignments.
- Tick: one scheduling pass ('fl tick') that hands ready tasks to eligible workers.
- Outcome: a success or failure report ('fl outcome submit'); failures retry with backoff until attempts run out.
- Compliance: recurring obligations (annual reports, franchise tax) seeded when a case completes.
- Event log: diary of every transition, view with 'fl log tail'.`,
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
	viper.SetEnvPrefix("FORMLINE")
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
	rootCmd.AddCommand(caseCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(tickCmd())
	rootCmd.AddCommand(outcomeCmd())
	rootCmd.AddCommand(complianceCmd())
	rootCmd.AddCommand(metricsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func caseCmd() *cobra.Command {
	c := &cobra.Command{Use: "case", Short: "Manage formation cases"}
	c.AddCommand(caseCreateCmd())
	c.AddCommand(caseListCmd())
	c.AddCommand(caseStatusCmd())
	c.AddCommand(caseAbandonCmd())
	return c
}

func caseCreateCmd() *cobra.Command {
	var name, jurisdiction, desc string
	var priority int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a formation case",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			if jurisdiction == "" {
				return fmt.Errorf("--jurisdiction required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateCase(ctx, engine.CaseCreateOptions{
					BusinessName: name,
					Description:  desc,
					Jurisdiction: jurisdiction,
					Priority:     priority,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "business name")
	cmd.Flags().StringVar(&jurisdiction, "jurisdiction", "", "jurisdiction code (e.g. DE, WY)")
	cmd.Flags().StringVar(&desc, "description", "", "business description")
	cmd.Flags().IntVar(&priority, "priority", 0, "scheduling priority (lower first)")
	return cmd
}

func caseListCmd() *cobra.Command {
	var f repo.CaseFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List formation cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListCases(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Business", "Jurisdiction", "Stage", "Status", "Priority"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.BusinessName, c.Jurisdiction, c.CurrentStage, c.Status, c.Priority})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Jurisdiction, "jurisdiction", "", "jurisdiction filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func caseStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <case-id>",
		Short: "Case status report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.GetCaseStatus(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("%s (%s) status=%s stage=%s progress=%d%%\n",
					s.Case.BusinessName, s.Case.Jurisdiction, s.Case.Status, s.Stage, s.ProgressPct)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Task", "Stage", "Role", "Status", "Worker", "Attempts"})
				for _, t := range s.Tasks {
					worker := ""
					if t.WorkerID != nil {
						worker = *t.WorkerID
					}
					tw.AppendRow(table.Row{t.TaskKey, t.StageKey, t.Role, t.Status, worker, t.Attempts})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func caseAbandonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "abandon <case-id>",
		Short: "Abandon a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.AbandonCase(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func workerCmd() *cobra.Command {
	c := &cobra.Command{Use: "worker", Short: "Manage the agent workforce"}
	c.AddCommand(workerHireCmd())
	c.AddCommand(workerListCmd())
	c.AddCommand(workerTerminateCmd())
	c.AddCommand(workerMetricsCmd())
	return c
}

func workerHireCmd() *cobra.Command {
	var name, role, department string
	var capacity int
	cmd := &cobra.Command{
		Use:   "hire",
		Short: "Hire a worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			if role == "" {
				return fmt.Errorf("--role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.HireWorker(ctx, engine.WorkerHireOptions{
					Name:       name,
					Role:       role,
					Department: department,
					Capacity:   capacity,
					ActorID:    viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "worker name (generated if empty)")
	cmd.Flags().StringVar(&role, "role", "", "task role the worker handles")
	cmd.Flags().StringVar(&department, "department", "", "department (defaults to role)")
	cmd.Flags().IntVar(&capacity, "capacity", 1, "max concurrent assignments")
	return cmd
}

func workerListCmd() *cobra.Command {
	var f repo.WorkerFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListWorkers(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Role", "Department", "Capacity", "Active"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.ID, w.Name, w.Role, w.Department, w.Capacity, w.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Role, "role", "", "role filter")
	cmd.Flags().StringVar(&f.Department, "department", "", "department filter")
	cmd.Flags().BoolVar(&f.ActiveOnly, "active", false, "active workers only")
	return cmd
}

func workerTerminateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "terminate <worker-id>",
		Short: "Terminate a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.TerminateWorker(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Println("terminated", args[0])
				return nil
			})
		},
	}
	return cmd
}

func workerMetricsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics <worker-id>",
		Short: "Worker performance summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, s, err := e.WorkerMetrics(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"worker": w, "summary": s})
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	c := &cobra.Command{Use: "task", Short: "Inspect and intervene on tasks"}
	c.AddCommand(taskListCmd())
	c.AddCommand(taskCancelCmd())
	c.AddCommand(taskRemediateCmd())
	return c
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Case", "Stage", "Task", "Role", "Status", "Worker", "Attempts"})
				for _, t := range items {
					worker := ""
					if t.WorkerID != nil {
						worker = *t.WorkerID
					}
					tw.AppendRow(table.Row{t.ID, t.CaseID, t.StageKey, t.TaskKey, t.Role, t.Status, worker, t.Attempts})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.CaseID, "case", "", "case filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.StageKey, "stage", "", "stage filter")
	cmd.Flags().StringVar(&f.WorkerID, "worker", "", "worker filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func taskCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a task (blocks the case)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CancelTask(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskRemediateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remediate <task-id>",
		Short: "Requeue a cancelled task with a fresh attempt budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.RemediateTask(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func tickCmd() *cobra.Command {
	var caseID string
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one scheduling pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var (
					assigned []engine.Assignment
					err      error
				)
				actor := viper.GetString("actor-id")
				if caseID != "" {
					assigned, err = e.Tick(ctx, caseID, actor)
				} else {
					assigned, err = e.TickAll(ctx, actor)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if assigned == nil {
						assigned = []engine.Assignment{}
					}
					return printJSON(assigned)
				}
				if len(assigned) == 0 {
					fmt.Println("nothing to assign")
					return nil
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Task", "Case", "Worker", "Attempt"})
				for _, a := range assigned {
					tw.AppendRow(table.Row{a.TaskKey, a.CaseID, a.WorkerID, a.Attempt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&caseID, "case", "", "tick only this case")
	return cmd
}

func outcomeCmd() *cobra.Command {
	c := &cobra.Command{Use: "outcome", Short: "Task outcomes"}
	c.AddCommand(outcomeSubmitCmd())
	c.AddCommand(outcomeListCmd())
	return c
}

func outcomeSubmitCmd() *cobra.Command {
	var taskID, workerID, result, detail, ts string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a task outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" || workerID == "" || result == "" {
				return fmt.Errorf("--task, --worker and --result required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.SubmitOutcome(ctx, engine.SubmitOutcomeOptions{
					TaskID:   taskID,
					WorkerID: workerID,
					Result:   result,
					Detail:   detail,
					TS:       ts,
					ActorID:  viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task id")
	cmd.Flags().StringVar(&workerID, "worker", "", "worker id")
	cmd.Flags().StringVar(&result, "result", "", "success or failure")
	cmd.Flags().StringVar(&detail, "detail", "", "free-form detail")
	cmd.Flags().StringVar(&ts, "ts", "", "RFC3339 timestamp (defaults to now)")
	return cmd
}

func outcomeListCmd() *cobra.Command {
	var f repo.OutcomeFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListOutcomes(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.TaskID, "task", "", "task filter")
	cmd.Flags().StringVar(&f.WorkerID, "worker", "", "worker filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func complianceCmd() *cobra.Command {
	c := &cobra.Command{Use: "compliance", Short: "Post-formation obligations"}
	c.AddCommand(complianceListCmd())
	return c
}

func complianceListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <case-id>",
		Short: "List compliance items for a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListComplianceItems(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Type", "Due", "Fee", "Status"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.Type, it.DueDate, it.Fee, it.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func metricsCmd() *cobra.Command {
	c := &cobra.Command{Use: "metrics", Short: "Workforce performance metrics"}
	c.AddCommand(metricsDepartmentsCmd())
	return c
}

func metricsDepartmentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "departments",
		Short: "Per-department summaries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items := e.Metrics.Departments()
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Department", "Attempts", "Successes", "Failures", "Success Rate", "Avg Attempts", "Per Minute"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.Scope, s.Attempts, s.Successes, s.Failures,
						fmt.Sprintf("%.2f", s.SuccessRate),
						fmt.Sprintf("%.2f", s.AvgAttemptsToSuccess),
						fmt.Sprintf("%.2f", s.ThroughputPerMinute)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is the rulebook (formline.yml): jurisdiction stage catalogs, compliance rules and scheduler retry policy. Cases snapshot their plan at creation, so edits never touch in-flight work.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default formline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: case transitions, assignments, outcomes, and more.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var limit int
	var caseID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.LatestEvents(ctx, limit, caseID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				for i := len(items) - 1; i >= 0; i-- {
					ev := items[i]
					fmt.Printf("%s %-24s %s/%s %s\n", ev.TS, ev.Type, ev.EntityKind, ev.EntityID, ev.Payload)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max events")
	cmd.Flags().StringVar(&caseID, "case", "", "case filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			appCtx, err := app.Open(cmd.Context(), viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer appCtx.Close()
			handler, err := server.New(server.Config{Engine: appCtx.Engine, BasePath: basePath})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(appCtx.Engine)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Formline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8484", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	appCtx, err := app.Open(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer appCtx.Close()
	return fn(ctx, appCtx.Engine)
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
