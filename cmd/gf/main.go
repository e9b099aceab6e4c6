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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gateflow/internal/app"
	"gateflow/internal/config"
	"gateflow/internal/db"
	"gateflow/internal/domain"
	"gateflow/internal/engine"
	"gateflow/internal/repo"
	"gateflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "gf",
	Short: "Gateflow CLI",
	Long: `Gateflow moves tasks through a fixed sequence of delivery gates.
Core concepts:
- Gates: nine checkpoints from product.discovery to pm.sync; each has an
  owner role and required evidence kinds. The catalog lives in gateflow.yml.
- Transitions: strict mode blocks on missing evidence; tolerant mode
  advances and opens questions for the gaps; branch forks a child task.
- Activity log: per-task append-only ledger; 'gf log tail' shows it.
- Rolling summary: one live digest per task (context, cited facts,
  decisions, risks with RAG history, next actions).
- Compaction: archives cold log prefixes behind a pointer entry.`,
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
	viper.SetEnvPrefix("GATEFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("role", "", "workflow role (falls back to the actor registry)")
	rootCmd.PersistentFlags().Bool("force", false, "force operation")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
}

func registerCommands() {
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(evidenceCmd())
	rootCmd.AddCommand(questionCmd())
	rootCmd.AddCommand(riskCmd())
	rootCmd.AddCommand(summaryCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(compactCmd())
	rootCmd.AddCommand(archiveCmd())
	rootCmd.AddCommand(actorCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- catalog ---

func catalogCmd() *cobra.Command {
	cat := &cobra.Command{Use: "catalog", Short: "Manage the gate catalog"}
	cat.AddCommand(catalogInitCmd())
	cat.AddCommand(catalogShowCmd())
	cat.AddCommand(catalogValidateCmd())
	return cat
}

func catalogInitCmd() *cobra.Command {
	var workflowID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default gateflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !viper.GetBool("force") {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(workflowID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&workflowID, "workflow-id", "default", "workflow identifier")
	return cmd
}

func catalogShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show gates in ordinal order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				gates := a.Catalog.Gates()
				if viper.GetBool("json") {
					return printJSON(gates)
				}
				t := newTable("ORDINAL", "GATE", "OWNER", "AFTER", "REQUIRES")
				for _, g := range gates {
					t.AppendRow(table.Row{g.Ordinal, g.ID, g.OwnerRole,
						strings.Join(g.Prerequisites, ","), strings.Join(g.RequiredKinds, ",")})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
}

func catalogValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate gateflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				fmt.Printf("catalog ok: %d gates, entry %s, terminal %s\n",
					len(a.Catalog.Gates()), a.Catalog.Entry(), a.Catalog.Terminal())
				return nil
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Tasks per gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				counts, err := a.Repo.CountTasksByGate(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				t := newTable("GATE", "TASKS")
				for _, g := range a.Catalog.Gates() {
					t.AppendRow(table.Row{g.ID, counts[g.ID]})
				}
				if n := counts[""]; n > 0 {
					t.AppendRow(table.Row{"(draft)", n})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
}

// --- tasks ---

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskAdvanceCmd())
	task.AddCommand(taskBranchCmd())
	task.AddCommand(taskRollbackCmd())
	task.AddCommand(taskAbandonCmd())
	task.AddCommand(taskAnnotateCmd())
	return task
}

func taskListCmd() *cobra.Command {
	var status, gate, forkedFrom string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tasks, err := a.Repo.ListTasks(ctx, repo.TaskFilters{
					Status: status, Gate: gate, ForkedFrom: forkedFrom, Limit: limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				t := newTable("ID", "STATUS", "GATE", "OWNER", "UPDATED")
				for _, task := range tasks {
					t.AppendRow(table.Row{task.ID, task.Status, task.CurrentGate, task.OwnerRole, task.UpdatedAt})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&gate, "gate", "", "filter by current gate")
	cmd.Flags().StringVar(&forkedFrom, "forked-from", "", "filter by parent task")
	cmd.Flags().IntVar(&limit, "limit", 100, "max rows")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Task record with summary, questions and live log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rec, err := a.Engine.Record(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(rec)
			})
		},
	}
	return cmd
}

func transitionFlags(cmd *cobra.Command, kinds *[]string, fields *[]string, summaryJSON *string, mode *string) {
	cmd.Flags().StringSliceVar(kinds, "kind", nil, "evidence kind (repeatable)")
	cmd.Flags().StringSliceVar(fields, "field", nil, "evidence field key=value (repeatable)")
	cmd.Flags().StringVar(summaryJSON, "summary", "", "summary delta as JSON")
	if mode != nil {
		cmd.Flags().StringVar(mode, "mode", domain.ModeStrict, "strict or tolerant")
	}
}

func buildEvidence(kinds, fields []string) (*engine.EvidenceInput, error) {
	if len(kinds) == 0 && len(fields) == 0 {
		return nil, nil
	}
	ev := &engine.EvidenceInput{Kinds: kinds}
	if len(fields) > 0 {
		ev.Fields = map[string]any{}
		for _, f := range fields {
			k, v, ok := strings.Cut(f, "=")
			if !ok {
				return nil, fmt.Errorf("invalid --field %q, expected key=value", f)
			}
			ev.Fields[k] = v
		}
	}
	return ev, nil
}

func parseSummary(raw string) (*domain.SummaryDelta, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var d domain.SummaryDelta
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, fmt.Errorf("invalid --summary json: %w", err)
	}
	return &d, nil
}

func taskAdvanceCmd() *cobra.Command {
	var to, mode, summaryJSON string
	var kinds, fields []string
	var refine bool
	cmd := &cobra.Command{
		Use:   "advance <task-id>",
		Short: "Advance a task to a gate, or refine the current one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if to == "" {
				return fmt.Errorf("--to required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ev, err := buildEvidence(kinds, fields)
				if err != nil {
					return err
				}
				delta, err := parseSummary(summaryJSON)
				if err != nil {
					return err
				}
				res, err := a.Engine.Transition(ctx, engine.TransitionRequest{
					TaskID:     args[0],
					TargetGate: to,
					Mode:       mode,
					Refine:     refine,
					ActorID:    viper.GetString("actor-id"),
					ActorRole:  viper.GetString("role"),
					Evidence:   ev,
					Summary:    delta,
				})
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target gate")
	cmd.Flags().BoolVar(&refine, "refine", false, "resubmit evidence to the current gate")
	transitionFlags(cmd, &kinds, &fields, &summaryJSON, &mode)
	return cmd
}

func taskBranchCmd() *cobra.Command {
	var to, child, summaryJSON string
	var kinds, fields []string
	cmd := &cobra.Command{
		Use:   "branch <task-id>",
		Short: "Fork a child task from the current gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if to == "" || child == "" {
				return fmt.Errorf("--to and --child required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ev, err := buildEvidence(kinds, fields)
				if err != nil {
					return err
				}
				delta, err := parseSummary(summaryJSON)
				if err != nil {
					return err
				}
				res, err := a.Engine.Transition(ctx, engine.TransitionRequest{
					TaskID:     args[0],
					TargetGate: to,
					Mode:       domain.ModeBranch,
					ActorID:    viper.GetString("actor-id"),
					ActorRole:  viper.GetString("role"),
					Evidence:   ev,
					Summary:    delta,
					ChildID:    child,
				})
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target gate for the child")
	cmd.Flags().StringVar(&child, "child", "", "child task id")
	transitionFlags(cmd, &kinds, &fields, &summaryJSON, nil)
	return cmd
}

func taskRollbackCmd() *cobra.Command {
	var to, riskRef, summaryJSON string
	cmd := &cobra.Command{
		Use:   "rollback <task-id>",
		Short: "Roll a task back to an earlier gate (requires a risk reference)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if to == "" {
				return fmt.Errorf("--to required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				delta, err := parseSummary(summaryJSON)
				if err != nil {
					return err
				}
				res, err := a.Engine.Transition(ctx, engine.TransitionRequest{
					TaskID:     args[0],
					TargetGate: to,
					Rollback:   true,
					ActorID:    viper.GetString("actor-id"),
					ActorRole:  viper.GetString("role"),
					RiskRef:    riskRef,
					Summary:    delta,
				})
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target gate")
	cmd.Flags().StringVar(&riskRef, "risk-ref", "", "risk id explaining the blocker")
	cmd.Flags().StringVar(&summaryJSON, "summary", "", "summary delta as JSON")
	return cmd
}

func taskAbandonCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "abandon <task-id>",
		Short: "Terminally abandon a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.Abandon(ctx, args[0], viper.GetString("actor-id"), viper.GetString("role"), reason)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the task is abandoned")
	return cmd
}

func taskAnnotateCmd() *cobra.Command {
	var text, summaryJSON string
	cmd := &cobra.Command{
		Use:   "annotate <task-id>",
		Short: "Append an annotation to the activity log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				delta, err := parseSummary(summaryJSON)
				if err != nil {
					return err
				}
				res, err := a.Engine.Annotate(ctx, engine.AnnotateRequest{
					TaskID:  args[0],
					ActorID: viper.GetString("actor-id"),
					Text:    text,
					Summary: delta,
				})
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "annotation text")
	cmd.Flags().StringVar(&summaryJSON, "summary", "", "summary delta as JSON")
	return cmd
}

// --- evidence ---

func evidenceCmd() *cobra.Command {
	ev := &cobra.Command{Use: "evidence", Short: "Inspect evidence bundles"}
	var gate string
	list := &cobra.Command{
		Use:   "list <task-id>",
		Short: "Evidence history for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListEvidence(ctx, args[0], gate)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("ID", "GATE", "VERSION", "KINDS", "SUBMITTED BY", "SUPERSEDED")
				for _, item := range items {
					superseded := ""
					if item.SupersededBy != nil {
						superseded = *item.SupersededBy
					}
					t.AppendRow(table.Row{item.ID, item.GateID, item.Version,
						strings.Join(item.Kinds, ","), item.SubmittedBy, superseded})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	list.Flags().StringVar(&gate, "gate", "", "filter by gate")
	ev.AddCommand(list)
	return ev
}

// --- questions ---

func questionCmd() *cobra.Command {
	q := &cobra.Command{Use: "question", Short: "Manage open questions"}
	q.AddCommand(questionListCmd())
	q.AddCommand(questionRaiseCmd())
	q.AddCommand(questionResolveCmd())
	return q
}

func questionListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list <task-id>",
		Short: "List questions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				questions, err := a.Repo.ListQuestions(ctx, args[0], status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(questions)
				}
				t := newTable("ID", "STATUS", "OWNER", "DUE", "TEXT")
				for _, item := range questions {
					t.AppendRow(table.Row{item.ID, item.Status, item.Owner, item.DueAt, item.Text})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "open or resolved")
	return cmd
}

func questionRaiseCmd() *cobra.Command {
	var text, owner, due string
	cmd := &cobra.Command{
		Use:   "raise <task-id>",
		Short: "Raise an open question",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if text == "" {
				return fmt.Errorf("--text required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				q, err := a.Engine.RaiseQuestion(ctx, engine.QuestionRequest{
					TaskID:  args[0],
					ActorID: viper.GetString("actor-id"),
					Text:    text,
					Owner:   owner,
					DueAt:   due,
				})
				if err != nil {
					return err
				}
				return printJSON(q)
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "question text")
	cmd.Flags().StringVar(&owner, "owner", "", "owning role")
	cmd.Flags().StringVar(&due, "due", "", "due date (RFC3339)")
	return cmd
}

func questionResolveCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "resolve <task-id> <question-id>",
		Short: "Resolve an open question",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				q, err := a.Engine.ResolveQuestion(ctx, args[0], args[1], viper.GetString("actor-id"), note)
				if err != nil {
					return err
				}
				return printJSON(q)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "resolution note")
	return cmd
}

// --- risks ---

func riskCmd() *cobra.Command {
	r := &cobra.Command{Use: "risk", Short: "Manage the risk register"}
	r.AddCommand(riskListCmd())
	r.AddCommand(riskSetCmd())
	return r
}

func riskListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list <task-id>",
		Short: "List risks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				risks, err := a.Repo.ListRisks(ctx, args[0], status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(risks)
				}
				t := newTable("ID", "RAG", "STATUS", "OWNER", "DESCRIPTION")
				for _, item := range risks {
					t.AppendRow(table.Row{item.ID, item.RAG, item.Status, item.Owner, item.Description})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "open or resolved")
	return cmd
}

func riskSetCmd() *cobra.Command {
	var id, description, rag, owner, due, mitigation, status string
	var probability, impact float64
	var mustKeep bool
	cmd := &cobra.Command{
		Use:   "set <task-id>",
		Short: "Create or update a risk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if description == "" && id == "" {
				return fmt.Errorf("--id or --description required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if id == "" {
					id = uuid.NewString()
				}
				rk, err := a.Engine.UpsertRisk(ctx, args[0], viper.GetString("actor-id"), domain.Risk{
					ID:          id,
					Description: description,
					RAG:         rag,
					Probability: probability,
					Impact:      impact,
					Owner:       owner,
					DueAt:       due,
					Mitigation:  mitigation,
					Status:      status,
					MustKeep:    mustKeep,
				})
				if err != nil {
					return err
				}
				return printJSON(rk)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "risk id (generated when empty)")
	cmd.Flags().StringVar(&description, "description", "", "risk description")
	cmd.Flags().StringVar(&rag, "rag", "", "green, amber or red")
	cmd.Flags().Float64Var(&probability, "probability", 0, "probability 0..1")
	cmd.Flags().Float64Var(&impact, "impact", 0, "impact 0..1")
	cmd.Flags().StringVar(&owner, "owner", "", "owning role")
	cmd.Flags().StringVar(&due, "due", "", "due date (RFC3339)")
	cmd.Flags().StringVar(&mitigation, "mitigation", "", "mitigation")
	cmd.Flags().StringVar(&status, "status", "", "open or resolved")
	cmd.Flags().BoolVar(&mustKeep, "must-keep", false, "protect from compaction")
	return cmd
}

// --- summary / log ---

func summaryCmd() *cobra.Command {
	s := &cobra.Command{Use: "summary", Short: "Rolling summary"}
	s.AddCommand(&cobra.Command{
		Use:   "show <task-id>",
		Short: "Show the rolling summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rec, err := a.Engine.Record(ctx, args[0])
				if err != nil {
					return err
				}
				if rec.Summary == nil {
					return printJSON(domain.RollingSummary{TaskID: args[0]})
				}
				return printJSON(rec.Summary)
			})
		},
	})
	s.AddCommand(&cobra.Command{
		Use:   "rebuild <task-id>",
		Short: "Rebuild the summary by replaying the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				sum, err := a.Engine.RebuildSummary(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(sum)
			})
		},
	})
	return s
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Activity log"}
	var from, to int64
	tail := &cobra.Command{
		Use:   "tail <task-id>",
		Short: "Show the stitched activity log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				entries, err := a.Engine.Log(ctx, args[0], from, to)
				if err != nil {
					return err
				}
				return printJSON(entries)
			})
		},
	}
	tail.Flags().Int64Var(&from, "from", 0, "start sequence")
	tail.Flags().Int64Var(&to, "to", 0, "end sequence (0 = end)")
	l.AddCommand(tail)
	return l
}

// --- compaction / archives ---

func compactCmd() *cobra.Command {
	var rationale string
	var mustKeep []string
	cmd := &cobra.Command{
		Use:   "compact <task-id>",
		Short: "Archive the cold log prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				arch, err := a.Compactor.Run(cmd.Context(), args[0], viper.GetString("actor-id"), rationale, viper.GetBool("force"), mustKeep)
				if err != nil {
					return err
				}
				fmt.Printf("archived [%d,%d] as %s\n", arch.FromSeq, arch.ToSeq, arch.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&rationale, "rationale", "", "why this range is archived")
	cmd.Flags().StringSliceVar(&mustKeep, "must-keep", nil, "items that must survive in the summary, e.g. risk:R-7")
	return cmd
}

func archiveCmd() *cobra.Command {
	a := &cobra.Command{Use: "archive", Short: "Inspect archives"}
	a.AddCommand(&cobra.Command{
		Use:   "list <task-id>",
		Short: "List archives for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, app *app.App) error {
				archives, err := app.Repo.ListArchives(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(archives)
				}
				t := newTable("ID", "FROM", "TO", "CREATED", "RATIONALE")
				for _, item := range archives {
					t.AppendRow(table.Row{item.ID, item.FromSeq, item.ToSeq, item.CreatedAt, item.Rationale})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	})
	a.AddCommand(&cobra.Command{
		Use:   "show <archive-id>",
		Short: "Show archived entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, app *app.App) error {
				arch, err := app.Repo.GetArchive(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(arch)
			})
		},
	})
	return a
}

// --- actors / api keys ---

func actorCmd() *cobra.Command {
	a := &cobra.Command{Use: "actor", Short: "Manage the actor registry"}
	var role string
	register := &cobra.Command{
		Use:   "register <actor-id>",
		Short: "Register an actor with a workflow role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if role == "" {
				return fmt.Errorf("--role required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, app *app.App) error {
				tx, err := app.Engine.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				now := time.Now().UTC().Format(time.RFC3339)
				if err := app.Repo.EnsureActor(ctx, tx, args[0], role, now); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				return app.Repo.SetActorRole(ctx, args[0], role)
			})
		},
	}
	register.Flags().StringVar(&role, "role", "", "workflow role")
	a.AddCommand(register)
	return a
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var actorID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (prints the key once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withApp(cmd.Context(), func(ctx context.Context, app *app.App) error {
				if _, err := app.Repo.GetActor(ctx, actorID); err != nil {
					return fmt.Errorf("actor %q not registered (run: gf actor register)", actorID)
				}
				raw := uuid.NewString() + "." + uuid.NewString()
				key := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: actorID,
					Name:    name,
					KeyHash: repo.HashAPIKey(raw),
				}
				if err := app.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				fmt.Println(raw)
				return nil
			})
		},
	}
	create.Flags().StringVar(&actorID, "actor", "", "actor id (defaults to --actor-id)")
	create.Flags().StringVar(&name, "name", "", "key label")
	k.AddCommand(create)

	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, app *app.App) error {
				keys, err := app.Repo.ListAPIKeys(ctx, "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				t := newTable("ID", "ACTOR", "NAME", "CREATED")
				for _, item := range keys {
					t.AppendRow(table.Row{item.ID, item.ActorID, item.Name, item.CreatedAt})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	k.AddCommand(list)

	del := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, app *app.App) error {
				return app.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	k.AddCommand(del)
	return k
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			a, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer a.Close()
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("GATEFLOW_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("GATEFLOW_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:    a.Engine,
				Compactor: a.Compactor,
				BasePath:  basePath,
				Auth:      authCfg,
			})
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
			fmt.Printf("Serving Gateflow API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
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

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newTable(headers ...any) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row(headers))
	return t
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
