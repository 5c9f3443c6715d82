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
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"opsline/internal/app"
	"opsline/internal/config"
	"opsline/internal/db"
	"opsline/internal/domain"
	"opsline/internal/engine"
	"opsline/internal/repo"
	"opsline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ol",
	Short: "Opsline CLI",
	Long: `Opsline coordinates a fleet of semi-autonomous agents.
Work arrives as proposals, passes the quota/auto-approve admission gate,
becomes a mission of ordered steps, and is executed by external workers.
A periodic heartbeat evaluates trigger rules, drains the reaction queue
and recovers stale steps.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("OPSLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(heartbeatCmd())
	rootCmd.AddCommand(proposalCmd())
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(stepCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(triggerCmd())
	rootCmd.AddCommand(reactionCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default opsline.yml to the workspace",
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
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, cfg, err := app.Open(cmd.Context(), viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer conn.Close()
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:       os.Getenv("OPSLINE_JWT_SECRET"),
				HeartbeatSecret: os.Getenv("OPSLINE_HEARTBEAT_SECRET"),
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("OPSLINE_JWT_SECRET is required for bearer auth")
			}
			if authCfg.HeartbeatSecret == "" {
				return fmt.Errorf("OPSLINE_HEARTBEAT_SECRET is required for the heartbeat route")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Opsline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
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

func heartbeatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "heartbeat",
		Short: "Run one orchestration tick locally",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Heartbeat(ctx)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
}

func proposalCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "proposal", Short: "Manage proposals"}
	cmd.AddCommand(proposalSubmitCmd())
	cmd.AddCommand(proposalListCmd())
	return cmd
}

func proposalSubmitCmd() *cobra.Command {
	var agentID, title, description, priority string
	var tags, steps []string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a proposal through the admission gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := parseStepSpecs(steps)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Submit(ctx, engine.SubmitOptions{
					AgentID:     agentID,
					Title:       title,
					Description: description,
					Priority:    priority,
					Tags:        tags,
					Steps:       specs,
				})
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "requesting agent id")
	cmd.Flags().StringVar(&title, "title", "", "proposal title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&priority, "priority", "medium", "priority (low, medium, high, critical)")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().StringSliceVar(&steps, "step", nil, "step as kind:title (repeatable, ordered)")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

// parseStepSpecs turns kind:title strings into ordered step specs.
func parseStepSpecs(raw []string) ([]engine.StepSpec, error) {
	var specs []engine.StepSpec
	for _, s := range raw {
		kind, title, found := strings.Cut(s, ":")
		if !found || kind == "" || title == "" {
			return nil, fmt.Errorf("invalid step %q, expected kind:title", s)
		}
		specs = append(specs, engine.StepSpec{Kind: kind, Title: title})
	}
	return specs, nil
}

func proposalListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List proposals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProposals(ctx, repo.ProposalFilters{Status: status, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Agent", "Title", "Status", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.AgentID, p.Title, p.Status, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func missionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "mission", Short: "Manage missions"}
	cmd.AddCommand(missionListCmd())
	cmd.AddCommand(missionShowCmd())
	cmd.AddCommand(missionCreateCmd())
	return cmd
}

func missionListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListMissions(ctx, repo.MissionFilters{Status: status, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Agent", "Title", "Status", "Priority", "Completed"})
				for _, m := range items {
					completed := ""
					if m.CompletedAt != nil {
						completed = *m.CompletedAt
					}
					tw.AppendRow(table.Row{m.ID, m.AgentID, m.Title, m.Status, m.Priority, completed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func missionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a mission with its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.Repo.GetMission(ctx, args[0])
				if err != nil {
					return err
				}
				steps, err := e.Repo.ListMissionSteps(ctx, m.ID)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"mission": m, "steps": steps})
			})
		},
	}
	return cmd
}

func missionCreateCmd() *cobra.Command {
	var agentID, title, description, priority string
	var tags, steps []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Assign a mission directly, bypassing the admission gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := parseStepSpecs(steps)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, created, err := e.CreateMission(ctx, engine.MissionCreateOptions{
					AgentID:     agentID,
					Title:       title,
					Description: description,
					Priority:    priority,
					Tags:        tags,
					Steps:       specs,
				})
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"mission": m, "steps": created})
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&title, "title", "", "mission title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&priority, "priority", "medium", "priority")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().StringSliceVar(&steps, "step", nil, "step as kind:title (repeatable, ordered)")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("step")
	return cmd
}

func stepCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "step", Short: "Worker-side step operations"}
	cmd.AddCommand(stepClaimCmd())
	cmd.AddCommand(stepReportCmd())
	return cmd
}

func stepClaimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claim <id>",
		Short: "Claim a queued step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.ClaimStep(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
	return cmd
}

func stepReportCmd() *cobra.Command {
	var status, errDetail string
	cmd := &cobra.Command{
		Use:   "report <id>",
		Short: "Report a terminal step status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var detail *string
				if errDetail != "" {
					detail = &errDetail
				}
				s, err := e.ReportStep(ctx, args[0], status, detail)
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "succeeded or failed")
	cmd.Flags().StringVar(&errDetail, "error", "", "error detail for failed steps")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func approvalCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "approval", Short: "Manage the human-review queue"}
	cmd.AddCommand(approvalListCmd())
	cmd.AddCommand(approvalDecideCmd())
	return cmd
}

func approvalListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approvals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListApprovals(ctx, status, 0)
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "pending", "status filter")
	return cmd
}

func approvalDecideCmd() *cobra.Command {
	var action, notes string
	cmd := &cobra.Command{
		Use:   "decide <id>",
		Short: "Approve or reject a pending approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var notesPtr *string
				if notes != "" {
					notesPtr = &notes
				}
				a, err := e.Decide(ctx, args[0], action, notesPtr)
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "approve or reject")
	cmd.Flags().StringVar(&notes, "notes", "", "operator notes")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "policy", Short: "Manage policies"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListPolicies(ctx)
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	})
	cmd.AddCommand(policySetCmd())
	return cmd
}

func policySetCmd() *cobra.Command {
	var value string
	cmd := &cobra.Command{
		Use:   "set <key>",
		Short: "Upsert a policy value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var tmp any
			if err := json.Unmarshal([]byte(value), &tmp); err != nil {
				return fmt.Errorf("--value must be valid JSON: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				now := time.Now().UTC().Format(time.RFC3339)
				if err := e.Repo.UpsertPolicy(ctx, args[0], value, now); err != nil {
					return err
				}
				p, err := e.Repo.GetPolicy(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "policy value as JSON")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

func triggerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "trigger", Short: "Manage trigger rules"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List trigger rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTriggerRules(ctx, false)
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	})
	cmd.AddCommand(triggerToggleCmd("enable", true))
	cmd.AddCommand(triggerToggleCmd("disable", false))
	return cmd
}

func triggerToggleCmd(use string, enabled bool) *cobra.Command {
	short := "Enable a trigger rule"
	if !enabled {
		short = "Disable a trigger rule"
	}
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.SetTriggerRuleEnabled(ctx, args[0], enabled); err != nil {
					return err
				}
				t, err := e.Repo.GetTriggerRule(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
}

func reactionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "reaction", Short: "Manage the reaction queue"}
	cmd.AddCommand(reactionAddCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List reactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListReactions(ctx, "", 50)
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	})
	return cmd
}

func reactionAddCmd() *cobra.Command {
	var reactionType, target, payload string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Queue a reaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rc, err := e.EnqueueReaction(ctx, reactionType, target, payload)
				if err != nil {
					return err
				}
				return printJSON(rc)
			})
		},
	}
	cmd.Flags().StringVar(&reactionType, "type", "", "reaction type")
	cmd.Flags().StringVar(&target, "target", "", "target agent id")
	cmd.Flags().StringVar(&payload, "payload", "{}", "payload as JSON")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, agentID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, repo.EventFilters{AgentID: agentID, EventType: evtType, Limit: n})
				if err != nil {
					return err
				}
				return printJSON(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id filter")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage worker API keys"}
	cmd.AddCommand(apiKeyCreateCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, "")
				if err != nil {
					return err
				}
				return printJSON(keys)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return cmd
}

func apiKeyCreateCmd() *cobra.Command {
	var agentID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for a worker agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				secret := uuid.New().String()
				key := domain.APIKey{
					ID:      uuid.New().String(),
					AgentID: agentID,
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				// The plaintext secret is shown once and never stored.
				return printJSON(map[string]string{"id": key.ID, "agent_id": agentID, "api_key": secret})
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator JWT",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("OPSLINE_JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("OPSLINE_JWT_SECRET is required")
			}
			now := time.Now().UTC()
			claims := jwt.RegisteredClaims{
				Subject:   subject,
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			}
			token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	conn, cfg, err := app.Open(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, engine.New(conn, cfg))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
