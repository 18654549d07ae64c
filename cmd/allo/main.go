package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"allo/internal/app"
	"allo/internal/config"
	"allo/internal/db"
	"allo/internal/domain"
	"allo/internal/engine"
	"allo/internal/migrate"
	"allo/internal/repo"
	"allo/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "allo",
	Short: "Allo claiming board",
	Long: `Allo lets a group publish tasks split into a fixed number of slots and
lets the public claim them, first come first served.
- Workspace: the .allo directory holding the SQLite database; allo.yml next to it holds config.
- Groups (BDE lists) own operators and tasks.
- Tasks go DRAFT -> PUBLISHED -> CLOSED; publishing a FOOD task reserves one slot for the standing contact.
- Claims take the lowest free slot; one per phone per task, at most claims.max_active across published tasks.
- Delivery: operators move claimed slots through TODO, IN_PROGRESS and DELIVERED.`,
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ALLO")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (defaults to <workspace>/allo.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("as", "", "operator email for group commands")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("as", rootCmd.PersistentFlags().Lookup("as"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(groupCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(slotCmd())
	rootCmd.AddCommand(liveCmd())
	rootCmd.AddCommand(claimCmd())
	rootCmd.AddCommand(claimsCmd())
	rootCmd.AddCommand(stressCmd())
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				addr, basePath := viper.GetString("addr"), viper.GetString("base-path")
				if addr == "" {
					addr = rt.Config.Server.Addr
				}
				if basePath == "" {
					basePath = rt.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{Engine: rt.Engine, BasePath: basePath, Log: rt.Log})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				rt.Log.WithField("addr", addr).Infof("serving Allo API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	cmd.Flags().String("base-path", "", "API base path (overrides server.base_path)")
	_ = viper.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("base-path", cmd.Flags().Lookup("base-path"))
	return cmd
}

func migrateCmd() *cobra.Command {
	m := &cobra.Command{Use: "migrate", Short: "Database migrations"}
	m.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.MigrateContext(cmd.Context(), conn); err != nil {
				return err
			}
			st, err := migrate.CurrentStatus(cmd.Context(), conn)
			if err != nil {
				return err
			}
			return printJSONOrTable(st)
		},
	})
	m.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			st, err := migrate.CurrentStatus(cmd.Context(), conn)
			if err != nil {
				return err
			}
			return printJSONOrTable(st)
		},
	})
	return m
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default allo.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	c.AddCommand(initCmd)
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(runtimeOptions())
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret != "" {
				cfg.Auth.JWTSecret = "********"
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			return enc.Encode(cfg)
		},
	})
	return c
}

func groupCmd() *cobra.Command {
	g := &cobra.Command{Use: "group", Short: "Manage groups (BDE lists)"}
	g.AddCommand(&cobra.Command{
		Use:   "create NAME",
		Short: "Create a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				grp, err := e.CreateBdeList(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(grp)
			})
		},
	})
	g.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				groups, err := e.ListBdeLists(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(groups)
				}
				tw := newTable(table.Row{"ID", "Name"})
				for _, grp := range groups {
					tw.AppendRow(table.Row{grp.ID, grp.Name})
				}
				tw.Render()
				return nil
			})
		},
	})
	return g
}

func userCmd() *cobra.Command {
	u := &cobra.Command{Use: "user", Short: "Manage operators"}
	var in engine.RegisterInput
	reg := &cobra.Command{
		Use:   "register",
		Short: "Register an operator in a group",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				user, err := e.RegisterUser(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(user)
			})
		},
	}
	reg.Flags().StringVar(&in.Email, "email", "", "email")
	reg.Flags().StringVar(&in.Password, "password", "", "password")
	reg.Flags().StringVar(&in.FirstName, "first-name", "", "first name")
	reg.Flags().StringVar(&in.LastName, "last-name", "", "last name")
	reg.Flags().StringVar(&in.Phone, "phone", "", "phone")
	reg.Flags().Int64Var(&in.BdeListID, "group", 0, "group id")
	_ = reg.MarkFlagRequired("email")
	_ = reg.MarkFlagRequired("password")
	_ = reg.MarkFlagRequired("group")
	u.AddCommand(reg)
	return u
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{Use: "task", Short: "Manage tasks"}
	t.AddCommand(taskCreateCmd())
	t.AddCommand(taskListCmd())
	t.AddCommand(taskShowCmd())
	t.AddCommand(taskTransitionCmd("publish", "Publish a task", engine.Engine.PublishTask))
	t.AddCommand(taskTransitionCmd("close", "Close a task", engine.Engine.CloseTask))
	t.AddCommand(taskTransitionCmd("reopen", "Reopen a closed task", engine.Engine.ReopenTask))
	t.AddCommand(taskAssignCmd())
	t.AddCommand(taskDeleteCmd())
	return t
}

func taskCreateCmd() *cobra.Command {
	var in engine.TaskInput
	var opens, closes string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft task",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if in.OpensAt, err = optionalTime(opens); err != nil {
				return fmt.Errorf("--opens: %w", err)
			}
			if in.ClosesAt, err = optionalTime(closes); err != nil {
				return fmt.Errorf("--closes: %w", err)
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				task, err := e.CreateTask(ctx, actor, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(task)
			})
		},
	}
	cmd.Flags().StringVar(&in.Title, "title", "", "title")
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
	cmd.Flags().StringVar(&in.Conditions, "conditions", "", "conditions")
	cmd.Flags().StringVar(&in.Theme, "theme", "OTHER", "theme (FOOD, POLE, TRANSPORT, FUN, DEMONIAQUE, OTHER)")
	cmd.Flags().IntVar(&in.Slots, "slots", 1, "number of slots")
	cmd.Flags().StringVar(&opens, "opens", "", "window start (RFC3339)")
	cmd.Flags().StringVar(&closes, "closes", "", "window end (RFC3339)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the group's tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				d, err := e.Dashboard(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				printSummaries(d.Tasks)
				return nil
			})
		},
	}
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show a task with its slots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				view, err := e.OperatorTask(ctx, actor, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				fmt.Printf("#%d %s [%s, %s] %d/%d claimed\n", view.ID, view.Title, view.Status, view.Theme, view.ClaimedSlots, view.TotalSlots)
				tw := newTable(table.Row{"Slot", "Name", "Phone", "Address", "Delivery", "Claimed at"})
				for _, s := range view.Slots {
					tw.AppendRow(table.Row{s.ID, deref(s.ClaimedByName), deref(s.ClaimedByPhone), deref(s.ClaimedByAddress), s.DeliveryStatus, deref(s.ClaimedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func taskTransitionCmd(use, short string, fn func(engine.Engine, context.Context, engine.Actor, int64) (domain.Task, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				task, err := fn(e, ctx, actor, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(task)
			})
		},
	}
}

func taskAssignCmd() *cobra.Command {
	var to int64
	cmd := &cobra.Command{
		Use:   "assign ID",
		Short: "Assign a task to a group member (--to 0 clears)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				task, err := e.AssignTask(ctx, actor, id, &to)
				if err != nil {
					return err
				}
				return printJSONOrTable(task)
			})
		},
	}
	cmd.Flags().Int64Var(&to, "to", 0, "user id")
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a task and its slots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				if err := e.DeleteTask(ctx, actor, id); err != nil {
					return err
				}
				fmt.Println("deleted task", id)
				return nil
			})
		},
	}
}

func slotCmd() *cobra.Command {
	s := &cobra.Command{Use: "slot", Short: "Manage claimed slots"}
	s.AddCommand(&cobra.Command{
		Use:   "status ID STATUS",
		Short: "Set delivery status (todo, in_progress, delivered)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			status, ok := domain.ParseDeliveryStatus(args[1])
			if !ok {
				return fmt.Errorf("unknown delivery status %q", args[1])
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				slot, err := e.SetDeliveryStatus(ctx, actor, id, status)
				if err != nil {
					return err
				}
				return printJSONOrTable(slot)
			})
		},
	})
	s.AddCommand(&cobra.Command{
		Use:   "unclaim ID",
		Short: "Free a claimed slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				slot, err := e.Unclaim(ctx, actor, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(slot)
			})
		},
	})
	return s
}

func liveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "live",
		Short: "Published tasks, those with free slots first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Live(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				printSummaries(tasks)
				return nil
			})
		},
	}
}

func claimCmd() *cobra.Command {
	var in engine.ClaimInput
	cmd := &cobra.Command{
		Use:   "claim TASK_ID",
		Short: "Claim the next free slot of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			in.TaskID = id
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.AttemptClaim(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&in.FirstName, "first-name", "", "first name")
	cmd.Flags().StringVar(&in.LastName, "last-name", "", "last name")
	cmd.Flags().StringVar(&in.Phone, "phone", "", "phone")
	cmd.Flags().StringVar(&in.Building, "building", "", "building")
	cmd.Flags().StringVar(&in.Room, "room", "", "room")
	return cmd
}

func claimsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "claims PHONE",
		Short: "Slots held by a phone number",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				claims, err := e.MyClaims(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(claims)
				}
				tw := newTable(table.Row{"Slot", "Task", "Theme", "Group", "Delivery", "Claimed at"})
				for _, c := range claims {
					tw.AppendRow(table.Row{c.ID, c.TaskTitle, c.TaskTheme, c.BdeListName, c.DeliveryStatus, deref(c.ClaimedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(ctx, runtimeOptions())
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		return fn(ctx, rt.Engine)
	})
}

// withActor resolves --as to an operator of the workspace.
func withActor(ctx context.Context, fn func(context.Context, engine.Engine, engine.Actor) error) error {
	email := strings.ToLower(strings.TrimSpace(viper.GetString("as")))
	if email == "" {
		return fmt.Errorf("--as <operator email> required")
	}
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		u, err := e.Repo.GetUserByEmail(ctx, email)
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("no operator with email %s", email)
		}
		if err != nil {
			return err
		}
		return fn(ctx, e, engine.Actor{UserID: u.ID, BdeListID: u.BdeListID})
	})
}

func runtimeOptions() app.Options {
	return app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
	}
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func printSummaries(tasks []domain.TaskSummary) {
	tw := newTable(table.Row{"ID", "Title", "Theme", "Group", "Status", "Window", "Free", "Claimed"})
	for _, t := range tasks {
		tw.AppendRow(table.Row{t.ID, t.Title, t.Theme, t.BdeListName, t.Status, t.TimeStatus, t.AvailableSlots, fmt.Sprintf("%d/%d", t.ClaimedSlots, t.TotalSlots)})
	}
	tw.Render()
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

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func optionalTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
