package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"taskgate/internal/agent"
	"taskgate/internal/config"
	"taskgate/internal/db"
	"taskgate/internal/domain"
	"taskgate/internal/gateway"
	"taskgate/internal/logger"
	"taskgate/internal/migrate"
	"taskgate/internal/queue"
	"taskgate/internal/router"
	"taskgate/internal/rpc"
	"taskgate/internal/store"
	"taskgate/internal/taskserv"
	"taskgate/internal/transport"
	"taskgate/internal/wire"
)

var rootCmd = &cobra.Command{
	Use:   "tg",
	Short: "Taskgate CLI",
	Long: `Taskgate is a platform gateway with a single dispatch core. Each
request declares a target domain and the router sends it down exactly
one of four paths: a direct datastore query, a binary RPC to the task
service, an asynchronous queue publish, or a delegated agent call.

Run the task service with 'tg serve', the HTTP gateway with
'tg gateway', and manage tasks over the RPC path with 'tg task'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return logger.Init(cfg.Logging.Development)
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	defer logger.Sync()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TASKGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/taskgate.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(gatewayCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(configCmd())
}

func loadConfig() (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	return config.Load(viper.GetString("workspace"))
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the task service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Service.Addr = addr
			}
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			srv := taskserv.New(conn, taskserv.Config{
				Addr:              cfg.Service.Addr,
				Codec:             wire.Codec{MaxMessageSize: cfg.Service.MaxMessageSize},
				CompressThreshold: cfg.Service.CompressThreshold,
			})
			if err := srv.Listen(); err != nil {
				return err
			}
			go func() {
				<-cmd.Context().Done()
				srv.Close()
			}()
			fmt.Printf("Serving task RPC on %s\n", srv.Addr())
			return srv.Serve()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

func gatewayCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Start the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Gateway.Addr = addr
			}
			if basePath != "" {
				cfg.Gateway.BasePath = basePath
			}
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			rt, cleanup, err := buildRouter(cfg, conn)
			if err != nil {
				return err
			}
			defer cleanup()
			secret := cfg.Gateway.JWTSecret
			if env := os.Getenv("TASKGATE_JWT_SECRET"); env != "" {
				secret = env
			}
			handler, err := gateway.New(gateway.Config{
				Router:   rt,
				Codec:    wire.Codec{MaxMessageSize: cfg.Service.MaxMessageSize},
				BasePath: cfg.Gateway.BasePath,
				Auth:     gateway.AuthConfig{JWTSecret: secret},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Gateway.Addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Taskgate API on http://%s%s (OpenAPI at %s/openapi.json)\n",
				cfg.Gateway.Addr, cfg.Gateway.BasePath, cfg.Gateway.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides config)")
	return cmd
}

// buildRouter assembles the dispatch core from config. Queue and agent
// backends stay nil when unconfigured; requests routed to them fail
// with an internal error instead of blocking startup.
func buildRouter(cfg *config.Config, conn *sql.DB) (*router.Router, func(), error) {
	pool := transport.NewPool(cfg.Service.Addr, cfg.Pool.Size, transport.Options{
		DialTimeout:    cfg.Pool.DialTimeout,
		KeepAlive:      cfg.Pool.KeepAlive,
		ReadBufferSize: cfg.Pool.ReadBufferSize,
		LowLatency:     cfg.Pool.LowLatency,
		MaxMessageSize: cfg.Service.MaxMessageSize,
	})
	client := rpc.NewClient(pool)
	client.Codec = wire.Codec{MaxMessageSize: cfg.Service.MaxMessageSize}
	client.CompressThreshold = cfg.Service.CompressThreshold

	rt := &router.Router{
		Routes:        parseRoutes(cfg.Routes),
		Datastore:     router.SQLDatastore{DB: conn},
		Tasks:         client,
		Codec:         client.Codec,
		SubjectPrefix: cfg.Queue.SubjectPrefix,
	}
	cleanup := func() { pool.Close() }
	if cfg.Queue.URL != "" {
		pub, err := queue.Connect(cfg.Queue.URL)
		if err != nil {
			logger.Warn("queue backend unavailable, queue routes will fail",
				zap.String("url", cfg.Queue.URL), zap.Error(err))
		} else {
			rt.Queue = pub
			prev := cleanup
			cleanup = func() { pub.Close(); prev() }
		}
	}
	if cfg.Agent.BaseURL != "" {
		ac := agent.New(cfg.Agent.BaseURL)
		ac.Timeout = cfg.Agent.Timeout
		rt.Agent = ac
	}
	return rt, cleanup, nil
}

func parseRoutes(routes map[string]string) map[string]router.Pattern {
	if len(routes) == 0 {
		return router.DefaultRoutes()
	}
	out := make(map[string]router.Pattern, len(routes))
	for domainName, pattern := range routes {
		switch pattern {
		case "datastore":
			out[domainName] = router.PatternDatastore
		case "rpc":
			out[domainName] = router.PatternRPC
		case "queue":
			out[domainName] = router.PatternQueue
		case "agent":
			out[domainName] = router.PatternAgent
		}
	}
	return out
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks over the RPC path",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskUpdateCmd())
	task.AddCommand(taskDeleteCmd())
	task.AddCommand(taskWatchCmd())
	task.AddCommand(taskStatsCmd())
	return task
}

func taskStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize tasks by status from the workspace database",
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
			counts, err := store.Store{DB: conn}.CountByStatus(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{
					"database": db.Path(workspace),
					"counts":   counts,
				})
			}
			fmt.Println("Database:", db.Path(workspace))
			w := table.NewWriter()
			w.SetOutputMirror(os.Stdout)
			w.AppendHeader(table.Row{"Status", "Tasks"})
			for _, st := range []domain.Status{domain.StatusTodo, domain.StatusInProgress, domain.StatusDone} {
				w.AppendRow(table.Row{st.String(), counts[st.String()]})
			}
			w.Render()
			return nil
		},
	}
	return cmd
}

func taskCreateCmd() *cobra.Command {
	var title, description, priority, statusStr, project, due string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" {
				return fmt.Errorf("--title required")
			}
			t, err := buildTask(title, description, priority, statusStr, project, due)
			if err != nil {
				return err
			}
			return withClient(cmd.Context(), func(ctx context.Context, c *rpc.Client) error {
				created, err := c.Create(ctx, t)
				if err != nil {
					return err
				}
				return printTask(created)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&priority, "priority", "", "priority (low, medium, high, urgent)")
	cmd.Flags().StringVar(&statusStr, "status", "", "status (todo, in_progress, done)")
	cmd.Flags().StringVar(&project, "project", "", "project id")
	cmd.Flags().StringVar(&due, "due", "", "due date (RFC 3339)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var statusStr, priority string
	var completed bool
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := buildFilter(cmd, statusStr, priority, completed, limit)
			if err != nil {
				return err
			}
			return withClient(cmd.Context(), func(ctx context.Context, c *rpc.Client) error {
				tasks, err := c.List(ctx, filter)
				if err != nil {
					return err
				}
				return printTasks(tasks)
			})
		},
	}
	cmd.Flags().StringVar(&statusStr, "status", "", "filter by status")
	cmd.Flags().StringVar(&priority, "priority", "", "filter by priority")
	cmd.Flags().BoolVar(&completed, "completed", false, "filter by completion")
	cmd.Flags().IntVar(&limit, "limit", 0, "max records")
	return cmd
}

func taskGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid task id %q", args[0])
			}
			return withClient(cmd.Context(), func(ctx context.Context, c *rpc.Client) error {
				t, err := c.GetByID(ctx, id)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	return cmd
}

func taskUpdateCmd() *cobra.Command {
	var title, description, priority, statusStr, project, due string
	var completed bool
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a task (full record replace)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid task id %q", args[0])
			}
			return withClient(cmd.Context(), func(ctx context.Context, c *rpc.Client) error {
				current, err := c.GetByID(ctx, id)
				if err != nil {
					return err
				}
				next := current
				if cmd.Flags().Changed("title") {
					next.Title = title
				}
				if cmd.Flags().Changed("description") {
					next.Description = description
				}
				if cmd.Flags().Changed("completed") {
					next.Completed = completed
				}
				if cmd.Flags().Changed("priority") {
					p, err := domain.ParsePriority(priority)
					if err != nil {
						return err
					}
					next.Priority = p
				}
				if cmd.Flags().Changed("status") {
					s, err := domain.ParseStatus(statusStr)
					if err != nil {
						return err
					}
					next.Status = s
				}
				if cmd.Flags().Changed("project") {
					pid, err := uuid.Parse(project)
					if err != nil {
						return err
					}
					next.ProjectID = &pid
				}
				if cmd.Flags().Changed("due") {
					d, err := time.Parse(time.RFC3339, due)
					if err != nil {
						return err
					}
					next.DueDate = &d
				}
				updated, err := c.UpdateByID(ctx, next)
				if err != nil {
					return err
				}
				return printTask(updated)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().BoolVar(&completed, "completed", false, "completion flag")
	cmd.Flags().StringVar(&priority, "priority", "", "priority (low, medium, high, urgent)")
	cmd.Flags().StringVar(&statusStr, "status", "", "status (todo, in_progress, done)")
	cmd.Flags().StringVar(&project, "project", "", "project id")
	cmd.Flags().StringVar(&due, "due", "", "due date (RFC 3339)")
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid task id %q", args[0])
			}
			return withClient(cmd.Context(), func(ctx context.Context, c *rpc.Client) error {
				return c.DeleteByID(ctx, id)
			})
		},
	}
	return cmd
}

func taskWatchCmd() *cobra.Command {
	var statusStr, priority string
	var completed bool
	var limit int
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream matching tasks as they are sent",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := buildFilter(cmd, statusStr, priority, completed, limit)
			if err != nil {
				return err
			}
			return withClient(cmd.Context(), func(ctx context.Context, c *rpc.Client) error {
				stream, err := c.ListStream(ctx, filter)
				if err != nil {
					return err
				}
				defer stream.Close()
				for {
					t, err := stream.Recv(ctx)
					if err != nil {
						if errors.Is(err, io.EOF) {
							return nil
						}
						return err
					}
					fmt.Printf("%s  %-12s %-10s %s\n", t.ID, t.Status, t.Priority, t.Title)
				}
			})
		},
	}
	cmd.Flags().StringVar(&statusStr, "status", "", "filter by status")
	cmd.Flags().StringVar(&priority, "priority", "", "filter by priority")
	cmd.Flags().BoolVar(&completed, "completed", false, "filter by completion")
	cmd.Flags().IntVar(&limit, "limit", 0, "max records")
	return cmd
}

func dispatchCmd() *cobra.Command {
	var operation, target, payload string
	var deadlineMS int
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Send a raw request through the dispatch core",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			rt, cleanup, err := buildRouter(cfg, conn)
			if err != nil {
				return err
			}
			defer cleanup()
			req := router.Request{
				Operation:    operation,
				TargetDomain: target,
				Payload:      []byte(payload),
				Caller:       router.CallerContext{ActorID: viper.GetString("actor-id")},
			}
			if deadlineMS > 0 {
				req.Deadline = time.Duration(deadlineMS) * time.Millisecond
			}
			resp := rt.Dispatch(cmd.Context(), req)
			out := map[string]any{
				"status":       resp.Status,
				"pattern_used": resp.Pattern.String(),
				"result":       resp.Result,
			}
			if resp.Err != nil {
				out["error"] = map[string]string{
					"kind":    resp.Err.Kind.String(),
					"message": resp.Err.Message,
				}
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringVar(&operation, "operation", "", "operation name")
	cmd.Flags().StringVar(&target, "target", "", "target domain")
	cmd.Flags().StringVar(&payload, "payload", "", "raw payload")
	cmd.Flags().IntVar(&deadlineMS, "deadline-ms", 0, "per-request deadline in milliseconds")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	return cmd
}

// withClient dials the task service pool for one command invocation.
func withClient(ctx context.Context, fn func(context.Context, *rpc.Client) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pool := transport.NewPool(cfg.Service.Addr, cfg.Pool.Size, transport.Options{
		DialTimeout:    cfg.Pool.DialTimeout,
		KeepAlive:      cfg.Pool.KeepAlive,
		ReadBufferSize: cfg.Pool.ReadBufferSize,
		LowLatency:     cfg.Pool.LowLatency,
		MaxMessageSize: cfg.Service.MaxMessageSize,
	})
	defer pool.Close()
	client := rpc.NewClient(pool)
	client.Codec = wire.Codec{MaxMessageSize: cfg.Service.MaxMessageSize}
	client.CompressThreshold = cfg.Service.CompressThreshold
	return fn(ctx, client)
}

func buildTask(title, description, priority, statusStr, project, due string) (domain.Task, error) {
	var t domain.Task
	t.Title = title
	t.Description = description
	p, err := domain.ParsePriority(priority)
	if err != nil {
		return t, err
	}
	t.Priority = p
	s, err := domain.ParseStatus(statusStr)
	if err != nil {
		return t, err
	}
	t.Status = s
	if project != "" {
		pid, err := uuid.Parse(project)
		if err != nil {
			return t, err
		}
		t.ProjectID = &pid
	}
	if due != "" {
		d, err := time.Parse(time.RFC3339, due)
		if err != nil {
			return t, err
		}
		t.DueDate = &d
	}
	return t, nil
}

func buildFilter(cmd *cobra.Command, statusStr, priority string, completed bool, limit int) (domain.ListFilter, error) {
	var filter domain.ListFilter
	s, err := domain.ParseStatus(statusStr)
	if err != nil {
		return filter, err
	}
	filter.Status = s
	p, err := domain.ParsePriority(priority)
	if err != nil {
		return filter, err
	}
	filter.Priority = p
	if cmd.Flags().Changed("completed") {
		filter.Completed = &completed
	}
	filter.Limit = limit
	return filter, nil
}

func printTask(t domain.Task) error {
	return printTasks([]domain.Task{t})
}

func printTasks(tasks []domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(tasks)
	}
	w := table.NewWriter()
	w.SetOutputMirror(os.Stdout)
	w.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Completed", "Due"})
	for _, t := range tasks {
		due := ""
		if t.DueDate != nil {
			due = t.DueDate.UTC().Format("2006-01-02")
		}
		w.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Priority, t.Completed, due})
	}
	w.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
