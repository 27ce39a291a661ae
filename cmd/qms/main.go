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

	"qmsline/internal/config"
	"qmsline/internal/db"
	"qmsline/internal/domain"
	"qmsline/internal/migrate"
	"qmsline/internal/notify"
	"qmsline/internal/repo"
	"qmsline/internal/server"
	"qmsline/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "qms",
	Short: "Qmsline CLI",
	Long: `Qmsline runs the quality back office: controlled documents, CAPAs and
change controls, each moving through a named workflow.
- Workspace: the .qmsline directory holding the database; qmsline.yml holds config.
- Actors: the people directory; every actor has exactly one role.
- Documents: draft -> under_review -> under_approval -> approved, with
  rejection and resubmission; every transition stamps a version.
- CAPAs: corrective actions assigned to employees, verified and closed by admins.
- Change controls: submitted changes reviewed and approved by named actors.
- History: an append-only ledger of every transition, view with 'qms history'.
- Notifications: a due-date sweep, view with 'qms notifications'.`,
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
	viper.SetEnvPrefix("QMSLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-admin", "acting actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(actorCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(documentCmd())
	rootCmd.AddCommand(capaCmd())
	rootCmd.AddCommand(changeCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(notificationsCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var projectID, adminID, adminName string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", cfgPath)
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if adminID == "" {
					return nil
				}
				name := adminName
				if name == "" {
					name = adminID
				}
				err := r.InsertActor(ctx, domain.Actor{
					ID:        adminID,
					FullName:  name,
					Role:      domain.RoleAdmin,
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				})
				if err != nil {
					return err
				}
				fmt.Println("created admin actor", adminID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "qms", "project id for qmsline.yml")
	cmd.Flags().StringVar(&adminID, "admin-id", "", "bootstrap an admin actor with this id")
	cmd.Flags().StringVar(&adminName, "admin-name", "", "full name for the bootstrap admin")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e workflow.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate qmsline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgVal, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfgVal.Validate()
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
	})
	return cfg
}

func actorCmd() *cobra.Command {
	actor := &cobra.Command{
		Use:   "actor",
		Short: "Manage the actor directory",
		Long:  "Actors are the people the workflows check against. Each actor holds exactly one role (admin, reviewer, approver, employee, auditor, qa); the role is always read from the directory, never from the caller.",
	}
	actor.AddCommand(actorCreateCmd())
	actor.AddCommand(actorListCmd())
	actor.AddCommand(actorShowCmd())
	actor.AddCommand(actorSetRoleCmd())
	return actor
}

func actorCreateCmd() *cobra.Command {
	var id, name, email, role string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !domain.ValidRole(domain.Role(role)) {
				return fmt.Errorf("unknown role %q (valid: %s)", role, strings.Join(roleNames(), ", "))
			}
			if id == "" {
				id = uuid.New().String()
			}
			a := domain.Actor{
				ID:        id,
				FullName:  name,
				Email:     email,
				Role:      domain.Role(role),
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.InsertActor(ctx, a); err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "actor id (random UUID if omitted)")
	cmd.Flags().StringVar(&name, "name", "", "full name")
	cmd.Flags().StringVar(&email, "email", "", "email")
	cmd.Flags().StringVar(&role, "role", "", "role")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func actorListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List actors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				actors, err := r.ListActors(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(actors)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Role", "Email"})
				for _, a := range actors {
					tw.AppendRow(table.Row{a.ID, a.FullName, a.Role, a.Email})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func actorShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				a, err := r.GetActor(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func actorSetRoleCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "set-role <id>",
		Short: "Change an actor's role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !domain.ValidRole(domain.Role(role)) {
				return fmt.Errorf("unknown role %q (valid: %s)", role, strings.Join(roleNames(), ", "))
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpdateActorRole(ctx, args[0], domain.Role(role)); err != nil {
					return err
				}
				a, err := r.GetActor(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "new role")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyRevokeCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue API key for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetActor(ctx, actorID); err != nil {
					return err
				}
				raw := uuid.New().String() + uuid.New().String()
				key := domain.APIKey{
					ID:      uuid.New().String(),
					ActorID: actorID,
					Name:    name,
					KeyHash: repo.HashAPIKey(raw),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				out := map[string]string{"id": key.ID, "actor_id": key.ActorID, "key": raw}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Println("key id: ", key.ID)
				fmt.Println("api key:", raw)
				fmt.Println("Store the key now; only its hash is kept.")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor id")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func documentCmd() *cobra.Command {
	doc := &cobra.Command{
		Use:   "document",
		Short: "Manage controlled documents",
		Long:  "Documents flow draft -> under_review -> under_approval -> approved. Reviews can reject back out, the uploader resubmits, and every transition stamps a version (1.0, 1.1, 1.2, then 2.0 on rejection).",
	}
	doc.AddCommand(documentCreateCmd())
	doc.AddCommand(listCmd(domain.KindDocument, "documents"))
	doc.AddCommand(showCmd(domain.KindDocument))
	doc.AddCommand(transitionCmd(domain.KindDocument))
	return doc
}

func documentCreateCmd() *cobra.Command {
	var opts workflow.DocumentCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Upload a document",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e workflow.Engine) error {
				in, err := e.CreateDocument(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "document id (deterministic UUID if omitted)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func capaCmd() *cobra.Command {
	capa := &cobra.Command{
		Use:   "capa",
		Short: "Manage CAPAs",
		Long:  "CAPAs (corrective and preventive actions) are assigned to employees, worked open -> in_progress -> pending_verification, then closed or sent back by an admin.",
	}
	capa.AddCommand(capaCreateCmd())
	capa.AddCommand(listCmd(domain.KindCAPA, "CAPAs"))
	capa.AddCommand(showCmd(domain.KindCAPA))
	capa.AddCommand(transitionCmd(domain.KindCAPA))
	return capa
}

func capaCreateCmd() *cobra.Command {
	var opts workflow.CAPACreateOptions
	var due string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a CAPA",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			if cmd.Flags().Changed("due") {
				opts.DueDate = &due
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e workflow.Engine) error {
				in, err := e.CreateCAPA(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "capa id (deterministic UUID if omitted)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&due, "due", "", "due date (RFC 3339)")
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee-id", "", "employee to assign")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func changeCmd() *cobra.Command {
	change := &cobra.Command{
		Use:   "change",
		Short: "Manage change controls",
		Long:  "Change controls name a reviewer and an approver at creation; the reviewer reviews, the approver decides, and rejection at either step ends the change.",
	}
	change.AddCommand(changeCreateCmd())
	change.AddCommand(listCmd(domain.KindChangeControl, "change controls"))
	change.AddCommand(showCmd(domain.KindChangeControl))
	change.AddCommand(transitionCmd(domain.KindChangeControl))
	return change
}

func changeCreateCmd() *cobra.Command {
	var opts workflow.ChangeControlCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Submit a change control",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e workflow.Engine) error {
				in, err := e.CreateChangeControl(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "change control id (deterministic UUID if omitted)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.ReviewerID, "reviewer-id", "", "reviewer actor id")
	cmd.Flags().StringVar(&opts.ApproverID, "approver-id", "", "approver actor id")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("reviewer-id")
	_ = cmd.MarkFlagRequired("approver-id")
	return cmd
}

func listCmd(kind domain.Kind, plural string) *cobra.Command {
	var state, assignedTo string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List " + plural,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListInstances(ctx, repo.InstanceFilters{
					Kind:       kind,
					State:      domain.State(state),
					AssignedTo: assignedTo,
					Limit:      limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Code", "Title", "State", "Version", "Updated"})
				for _, in := range items {
					tw.AppendRow(table.Row{in.ID, in.Code, in.Title, in.State, in.Version, in.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "state filter")
	cmd.Flags().StringVar(&assignedTo, "assignee-id", "", "assignee filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows (0 for all)")
	return cmd
}

func showCmd(kind domain.Kind) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				in, err := r.GetInstance(ctx, kind, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
}

func transitionCmd(kind domain.Kind) *cobra.Command {
	var payload workflow.Payload
	var evidence string
	cmd := &cobra.Command{
		Use:   "transition <id> <edge>",
		Short: "Apply a workflow transition",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("evidence-json") {
				if !json.Valid([]byte(evidence)) {
					return fmt.Errorf("--evidence-json is not valid JSON")
				}
				payload.EvidenceJSON = &evidence
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e workflow.Engine) error {
				in, err := e.AttemptTransition(ctx, kind, args[0], args[1], viper.GetString("actor-id"), payload)
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	cmd.Flags().StringVar(&payload.Decision, "decision", "", "approve or reject (decision edges)")
	cmd.Flags().StringVar(&payload.Comments, "comments", "", "comments recorded in history")
	cmd.Flags().StringVar(&payload.AssigneeID, "assignee-id", "", "assignee (assignment edges)")
	cmd.Flags().StringVar(&evidence, "evidence-json", "", "evidence JSON (capa complete)")
	cmd.Flags().StringVar(&payload.ActionTaken, "action-taken", "", "action taken (capa complete)")
	cmd.Flags().StringVar(&payload.CompletionNotes, "completion-notes", "", "completion notes (capa complete)")
	return cmd
}

func historyCmd() *cobra.Command {
	var newestFirst bool
	cmd := &cobra.Command{
		Use:   "history <kind> <id>",
		Short: "Show the transition ledger for an instance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := domain.Kind(args[0])
			return withEngine(cmd.Context(), func(ctx context.Context, e workflow.Engine) error {
				entries, err := e.GetHistory(ctx, kind, args[1], newestFirst)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Edge", "From", "To", "Actor", "At"})
				for _, h := range entries {
					tw.AppendRow(table.Row{h.ID, h.EdgeName, h.PreviousState, h.NewState, h.ActorID, h.PerformedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&newestFirst, "desc", false, "newest first")
	return cmd
}

func notificationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "notifications",
		Short: "Sweep for overdue and due-soon work",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e workflow.Engine) error {
				alerts, err := e.SweepNotifications(ctx, time.Now())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(alerts)
				}
				if len(alerts) == 0 {
					fmt.Println("nothing pending")
					return nil
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Alert", "Kind", "Instance", "Age", "Message"})
				for _, a := range alerts {
					tw.AppendRow(table.Row{a.Title, a.Kind, a.InstanceID, a.Age, a.Message})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Counts by kind and state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				out := map[domain.Kind]map[domain.State]int{}
				for _, kind := range domain.Kinds() {
					counts, err := r.CountInstancesByState(ctx, kind)
					if err != nil {
						return err
					}
					out[kind] = counts
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				for _, kind := range domain.Kinds() {
					fmt.Printf("%s:\n", kind)
					for state, c := range out[kind] {
						fmt.Printf("  %s: %d\n", state, c)
					}
				}
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
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
			cfg, err := resolveConfig(workspace)
			if err != nil {
				return err
			}
			e, err := workflow.New(conn, cfg)
			if err != nil {
				return err
			}
			e.Notifier = notify.LogDispatcher{}
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("QMSLINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacyHeader,
			}
			if authCfg.JWTSecret == "" && !allowLegacyHeader {
				return fmt.Errorf("QMSLINE_JWT_SECRET is required unless --allow-actor-header is set")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			notify.StartWebhookDispatcher(repo.Repo{DB: conn}, cfg)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Qmsline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyHeader, "allow-actor-header", false, "accept X-Actor-Id without credentials (dev only)")
	return cmd
}

// --- helpers ---

func resolveConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default("qms")
	}
	return cfg, nil
}

func withEngine(ctx context.Context, fn func(context.Context, workflow.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := resolveConfig(workspace)
	if err != nil {
		return err
	}
	e, err := workflow.New(conn, cfg)
	if err != nil {
		return err
	}
	return fn(ctx, e)
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

func roleNames() []string {
	roles := domain.Roles()
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, string(r))
	}
	return names
}
