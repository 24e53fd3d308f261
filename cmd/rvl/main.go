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

	"reviewline/internal/app"
	"reviewline/internal/config"
	"reviewline/internal/db"
	"reviewline/internal/domain"
	"reviewline/internal/engine"
	"reviewline/internal/migrate"
	"reviewline/internal/repo"
	"reviewline/internal/server"
	"reviewline/internal/state"
)

var rootCmd = &cobra.Command{
	Use:   "rvl",
	Short: "Reviewline CLI",
	Long: `Reviewline routes event requests through a stateful approval workflow.
Core concepts:
- Workspace: the .reviewline directory holding the database; config comes from reviewline.yml or the stored copy.
- Request: an event request moving pending-review -> approved/rejected/cancelled, with reschedule negotiation in between.
- Reviewer routing: an ordered rule table picks a reviewer by authority tier, organization, and coverage area.
- Active responder: whichever party owes the next move; reschedules flip it, decisions clear it.
- Claims: a time-boxed exclusive hold a coordinator takes while deciding (rvl request claim/release).
- Event log: diary of every change, view with 'rvl log tail'.`,
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
	viper.SetEnvPrefix("REVIEWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user-id", "local-user", "acting user identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user-id", rootCmd.PersistentFlags().Lookup("user-id"))
}

func registerCommands() {
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func requestCmd() *cobra.Command {
	req := &cobra.Command{
		Use:   "request",
		Short: "Manage requests",
		Long:  "Requests are event requests under review. Create one, watch the routing pick a reviewer, then move it with accept/reject/reschedule/confirm/cancel.",
	}
	req.AddCommand(requestCreateCmd())
	req.AddCommand(requestShowCmd())
	req.AddCommand(requestListCmd())
	req.AddCommand(requestHistoryCmd())
	req.AddCommand(requestActionsCmd())
	req.AddCommand(requestClaimCmd())
	req.AddCommand(requestReleaseCmd())
	req.AddCommand(requestDeleteCmd())
	for _, action := range []string{
		state.ActionAccept, state.ActionReject, state.ActionDecline,
		state.ActionConfirm, state.ActionCancel,
	} {
		req.AddCommand(simpleActionCmd(action))
	}
	req.AddCommand(requestRescheduleCmd())
	req.AddCommand(requestEditCmd())
	req.AddCommand(requestStaffCmd())
	return req
}

func requestCreateCmd() *cobra.Command {
	var opts engine.CreateRequestOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a request",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.RequesterID = viper.GetString("user-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.CreateRequest(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "request id (generated when empty)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.LocationID, "location", "", "location id")
	cmd.Flags().StringVar(&opts.OrgID, "org", "", "organization id")
	cmd.Flags().StringVar(&opts.MunicipalityID, "municipality", "", "municipality id")
	cmd.Flags().StringVar(&opts.EventDate, "date", "", "event date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.StartTime, "start", "", "start time (HH:MM)")
	cmd.Flags().StringVar(&opts.StakeholderID, "stakeholder", "", "explicit stakeholder reviewer")
	cmd.Flags().StringSliceVar(&opts.Staff, "staff", nil, "staff user ids")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func requestShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <request-id>",
		Short: "Show a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.GetRequest(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	return cmd
}

func requestListCmd() *cobra.Command {
	var f repo.RequestFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				reqs, err := e.ListRequests(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(reqs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Requester", "Reviewer", "Responder"})
				for _, r := range reqs {
					reviewer, responder := "", ""
					if r.Reviewer != nil {
						reviewer = r.Reviewer.UserID
					}
					if r.Responder != nil {
						responder = r.Responder.UserID
					}
					tw.AppendRow(table.Row{r.ID, r.Title, r.Status, r.Requester.UserID, reviewer, responder})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.RequesterID, "requester", "", "requester filter")
	cmd.Flags().StringVar(&f.ReviewerID, "reviewer", "", "reviewer filter")
	cmd.Flags().StringVar(&f.LocationID, "location", "", "location filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func requestHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <request-id>",
		Short: "Show the status trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				history, err := e.History(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(history)
			})
		},
	}
	return cmd
}

func requestActionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actions <request-id>",
		Short: "List actions available to the acting user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actions, err := e.AvailableActions(ctx, args[0], viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(actions)
			})
		},
	}
	return cmd
}

func simpleActionCmd(action string) *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   action + " <request-id>",
		Short: strings.ToUpper(action[:1]) + action[1:] + " a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.ExecuteAction(ctx, engine.ActionOptions{
					RequestID: args[0],
					ActorID:   viper.GetString("user-id"),
					Action:    action,
					Note:      note,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "history note")
	return cmd
}

func requestRescheduleCmd() *cobra.Command {
	var opts engine.ActionOptions
	cmd := &cobra.Command{
		Use:   "reschedule <request-id>",
		Short: "Propose a new schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.RequestID = args[0]
			opts.ActorID = viper.GetString("user-id")
			opts.Action = state.ActionReschedule
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.ExecuteAction(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ProposedDate, "date", "", "proposed date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.ProposedStartTime, "start", "", "proposed start time (HH:MM)")
	cmd.Flags().StringVar(&opts.ProposalNotes, "notes", "", "proposal notes")
	cmd.Flags().StringVar(&opts.Note, "note", "", "history note")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

func requestEditCmd() *cobra.Command {
	var title, description, date, start string
	cmd := &cobra.Command{
		Use:   "edit <request-id>",
		Short: "Edit request details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.ActionOptions{
				RequestID: args[0],
				ActorID:   viper.GetString("user-id"),
				Action:    state.ActionEdit,
			}
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &description
			}
			if cmd.Flags().Changed("date") {
				opts.EventDate = &date
			}
			if cmd.Flags().Changed("start") {
				opts.StartTime = &start
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.ExecuteAction(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&description, "description", "", "new description")
	cmd.Flags().StringVar(&date, "date", "", "new event date")
	cmd.Flags().StringVar(&start, "start", "", "new start time")
	return cmd
}

func requestStaffCmd() *cobra.Command {
	var staff []string
	cmd := &cobra.Command{
		Use:   "staff <request-id>",
		Short: "Replace the staff roster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.ExecuteAction(ctx, engine.ActionOptions{
					RequestID: args[0],
					ActorID:   viper.GetString("user-id"),
					Action:    state.ActionManageStaff,
					Staff:     staff,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	cmd.Flags().StringSliceVar(&staff, "set", nil, "staff user ids")
	return cmd
}

func requestClaimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claim <request-id>",
		Short: "Take the exclusive decision hold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.ClaimRequest(ctx, args[0], viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	return cmd
}

func requestReleaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release <request-id>",
		Short: "Release the decision hold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.ReleaseClaim(ctx, args[0], viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	return cmd
}

func requestDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <request-id>",
		Short: "Delete a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteRequest(ctx, args[0], viper.GetString("user-id")); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
	return cmd
}

func userCmd() *cobra.Command {
	usr := &cobra.Command{Use: "user", Short: "Manage users"}
	usr.AddCommand(userCreateCmd())
	usr.AddCommand(userListCmd())
	usr.AddCommand(userActivateCmd(true))
	usr.AddCommand(userActivateCmd(false))
	return usr
}

func userCreateCmd() *cobra.Command {
	var u domain.User
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create or update a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			u.Active = true
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				for _, org := range u.Organizations {
					if err := r.EnsureOrg(ctx, org, ""); err != nil {
						return err
					}
				}
				for _, muni := range u.Municipalities {
					if err := r.EnsureMunicipality(ctx, muni, ""); err != nil {
						return err
					}
				}
				if err := r.InsertUser(ctx, u); err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&u.ID, "id", "", "user id")
	cmd.Flags().StringVar(&u.FirstName, "first-name", "", "first name")
	cmd.Flags().StringVar(&u.LastName, "last-name", "", "last name")
	cmd.Flags().StringVar(&u.Email, "email", "", "email")
	cmd.Flags().StringVar(&u.RoleID, "role", "", "role id")
	cmd.Flags().StringSliceVar(&u.Organizations, "org", nil, "organization memberships")
	cmd.Flags().StringSliceVar(&u.Municipalities, "municipality", nil, "coverage areas")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func userListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				users, err := r.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Role", "Active"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.DisplayName(), u.RoleID, u.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func userActivateCmd(active bool) *cobra.Command {
	use, short := "activate <user-id>", "Activate a user"
	if !active {
		use, short = "deactivate <user-id>", "Deactivate a user"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.SetUserActive(ctx, args[0], active)
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var id, userID, name, rawKey string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if rawKey == "" {
				return fmt.Errorf("--key required")
			}
			if userID == "" {
				userID = viper.GetString("user-id")
			}
			if id == "" {
				id = fmt.Sprintf("key-%d", time.Now().Unix())
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				key := domain.APIKey{ID: id, UserID: userID, Name: name, KeyHash: repo.HashAPIKey(rawKey)}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				return printJSONOrTable(key)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "key id")
	cmd.Flags().StringVar(&userID, "user", "", "key owner (defaults to acting user)")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	cmd.Flags().StringVar(&rawKey, "key", "", "raw key value (only its hash is stored)")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, userID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "filter by owner")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect service config",
		Long:  "Config is the rulebook: routing rules, RBAC roles with authority tiers, claim timeout, and webhooks. Import from reviewline.yml if desired.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
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
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
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

func configImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import config from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cfg, err := app.ImportConfig(ctx, file, r)
				if err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to config YAML")
	return cmd
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default reviewline.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault("reviewline")), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: request changes, claims, routing decisions.",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var after int64
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if after == 0 {
					latest, err := r.LatestEventID(ctx)
					if err != nil {
						return err
					}
					after = latest - int64(n)
					if after < 0 {
						after = 0
					}
				}
				events, err := r.EventsAfter(ctx, after, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "start after event id")
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacy bool
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
			r := repo.Repo{DB: conn}
			cfg, err := app.ResolveConfig(cmd.Context(), workspace, r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:             os.Getenv("REVIEWLINE_JWT_SECRET"),
				AllowLegacyUserHeader: allowLegacy,
			}
			if authCfg.JWTSecret == "" && !allowLegacy {
				return fmt.Errorf("REVIEWLINE_JWT_SECRET is required for bearer auth")
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
			fmt.Printf("Serving Reviewline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-user-header", false, "accept X-User-Id without auth (development only)")
	return cmd
}

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
	r := repo.Repo{DB: conn}
	cfg, err := app.ResolveConfig(ctx, workspace, r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
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
