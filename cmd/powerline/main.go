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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"powerline/internal/app"
	"powerline/internal/config"
	"powerline/internal/db"
	"powerline/internal/domain"
	"powerline/internal/engine"
	"powerline/internal/logging"
	"powerline/internal/metrics"
	"powerline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "powerline",
	Short: "Powerline outage notification service",
	Long: `Powerline records village power outages and texts residents when power goes out and comes back.
- Workspace: a directory holding powerline.db and an optional powerline.yml.
- Villages: the unit residents belong to and outages are reported for.
- Employees report and resolve outages; residents only read outages of their own village.
- Notifications: every report and restore is sent by SMS to the active residents of the village.
- Event log: audit trail of changes, view with 'powerline events tail'.`,
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
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("POWERLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("as", "", "act as the user with this mobile number (default: system operator)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("as", rootCmd.PersistentFlags().Lookup("as"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(adminCmd())
	rootCmd.AddCommand(villageCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(outageCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage powerline.yml"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default powerline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config after environment overrides",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			applyOverrides(cfg)
			if cfg.SMS.APIKey != "" {
				cfg.SMS.APIKey = "********"
			}
			if cfg.Auth.JWTSecret != "" {
				cfg.Auth.JWTSecret = "********"
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func adminCmd() *cobra.Command {
	admin := &cobra.Command{Use: "admin", Short: "Administrative tasks"}
	admin.AddCommand(adminBootstrapCmd())
	return admin
}

func adminBootstrapCmd() *cobra.Command {
	var name, mobile, password string
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Create the first staff employee (no-op if it exists)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("POWERLINE_ADMIN_PASSWORD")
			}
			if password == "" {
				return fmt.Errorf("--password or POWERLINE_ADMIN_PASSWORD required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ domain.Principal) error {
				u, created, err := app.EnsureEmployee(ctx, e, name, mobile, password)
				if err != nil {
					return err
				}
				if !created && !viper.GetBool("json") {
					fmt.Printf("Employee %s already exists\n", u.Mobile)
				}
				return printUsers([]domain.User{u})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "Administrator", "display name")
	cmd.Flags().StringVar(&mobile, "mobile", "", "mobile number")
	cmd.Flags().StringVar(&password, "password", "", "password")
	_ = cmd.MarkFlagRequired("mobile")
	return cmd
}

func villageCmd() *cobra.Command {
	v := &cobra.Command{Use: "village", Short: "Manage villages"}
	v.AddCommand(villageCreateCmd())
	v.AddCommand(villageListCmd())
	v.AddCommand(villageDeleteCmd())
	return v
}

func villageCreateCmd() *cobra.Command {
	var opts engine.VillageOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a village",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Principal) error {
				v, err := e.CreateVillage(ctx, p, opts)
				if err != nil {
					return err
				}
				return printVillages([]domain.Village{v})
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "village name")
	cmd.Flags().StringVar(&opts.District, "district", "", "district")
	cmd.Flags().StringVar(&opts.State, "state", "", "state")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func villageListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List villages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Principal) error {
				items, err := e.ListVillages(ctx, p)
				if err != nil {
					return err
				}
				return printVillages(items)
			})
		},
	}
}

func villageDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a village and its outages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Principal) error {
				return e.DeleteVillage(ctx, p, args[0])
			})
		},
	}
}

func userCmd() *cobra.Command {
	u := &cobra.Command{Use: "user", Short: "Manage users"}
	u.AddCommand(userCreateCmd())
	u.AddCommand(userListCmd())
	return u
}

func userCreateCmd() *cobra.Command {
	var opts engine.UserOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a resident or employee",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Principal) error {
				u, err := e.CreateUser(ctx, p, opts)
				if err != nil {
					return err
				}
				return printUsers([]domain.User{u})
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.Mobile, "mobile", "", "mobile number")
	cmd.Flags().StringVar(&opts.Password, "password", "", "password")
	cmd.Flags().StringVar(&opts.Role, "role", "resident", "resident or employee")
	cmd.Flags().StringVar(&opts.VillageID, "village", "", "village id")
	cmd.Flags().BoolVar(&opts.IsStaff, "staff", false, "grant staff flag")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("mobile")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func userListCmd() *cobra.Command {
	var f engine.UserFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Principal) error {
				items, err := e.ListUsers(ctx, p, f)
				if err != nil {
					return err
				}
				return printUsers(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.VillageID, "village", "", "village filter")
	cmd.Flags().StringVar(&f.Role, "role", "", "role filter")
	return cmd
}

func outageCmd() *cobra.Command {
	o := &cobra.Command{
		Use:   "outage",
		Short: "Report, resolve and list outages",
		Long:  "Outages start when reported and end when resolved. Both transitions text every active resident of the village.",
	}
	o.AddCommand(outageCreateCmd())
	o.AddCommand(outageListCmd(false))
	o.AddCommand(outageListCmd(true))
	o.AddCommand(outageResolveCmd())
	o.AddCommand(outageDeleteCmd())
	return o
}

func outageCreateCmd() *cobra.Command {
	var opts engine.OutageCreateOptions
	var hours int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Report an outage and notify residents",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("hours") {
				opts.DurationHours = &hours
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Principal) error {
				o, err := e.CreateOutage(ctx, p, opts)
				if err != nil {
					return err
				}
				return printOutages([]domain.Outage{o})
			})
		},
	}
	cmd.Flags().StringVar(&opts.VillageID, "village", "", "village id")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "reason shown to residents")
	cmd.Flags().IntVar(&hours, "hours", 0, "expected duration in hours (default from config)")
	_ = cmd.MarkFlagRequired("village")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func outageListCmd(activeOnly bool) *cobra.Command {
	use, short := "list", "List outages, newest first"
	if activeOnly {
		use, short = "active", "List unresolved outages"
	}
	var village string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Principal) error {
				var (
					items []domain.Outage
					err   error
				)
				if activeOnly {
					items, err = e.ListActiveOutages(ctx, p)
				} else {
					items, err = e.ListOutages(ctx, p)
				}
				if err != nil {
					return err
				}
				if village != "" {
					filtered := items[:0]
					for _, o := range items {
						if o.VillageID == village {
							filtered = append(filtered, o)
						}
					}
					items = filtered
				}
				return printOutages(items)
			})
		},
	}
	cmd.Flags().StringVar(&village, "village", "", "village filter")
	return cmd
}

func outageResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <id>",
		Short: "Mark an outage resolved and notify residents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Principal) error {
				o, err := e.ResolveOutage(ctx, p, args[0])
				if err != nil {
					return err
				}
				return printOutages([]domain.Outage{o})
			})
		},
	}
}

func outageDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an outage record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Principal) error {
				return e.DeleteOutage(ctx, p, args[0])
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	t := &cobra.Command{Use: "token", Short: "Manage API credentials"}
	t.AddCommand(tokenMintCmd())
	t.AddCommand(tokenPurgeCmd())
	return t
}

func tokenMintCmd() *cobra.Command {
	var userID string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint a bearer JWT for an active user (for integrations)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ domain.Principal) error {
				u, err := e.ActiveUser(ctx, userID)
				if err != nil {
					return fmt.Errorf("user %s: %w", userID, err)
				}
				token, err := server.SignToken(e.Config.Auth.JWTSecret, u.ID, ttl, time.Now())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"user_id": u.ID, "token": token})
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (subject)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func tokenPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete expired login tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ domain.Principal) error {
				n, err := e.PurgeExpiredTokens(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Purged %d expired tokens\n", n)
				return nil
			})
		},
	}
}

func eventsCmd() *cobra.Command {
	ev := &cobra.Command{Use: "events", Short: "Inspect the audit log"}
	ev.AddCommand(eventsTailCmd())
	return ev
}

func eventsTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, p domain.Principal) error {
				items, err := e.ListEvents(ctx, p, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "TS", "Type", "Entity", "Actor", "Payload")
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			conn, cfg, err := app.OpenWorkspace(ctx, viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer conn.Close()
			applyOverrides(cfg)
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is required (set POWERLINE_AUTH_JWT_SECRET)")
			}
			logger := logging.New(cfg.Logging)
			if cfg.SMS.APIKey == "" {
				logger.Warn("sms.api_key not set; notifications will be skipped")
			}
			m := metrics.New()
			e := engine.New(conn, cfg, engine.WithLogger(logger), engine.WithMetrics(m))
			defer e.Wait()
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: cfg.Server.BasePath,
				Auth:     server.AuthConfig{JWTSecret: cfg.Auth.JWTSecret},
				Metrics:  m,
				Logger:   logger,
			})
			if err != nil {
				return err
			}
			server.StartWebhooks(ctx, e, m, logger)
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			logger.Info("serving powerline api", "addr", cfg.Server.Addr, "base_path", cfg.Server.BasePath)
			fmt.Printf("Serving Powerline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n",
				cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	cmd.Flags().String("base-path", "", "API base path (overrides server.base_path)")
	_ = viper.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("server.base_path", cmd.Flags().Lookup("base-path"))
	return cmd
}

// --- helpers ---

// applyOverrides copies flag and POWERLINE_* environment values over the file config.
func applyOverrides(cfg *config.Config) {
	strs := map[string]*string{
		"server.addr":                    &cfg.Server.Addr,
		"server.base_path":               &cfg.Server.BasePath,
		"auth.jwt_secret":                &cfg.Auth.JWTSecret,
		"sms.endpoint":                   &cfg.SMS.Endpoint,
		"sms.api_key":                    &cfg.SMS.APIKey,
		"notifications.display_timezone": &cfg.Notifications.DisplayTimezone,
		"outages.resolve_policy":         &cfg.Outages.ResolvePolicy,
		"logging.level":                  &cfg.Logging.Level,
		"logging.format":                 &cfg.Logging.Format,
	}
	for key, dst := range strs {
		if v := strings.TrimSpace(viper.GetString(key)); v != "" {
			*dst = v
		}
	}
	if viper.IsSet("notifications.async") {
		cfg.Notifications.Async = viper.GetBool("notifications.async")
	}
}

// withEngine opens the workspace and runs fn as the --as user, or as the
// system operator when --as is not given.
func withEngine(ctx context.Context, fn func(context.Context, engine.Engine, domain.Principal) error) error {
	conn, cfg, err := app.OpenWorkspace(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
	applyOverrides(cfg)
	e := engine.New(conn, cfg, engine.WithLogger(logging.New(cfg.Logging)))
	defer e.Wait()
	p := engine.System
	if as := strings.TrimSpace(viper.GetString("as")); as != "" {
		mobile, err := engine.NormalizeMobile(as)
		if err != nil {
			return err
		}
		u, err := e.Repo.GetUserByMobile(ctx, mobile)
		if err != nil {
			return fmt.Errorf("user %s: %w", as, err)
		}
		if !u.IsActive {
			return fmt.Errorf("user %s is inactive", as)
		}
		p = u.Principal()
	}
	return fn(ctx, e, p)
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func printVillages(items []domain.Village) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable("ID", "Name", "District", "State")
	for _, v := range items {
		tw.AppendRow(table.Row{v.ID, v.Name, v.District, v.State})
	}
	tw.Render()
	return nil
}

func printUsers(items []domain.User) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable("ID", "Name", "Mobile", "Role", "Village", "Active")
	for _, u := range items {
		tw.AppendRow(table.Row{u.ID, u.Name, u.Mobile, u.Role, deref(u.VillageID), u.IsActive})
	}
	tw.Render()
	return nil
}

func printOutages(items []domain.Outage) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable("ID", "Village", "Reason", "Start", "Expected", "Resolved")
	for _, o := range items {
		resolved := "no"
		if o.IsResolved {
			resolved = deref(o.ResolvedTime)
		}
		tw.AppendRow(table.Row{o.ID, o.VillageID, o.Reason, o.StartTime, o.ExpectedReturn, resolved})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
