package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"handoff/internal/app"
	"handoff/internal/config"
	"handoff/internal/domain"
	"handoff/internal/engine"
	"handoff/internal/history"
	"handoff/internal/repo"
	"handoff/internal/server"
	handoffsdk "handoff/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "handoff",
	Short: "Handoff agent CLI",
	Long: `Handoff coordinates work between an always-on cloud agent and an
intermittently connected local agent that share a replicated item store.
- Items move between locations (needs_action, claimed/<role>, acting/<role>,
  failed/<role>, pending_approval, approved, done, rejected); the location is the state.
- Claims are compare-and-move: exactly one role wins an item.
- The capability gate decides what each role may execute; the cloud role drafts
  outbound actions for human approval.
- The reconciler merges the two stores through a replica directory and refuses
  to publish anything that looks like a secret.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("HANDOFF")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/handoff.yml)")
	rootCmd.PersistentFlags().String("role", "", "agent role (overrides agent.role)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("jwt-secret", "", "HS256 secret for API tokens (overrides server.jwt_secret)")
	for _, name := range []string{"workspace", "config", "role", "json", "actor-id", "jwt-secret"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(itemsCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
}

func runCmd() *cobra.Command {
	var serve bool
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent: dispatcher, reconciler, heartbeat, approval expiry and webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var opts app.RunOptions
				if serve {
					h, err := a.Handler(basePath, viper.GetString("jwt-secret"))
					if err != nil {
						return err
					}
					opts = app.RunOptions{Handler: h, Addr: listenAddr(addr, a.Config)}
				}
				return a.Run(ctx, opts)
			})
		},
	}
	cmd.Flags().BoolVar(&serve, "serve", false, "also serve the HTTP API")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				h, err := a.Handler(basePath, viper.GetString("jwt-secret"))
				if err != nil {
					return err
				}
				addr := listenAddr(addr, a.Config)
				fmt.Printf("Serving Handoff API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				return app.Serve(ctx, addr, h)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func itemsCmd() *cobra.Command {
	items := &cobra.Command{Use: "items", Short: "Submit and inspect items"}
	items.AddCommand(itemsAddCmd())
	items.AddCommand(itemsListCmd())
	items.AddCommand(itemsShowCmd())
	return items
}

func itemsAddCmd() *cobra.Command {
	var in engine.NewItem
	var meta []string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Submit a discovered item",
		RunE: func(cmd *cobra.Command, args []string) error {
			md, err := parseMetadata(meta)
			if err != nil {
				return err
			}
			in.Metadata = md
			in.Actor = viper.GetString("actor-id")
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				it, err := a.Engine.Discover(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().StringVar(&in.ID, "id", "", "explicit item id")
	cmd.Flags().StringVar(&in.Kind, "kind", "", "item kind")
	cmd.Flags().StringVar(&in.Source, "source", "", "source reference (derives a stable id)")
	cmd.Flags().StringVar(&in.Title, "title", "", "title")
	cmd.Flags().StringVar(&in.Body, "body", "", "body")
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "metadata key=value (repeatable)")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func itemsListCmd() *cobra.Command {
	var f repo.ItemFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListItems(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Title", "Location", "Attempts", "Updated"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Kind, it.Title, it.Location, it.AttemptCount, it.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Location, "location", "", "location filter")
	cmd.Flags().StringVar(&f.Kind, "kind", "", "kind filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum items")
	return cmd
}

func itemsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an item with its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				it, err := a.Engine.Repo.GetItem(ctx, args[0])
				if err != nil {
					return err
				}
				hist, err := history.For(ctx, a.DB, it.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(domain.ItemRecord{Item: it, History: hist})
				}
				if err := printJSONOrTable(it); err != nil {
					return err
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "From", "To", "Actor", "Reason"})
				for _, t := range hist {
					tw.AppendRow(table.Row{t.TS, t.From, t.To, t.Actor, t.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func reviewCmd() *cobra.Command {
	review := &cobra.Command{Use: "review", Short: "Approve or reject drafted actions"}
	var api, token string
	review.PersistentFlags().StringVar(&api, "api", "", "review through the HTTP API at this URL instead of the local database")
	review.PersistentFlags().StringVar(&token, "token", "", "bearer token for --api (env HANDOFF_TOKEN)")
	_ = viper.BindPFlag("token", review.PersistentFlags().Lookup("token"))

	approve := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve an item awaiting approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if api != "" {
				it, err := handoffsdk.New(api, viper.GetString("token")).Approve(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				it, err := a.Engine.Approve(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}

	var reason string
	reject := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject an item awaiting approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if api != "" {
				it, err := handoffsdk.New(api, viper.GetString("token")).Reject(cmd.Context(), args[0], reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				it, err := a.Engine.Reject(ctx, args[0], viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	reject.Flags().StringVar(&reason, "reason", "", "rejection reason")

	pending := &cobra.Command{
		Use:   "pending",
		Short: "List items awaiting approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			var items []domain.Item
			if api != "" {
				remote, err := handoffsdk.New(api, viper.GetString("token")).ListItems(cmd.Context(), domain.LocPendingApproval, "", 0)
				if err != nil {
					return err
				}
				return printJSON(remote)
			}
			err := withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var err error
				items, err = a.Engine.Repo.ListItems(ctx, repo.ItemFilters{Location: domain.LocPendingApproval})
				return err
			})
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Kind", "Title", "Tool", "Waiting since"})
			for _, it := range items {
				tool := ""
				if it.Payload != nil {
					tool = it.Payload.Tool
				}
				tw.AppendRow(table.Row{it.ID, it.Kind, it.Title, tool, it.UpdatedAt})
			}
			tw.Render()
			return nil
		},
	}

	review.AddCommand(approve, reject, pending)
	return review
}

func auditCmd() *cobra.Command {
	audit := &cobra.Command{Use: "audit", Short: "Inspect the audit log"}
	var f repo.AuditFilters
	var follow bool
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print audit records, optionally following new ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				for {
					recs, err := a.Engine.Repo.ListAudit(ctx, f)
					if err != nil {
						return err
					}
					if err := printAudit(recs); err != nil {
						return err
					}
					if len(recs) > 0 {
						f.AfterID = recs[len(recs)-1].ID
					}
					if !follow {
						return nil
					}
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(2 * time.Second):
					}
				}
			})
		},
	}
	tail.Flags().StringVar(&f.ItemID, "item", "", "item id filter")
	tail.Flags().Int64Var(&f.AfterID, "after", 0, "only records after this id")
	tail.Flags().IntVar(&f.Limit, "n", 50, "maximum records per batch")
	tail.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new records")
	var since time.Duration
	summary := &cobra.Command{
		Use:   "summary",
		Short: "Summarize items per location and audit activity for a briefing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				sum, err := a.Engine.Repo.SummarizeAudit(ctx, domain.FormatTime(time.Now().Add(-since)))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sum)
				}
				locs := table.NewWriter()
				locs.SetOutputMirror(os.Stdout)
				locs.AppendHeader(table.Row{"Location", "Items"})
				for _, loc := range sortedKeys(sum.Locations) {
					locs.AppendRow(table.Row{loc, sum.Locations[loc]})
				}
				locs.Render()
				acts := table.NewWriter()
				acts.SetOutputMirror(os.Stdout)
				acts.SetTitle("Activity since " + sum.Since)
				acts.AppendHeader(table.Row{"Action", "Result", "Count"})
				for _, c := range sum.Actions {
					acts.AppendRow(table.Row{c.Action, c.Result, c.Count})
				}
				acts.AppendFooter(table.Row{"", "Total", sum.Total})
				acts.Render()
				return nil
			})
		},
	}
	summary.Flags().DurationVar(&since, "since", 7*24*time.Hour, "look-back window for audit activity")
	audit.AddCommand(tail, summary)
	return audit
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func printAudit(recs []domain.AuditRecord) error {
	if viper.GetBool("json") {
		return printJSON(recs)
	}
	if len(recs) == 0 {
		return nil
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "TS", "Item", "Role", "Action", "Result", "Attempt", "Detail"})
	for _, r := range recs {
		tw.AppendRow(table.Row{r.ID, r.TS, r.ItemID, r.Role, r.Action, r.Result, r.Attempt, r.Detail})
	}
	tw.Render()
	return nil
}

func syncCmd() *cobra.Command {
	sync := &cobra.Command{Use: "sync", Short: "Reconcile with the replica"}
	once := &cobra.Command{
		Use:   "once",
		Short: "Run one reconciliation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rec, err := a.Reconciler()
				if err != nil {
					return err
				}
				if rec == nil {
					return errors.New("sync.replica_dir is not configured")
				}
				res, err := rec.RunOnce(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("applied %d, skipped %d, pushed %d\n", res.Applied, res.Skipped, res.Pushed)
				for _, c := range res.Conflicts {
					fmt.Printf("conflict %s on %s: %s\n", c.Kind, c.ID, c.Detail)
				}
				return nil
			})
		},
	}
	sync.AddCommand(once)
	return sync
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect or create handoff.yml"}
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(c)
			}
			out, err := yaml.Marshal(c)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	var force bool
	var role string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default handoff.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			r := domain.Role(role)
			if r == "" {
				r = domain.RoleCloud
			}
			if _, err := config.FromYAML([]byte(config.GenerateDefault(r))); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(r)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	initCmd.Flags().StringVar(&role, "agent-role", "cloud", "agent.role written into the file")
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate the config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	}
	cfg.AddCommand(show, initCmd, validate)
	return cfg
}

func tokenCmd() *cobra.Command {
	token := &cobra.Command{Use: "token", Short: "Manage API bearer tokens"}
	var subject string
	var roles []string
	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				c, err := loadConfig()
				if err != nil {
					return err
				}
				secret = c.Server.JWTSecret
			}
			if subject == "" {
				subject = viper.GetString("actor-id")
			}
			tok, err := server.IssueToken(secret, subject, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	issue.Flags().StringVar(&subject, "subject", "", "token subject (default --actor-id)")
	issue.Flags().StringSliceVar(&roles, "roles", []string{server.RoleReviewer}, "roles granted to the token")
	issue.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	token.AddCommand(issue)
	return token
}

// --- helpers ---

func options() app.Options {
	return app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		Role:       domain.Role(viper.GetString("role")),
	}
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, options())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func loadConfig() (*config.Config, error) {
	var (
		c   *config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		c, err = config.FromFile(path)
	} else {
		c, err = config.LoadOptional(viper.GetString("workspace"))
	}
	if err != nil {
		return nil, err
	}
	if role := viper.GetString("role"); role != "" {
		c.Agent.Role = domain.Role(role)
		if err := c.Validate(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func listenAddr(flag string, c *config.Config) string {
	if flag != "" {
		return flag
	}
	if c.Server.Addr != "" {
		return c.Server.Addr
	}
	return "127.0.0.1:8080"
}

func parseMetadata(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --meta %q, want key=value", p)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
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
