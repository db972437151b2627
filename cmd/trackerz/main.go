package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"trackerz/internal/config"
	"trackerz/internal/db"
	"trackerz/internal/domain"
	"trackerz/internal/engine"
	"trackerz/internal/migrate"
	"trackerz/internal/policy"
	"trackerz/internal/repo"
	"trackerz/internal/server"
)

var rootCmd = &cobra.Command{
	Use:           "trackerz",
	Short:         "Hierarchical work tracker with a phase-transition audit trail",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	initConfig()
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TRACKERZ")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "", "actor identifier (defaults to config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
}

func registerCommands() {
	rootCmd.AddCommand(kindCmd(domain.KindProject, "project", ""))
	rootCmd.AddCommand(kindCmd(domain.KindTask, "task", "project"))
	rootCmd.AddCommand(kindCmd(domain.KindSubtask, "subtask", "task"))
	rootCmd.AddCommand(phasesCmd())
	rootCmd.AddCommand(prioritiesCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
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
	pol, err := policy.Load(ctx, conn)
	if err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, pol, cfg))
}

func actorID(e engine.Engine) string {
	if a := viper.GetString("actor"); a != "" {
		return a
	}
	return e.Config.Defaults.Actor
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", arg)
	}
	return id, nil
}

func kindCmd(kind domain.Kind, use, parentFlag string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: fmt.Sprintf("Manage %ss", use),
	}
	cmd.AddCommand(createCmd(kind, parentFlag))
	cmd.AddCommand(listCmd(kind, parentFlag))
	cmd.AddCommand(showCmd(kind))
	cmd.AddCommand(updateCmd(kind))
	cmd.AddCommand(deleteCmd(kind))
	cmd.AddCommand(historyCmd(kind))
	return cmd
}

func createCmd(kind domain.Kind, parentFlag string) *cobra.Command {
	var parentID int64
	var description, priority, note string
	cmd := &cobra.Command{
		Use:   "create <title>",
		Short: fmt.Sprintf("Create a %s", kind),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.CreateOptions{
					Kind:        kind,
					ParentID:    parentID,
					Title:       args[0],
					Description: description,
					Note:        note,
					Actor:       actorID(e),
				}
				if priority != "" {
					p, err := e.Repo.PriorityByName(ctx, priority)
					if err != nil {
						return fmt.Errorf("unknown priority %q", priority)
					}
					opts.PriorityID = p.ID
				}
				w, err := e.Create(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	if parentFlag != "" {
		cmd.Flags().Int64Var(&parentID, parentFlag, 0, fmt.Sprintf("owning %s id", parentFlag))
		_ = cmd.MarkFlagRequired(parentFlag)
	}
	cmd.Flags().StringVar(&description, "description", "", "free-form description")
	cmd.Flags().StringVar(&priority, "priority", "", "priority (Low, Medium, High, Critical)")
	cmd.Flags().StringVar(&note, "note", "", "note recorded on the creation entry")
	return cmd
}

func listCmd(kind domain.Kind, parentFlag string) *cobra.Command {
	var parentID int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: fmt.Sprintf("List %ss, most recently updated first", kind),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListChildren(ctx, kind, parentID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Phase", "Priority", "Updated"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.ID, w.Title, w.Phase, w.Priority, w.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	if parentFlag != "" {
		cmd.Flags().Int64Var(&parentID, parentFlag, 0, fmt.Sprintf("owning %s id", parentFlag))
		_ = cmd.MarkFlagRequired(parentFlag)
	}
	return cmd
}

func showCmd(kind domain.Kind) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: fmt.Sprintf("Show a %s", kind),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Get(ctx, kind, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
}

func updateCmd(kind domain.Kind) *cobra.Command {
	var phase, priority, title, description, note string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: fmt.Sprintf("Update a %s (phase, priority, title, description)", kind),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.MutationOptions{
					Kind:  kind,
					ID:    id,
					Note:  note,
					Actor: actorID(e),
				}
				if cmd.Flags().Changed("phase") {
					p, ok := e.Policy.PhaseByName(phase)
					if !ok {
						return fmt.Errorf("unknown phase %q", phase)
					}
					opts.NewPhase = &p.ID
				}
				if cmd.Flags().Changed("priority") {
					p, err := e.Repo.PriorityByName(ctx, priority)
					if err != nil {
						return fmt.Errorf("unknown priority %q", priority)
					}
					opts.NewPriority = &p.ID
				}
				if cmd.Flags().Changed("title") {
					opts.Title = &title
				}
				if cmd.Flags().Changed("description") {
					opts.Description = &description
				}
				w, err := e.ApplyMutation(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "target phase name")
	cmd.Flags().StringVar(&priority, "priority", "", "priority (Low, Medium, High, Critical)")
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&description, "description", "", "new description")
	cmd.Flags().StringVar(&note, "note", "", "note recorded on the change entry")
	return cmd
}

func deleteCmd(kind domain.Kind) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: fmt.Sprintf("Delete a %s and everything it owns", kind),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Delete(ctx, kind, id); err != nil {
					return err
				}
				fmt.Printf("deleted %s %d\n", kind, id)
				return nil
			})
		},
	}
}

func historyCmd(kind domain.Kind) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: fmt.Sprintf("Change history of a %s, newest first", kind),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				records, err := e.History(ctx, kind, id, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"When", "Actor", "Reason", "Phase", "Priority", "Note"})
				for _, c := range records {
					tw.AppendRow(table.Row{
						c.ChangedAt, c.Actor, c.Reason,
						transitionCell(c.OldPhase, c.NewPhase),
						transitionCell(c.OldPriority, c.NewPriority),
						c.Note,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of records (0 for all)")
	return cmd
}

func transitionCell(from, to string) string {
	if from == to {
		return from
	}
	return fmt.Sprintf("%s -> %s", from, to)
}

func phasesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "phases",
		Short: "List lifecycle phases and their allowed transitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				phases := e.Policy.Phases()
				if viper.GetBool("json") {
					return printJSON(phases)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Terminal", "Allowed targets"})
				for _, p := range phases {
					targets := e.Policy.AllowedTargets(p.ID)
					names := make([]string, 0, len(targets))
					for _, t := range targets {
						names = append(names, t.Name)
					}
					tw.AppendRow(table.Row{p.ID, p.Name, p.IsTerminal, strings.Join(names, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func prioritiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "priorities",
		Short: "List priorities from lowest to highest",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				priorities, err := e.Repo.ListPriorities(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(priorities)
			})
		},
	}
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP server",
	}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyRevokeCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create <actor-id>",
		Short: "Create an API key bound to an actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				raw := make([]byte, 32)
				if _, err := rand.Read(raw); err != nil {
					return err
				}
				key := "tz_" + hex.EncodeToString(raw)
				record := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   args[0],
					Name:      name,
					KeyHash:   repo.HashAPIKey(key),
					CreatedAt: time.Now().UTC().Truncate(time.Second).Format(time.RFC3339),
				}
				if err := e.Repo.InsertAPIKey(ctx, record); err != nil {
					return err
				}
				// The raw key is shown once and never stored.
				return printJSONOrTable(map[string]string{
					"id":       record.ID,
					"actor_id": record.ActorID,
					"key":      key,
				})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "human-readable key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actor)
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
	cmd.Flags().StringVar(&actor, "actor-id", "", "filter by actor")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devTokens bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if addr == "" {
					addr = e.Config.Server.Addr
				}
				if basePath == "" {
					basePath = e.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{
					JWTSecret:              os.Getenv("TRACKERZ_JWT_SECRET"),
					AllowLegacyActorHeader: e.Config.Server.AllowLegacyActorHeader,
					EnableDevTokens:        devTokens,
				}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("TRACKERZ_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving trackerZ API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	cmd.Flags().BoolVar(&devTokens, "dev-tokens", false, "enable the unauthenticated dev-token endpoint")
	return cmd
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
