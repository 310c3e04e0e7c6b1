package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"inkline/internal/app"
	"inkline/internal/config"
	"inkline/internal/db"
	"inkline/internal/domain"
	"inkline/internal/engine"
	"inkline/internal/engine/assign"
	"inkline/internal/repo"
	"inkline/internal/server"
	"inkline/internal/storage"
)

var rootCmd = &cobra.Command{
	Use:   "ink",
	Short: "Inkline CLI",
	Long: `Inkline routes documents through multi-party signing workflows.
A contract binds one document to a set of parties, each owning sign fields.
Drafts are finalized into pending contracts; parties sign or reject; the
engine drives the contract to completed, rejected, canceled, or expired.`,
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
	viper.SetEnvPrefix("INKLINE")
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
	rootCmd.AddCommand(contractCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(serveCmd())
}

func contractCmd() *cobra.Command {
	c := &cobra.Command{Use: "contract", Short: "Manage contracts"}
	c.AddCommand(contractCreateCmd())
	c.AddCommand(contractFinalizeCmd())
	c.AddCommand(contractSignCmd())
	c.AddCommand(contractRejectCmd())
	c.AddCommand(contractCancelCmd())
	c.AddCommand(contractShowCmd())
	c.AddCommand(contractListCmd())
	c.AddCommand(contractExpireCmd())
	return c
}

// draftFile is the YAML shape accepted by `ink contract create --file`.
type draftFile struct {
	Roles        []config.RoleConfig `yaml:"roles"`
	Participants []participantFile   `yaml:"participants"`
}

type participantFile struct {
	Role        string `yaml:"role"`
	DisplayName string `yaml:"display_name"`
	Contact     string `yaml:"contact"`
	IdentityRef string `yaml:"identity_ref"`
}

func contractCreateCmd() *cobra.Command {
	var title, document, mode, file string
	var expiresInDays int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a contract draft",
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" || document == "" {
				return fmt.Errorf("--title and --document required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var spec draftFile
			if err := yaml.Unmarshal(data, &spec); err != nil {
				return fmt.Errorf("invalid draft file: %w", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				opts := engine.DraftOptions{
					Title:        title,
					DocumentRef:  document,
					Mode:         domain.SignMode(mode),
					Roles:        rolesFromConfig(spec.Roles),
					Participants: participantsFromFile(spec.Participants),
					ActorID:      viper.GetString("actor-id"),
				}
				if expiresInDays > 0 {
					exp := time.Now().UTC().AddDate(0, 0, expiresInDays)
					opts.ExpiresAt = &exp
				}
				c, err := a.Engine.CreateDraft(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrValue(c)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "contract title")
	cmd.Flags().StringVar(&document, "document", "", "document ref")
	cmd.Flags().StringVar(&mode, "mode", "", "sequential or parallel")
	cmd.Flags().StringVar(&file, "file", "", "YAML file with roles and participants")
	cmd.Flags().IntVar(&expiresInDays, "expires-in", 0, "days until expiry")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func contractFinalizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "finalize <id>",
		Short: "Finalize fields and open for signing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				c, err := a.Engine.FinalizeFields(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrValue(c)
			})
		},
	}
	return cmd
}

func contractSignCmd() *cobra.Command {
	var fieldID, partyID, artifact, kind string
	cmd := &cobra.Command{
		Use:   "sign <id>",
		Short: "Sign one field on behalf of a party",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if fieldID == "" || partyID == "" || artifact == "" {
				return fmt.Errorf("--field, --party, and --artifact required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.Sign(ctx, args[0], fieldID, partyID, artifact, domain.FieldKind(kind))
				if err != nil {
					return err
				}
				return printJSONOrValue(res)
			})
		},
	}
	cmd.Flags().StringVar(&fieldID, "field", "", "field id")
	cmd.Flags().StringVar(&partyID, "party", "", "acting party id")
	cmd.Flags().StringVar(&artifact, "artifact", "", "artifact ref")
	cmd.Flags().StringVar(&kind, "kind", "signature", "artifact kind (signature or seal)")
	return cmd
}

func contractRejectCmd() *cobra.Command {
	var partyID, reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject on behalf of a party",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if partyID == "" {
				return fmt.Errorf("--party required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.Reject(ctx, args[0], partyID, reason)
				if err != nil {
					return err
				}
				return printJSONOrValue(res)
			})
		},
	}
	cmd.Flags().StringVar(&partyID, "party", "", "acting party id")
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func contractCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a draft or pending contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				c, err := a.Engine.Cancel(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrValue(c)
			})
		},
	}
	return cmd
}

func contractShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show contract, parties, and fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				view, err := a.Engine.GetStatus(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				c := view.Contract
				fmt.Printf("%s  %s [%s] mode=%s initiator=%s\n", c.ID, c.Title, c.Status, c.Mode, c.InitiatorID)
				if c.ExpiresAt != nil {
					fmt.Printf("expires: %s\n", *c.ExpiresAt)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Party", "Role", "Kind", "Ordinal", "Status"})
				for _, p := range view.Parties {
					tw.AppendRow(table.Row{p.ID, p.RoleName, p.Kind, p.Ordinal, p.Status})
				}
				tw.Render()
				tw = table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Field", "Party", "Page", "Kind", "Signed"})
				for _, f := range view.Fields {
					tw.AppendRow(table.Row{f.ID, f.PartyID, f.Page, f.Kind, f.Signed})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func contractListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List contracts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListContracts(ctx, repo.ContractFilters{Status: status, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Mode", "Created"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Title, c.Status, c.Mode, c.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func contractExpireCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "expire",
		Short: "Expire overdue pending contracts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ids, err := a.Engine.ExpireOverdue(ctx)
				if err != nil {
					return err
				}
				if len(ids) == 0 {
					fmt.Println("nothing overdue")
					return nil
				}
				return printJSONOrValue(ids)
			})
		},
	}
	return cmd
}

func templateCmd() *cobra.Command {
	c := &cobra.Command{Use: "template", Short: "Manage templates"}
	c.AddCommand(templateListCmd())
	c.AddCommand(templateShowCmd())
	c.AddCommand(templateInstantiateCmd())
	return c
}

func templateListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListTemplates(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Mode", "Created"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Mode, t.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func templateShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.Repo.GetTemplate(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrValue(t)
			})
		},
	}
	return cmd
}

func templateInstantiateCmd() *cobra.Command {
	var document, title string
	var participants []string
	var expiresInDays int
	cmd := &cobra.Command{
		Use:   "instantiate <template-id>",
		Short: "Create a pending contract from a template",
		Long: `Participants are passed as repeated --participant flags in the form
role=display_name:identity_ref, e.g. --participant "disclosing-party=Acme Corp:idp:acme".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if document == "" {
				return fmt.Errorf("--document required")
			}
			parsed, err := parseParticipants(participants)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				opts := engine.InstantiateOptions{
					TemplateID:   args[0],
					Title:        title,
					DocumentRef:  document,
					Participants: parsed,
					ActorID:      viper.GetString("actor-id"),
				}
				if expiresInDays > 0 {
					exp := time.Now().UTC().AddDate(0, 0, expiresInDays)
					opts.ExpiresAt = &exp
				}
				c, err := a.Engine.InstantiateFromTemplate(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrValue(c)
			})
		},
	}
	cmd.Flags().StringVar(&document, "document", "", "document ref")
	cmd.Flags().StringVar(&title, "title", "", "contract title (defaults to template title)")
	cmd.Flags().StringArrayVar(&participants, "participant", nil, "role=display_name:identity_ref")
	cmd.Flags().IntVar(&expiresInDays, "expires-in", 0, "days until expiry")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	c.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default inkline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrValue(cfg)
		},
	})
	return c
}

func logCmd() *cobra.Command {
	c := &cobra.Command{Use: "log", Short: "Inspect the audit log"}
	c.AddCommand(logTailCmd())
	return c
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, contractID, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Engine.Repo.LatestEvents(ctx, n, contractID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Contract", "Entity", "Actor"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.ContractID, e.EntityKind + "/" + e.EntityID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&contractID, "contract", "", "contract id")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func keysCmd() *cobra.Command {
	c := &cobra.Command{Use: "keys", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				raw := uuid.New().String() + uuid.New().String()
				key := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   viper.GetString("actor-id"),
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := a.Engine.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				fmt.Printf("id: %s\nkey: %s\n", key.ID, raw)
				fmt.Println("store the key now; only its hash is kept")
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	c.AddCommand(create)
	c.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Engine.Repo.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	})
	return c
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyActor bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			a, err := app.Open(cmd.Context(), workspace)
			if err != nil {
				return err
			}
			defer a.Close()
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("INKLINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacyActor,
			}
			if authCfg.JWTSecret == "" && !allowLegacyActor {
				return fmt.Errorf("INKLINE_JWT_SECRET is required for bearer auth (or pass --allow-legacy-actor for local use)")
			}
			var store *storage.Store
			if a.Config.Storage.Endpoint != "" {
				store, err = storage.New(a.Config)
				if err != nil {
					return err
				}
				if err := store.EnsureBucket(cmd.Context()); err != nil {
					log.Printf("storage: bucket check failed, uploads disabled: %v", err)
					store = nil
				}
			}
			handler, err := server.New(server.Config{Engine: a.Engine, Store: store, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Inkline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyActor, "allow-legacy-actor", false, "accept unauthenticated X-Actor-Id header")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func rolesFromConfig(roles []config.RoleConfig) []domain.TemplateRole {
	var out []domain.TemplateRole
	for _, rc := range roles {
		role := domain.TemplateRole{
			Name:     rc.Name,
			Kind:     domain.ParticipantKind(rc.Kind),
			Required: rc.Required == nil || *rc.Required,
			Ordinal:  rc.Ordinal,
		}
		for _, fc := range rc.Fields {
			role.Fields = append(role.Fields, domain.FieldSpec{
				Page:     fc.Page,
				X:        fc.X,
				Y:        fc.Y,
				Width:    fc.Width,
				Height:   fc.Height,
				Kind:     domain.FieldKind(fc.Kind),
				Required: fc.Required == nil || *fc.Required,
			})
		}
		out = append(out, role)
	}
	return out
}

func participantsFromFile(items []participantFile) []assign.Participant {
	var out []assign.Participant
	for _, p := range items {
		out = append(out, assign.Participant{
			Role:        p.Role,
			DisplayName: p.DisplayName,
			Contact:     p.Contact,
			IdentityRef: p.IdentityRef,
		})
	}
	return out
}

// parseParticipants parses repeated role=display_name:identity_ref flags.
func parseParticipants(flags []string) ([]assign.Participant, error) {
	var out []assign.Participant
	for _, raw := range flags {
		role, rest, ok := strings.Cut(raw, "=")
		if !ok || role == "" || rest == "" {
			return nil, fmt.Errorf("invalid --participant %q, want role=display_name:identity_ref", raw)
		}
		name, identity, _ := strings.Cut(rest, ":")
		out = append(out, assign.Participant{
			Role:        strings.TrimSpace(role),
			DisplayName: strings.TrimSpace(name),
			IdentityRef: strings.TrimSpace(identity),
		})
	}
	return out, nil
}

func printJSONOrValue(v any) error {
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
