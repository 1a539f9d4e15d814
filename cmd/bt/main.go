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

	"github.com/wshang12/BrainTraining/internal/achievement"
	"github.com/wshang12/BrainTraining/internal/app"
	"github.com/wshang12/BrainTraining/internal/coach"
	"github.com/wshang12/BrainTraining/internal/config"
	"github.com/wshang12/BrainTraining/internal/db"
	"github.com/wshang12/BrainTraining/internal/domain"
	"github.com/wshang12/BrainTraining/internal/observability"
	"github.com/wshang12/BrainTraining/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "bt",
	Short: "BrainTraining CLI",
	Long: `BrainTraining runs the adaptive core of a cognitive-training app.
- Workspace: a directory holding braintraining.yml and the .braintraining/ database.
- Providers: AI chat endpoints tried in priority order with retries and a circuit breaker.
- Difficulty: one scalar per game in [0.2, 1.8], nudged after every session.
- Achievements: progress and unlocks fed by gameplay events.
- Event log: what happened, view with 'bt log tail'.`,
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
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().StringP("user", "u", "local-user", "user id")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(adviceCmd())
	rootCmd.AddCommand(difficultyCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(achievementsCmd())
	rootCmd.AddCommand(providersCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage braintraining.yml",
		Long:  "Config holds the provider chain, breaker and backoff constants, difficulty parameters, achievement catalog and webhooks.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default braintraining.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config (defaults applied, api keys hidden)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			for i := range cfg.Providers {
				if cfg.Providers[i].APIKey != "" {
					cfg.Providers[i].APIKey = "***"
				}
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
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate braintraining.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
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

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowUserHeader, devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				authCfg := server.AuthConfig{
					JWTSecret:       viper.GetString("jwt_secret"),
					AllowUserHeader: allowUserHeader,
					DevLogin:        devLogin,
				}
				if authCfg.JWTSecret == "" && !allowUserHeader {
					return fmt.Errorf("BT_JWT_SECRET is required for bearer auth (or pass --allow-user-header for local use)")
				}
				handler, err := server.New(server.Config{Services: svc, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				hooks := server.NewWebhookDispatcher(svc.Repo, svc.Config.Webhooks, svc.Log.WithField("component", "webhooks"))
				go hooks.Run(ctx)

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				svc.Log.WithField("addr", addr).WithField("base_path", basePath).Info("serving BrainTraining API (OpenAPI at openapi.json, Swagger UI at /docs, metrics at /metrics)")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowUserHeader, "allow-user-header", false, "trust the X-User-Id header (local development only)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/token")
	return cmd
}

func chatCmd() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Ask the AI coach one question",
		RunE: func(cmd *cobra.Command, args []string) error {
			if message == "" && len(args) > 0 {
				message = strings.Join(args, " ")
			}
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				resp, err := svc.Chat(ctx, viper.GetString("user"), nil, message)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(resp)
				}
				fmt.Println(resp.Content)
				fmt.Fprintf(os.Stderr, "(%s, %s, %d attempts)\n", resp.ProviderName, resp.Model, resp.Attempts)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "message to send")
	return cmd
}

func adviceCmd() *cobra.Command {
	var limit int
	var analyze, motivation bool
	var battle string
	var o domain.SessionOutcome
	var mc coach.MotivationContext
	cmd := &cobra.Command{
		Use:   "advice",
		Short: "Coaching: training advice by default, or --analyze, --motivation, --battle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				user := viper.GetString("user")
				var advice coach.Advice
				switch {
				case analyze:
					a, err := svc.Analyze(ctx, user, o)
					if err != nil {
						return err
					}
					advice = a
				case motivation:
					a, err := svc.Motivation(ctx, user, mc)
					if err != nil {
						return err
					}
					advice = a
				case battle != "":
					var state map[string]any
					if err := json.Unmarshal([]byte(battle), &state); err != nil {
						return fmt.Errorf("--battle must be a JSON object: %w", err)
					}
					advice = svc.BattleCoaching(ctx, user, state)
				default:
					advice = svc.Advice(ctx, user, limit)
				}
				return printAdvice(advice.Text, string(advice.Source))
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "recent sessions to consider")
	cmd.Flags().BoolVar(&analyze, "analyze", false, "analyse the session given by --game/--accuracy/--rt")
	cmd.Flags().BoolVar(&motivation, "motivation", false, "one line of motivation")
	cmd.Flags().IntVar(&mc.Streak, "streak", 0, "training streak in days (with --motivation)")
	cmd.Flags().BoolVar(&mc.Improving, "improving", false, "recent results improved (with --motivation)")
	cmd.Flags().StringVar(&mc.TimeOfDay, "time-of-day", "", "morning|afternoon|evening (with --motivation; default: now)")
	cmd.Flags().StringVar(&battle, "battle", "", "battle state as a JSON object")
	cmd.MarkFlagsMutuallyExclusive("analyze", "motivation", "battle")
	sessionFlags(cmd, &o)
	return cmd
}

func printAdvice(text, source string) error {
	if viper.GetBool("json") {
		return printJSON(map[string]string{"text": text, "source": source})
	}
	fmt.Println(text)
	return nil
}

func difficultyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "difficulty", Short: "Read or adjust per-game difficulty"}
	cmd.AddCommand(difficultyGetCmd())
	cmd.AddCommand(difficultyAdjustCmd())
	return cmd
}

func difficultyGetCmd() *cobra.Command {
	var fallback float64
	cmd := &cobra.Command{
		Use:   "get <game-id>",
		Short: "Show the stored difficulty",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				ctrl := svc.Difficulty(viper.GetString("user"))
				fb := ctrl.Params().Default
				if cmd.Flags().Changed("fallback") {
					fb = fallback
				}
				return printDifficulty(args[0], ctrl.Get(ctx, args[0], fb))
			})
		},
	}
	cmd.Flags().Float64Var(&fallback, "fallback", 0, "value when nothing is stored (default: configured default)")
	return cmd
}

func difficultyAdjustCmd() *cobra.Command {
	var accuracy, rt float64
	cmd := &cobra.Command{
		Use:   "adjust <game-id>",
		Short: "Apply one session's accuracy and mean reaction time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				next, err := svc.Difficulty(viper.GetString("user")).Adjust(ctx, args[0], accuracy, rt)
				if err != nil {
					return err
				}
				return printDifficulty(args[0], next)
			})
		},
	}
	cmd.Flags().Float64Var(&accuracy, "accuracy", 0, "session accuracy in [0,1]")
	cmd.Flags().Float64Var(&rt, "rt", 0, "mean reaction time in ms")
	_ = cmd.MarkFlagRequired("accuracy")
	_ = cmd.MarkFlagRequired("rt")
	return cmd
}

func printDifficulty(gameID string, v float64) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{"game_id": gameID, "difficulty": v})
	}
	fmt.Printf("%s: %.3f\n", gameID, v)
	return nil
}

func sessionFlags(cmd *cobra.Command, o *domain.SessionOutcome) {
	cmd.Flags().StringVar(&o.GameID, "game", "", "game id")
	cmd.Flags().Float64Var(&o.Accuracy, "accuracy", 0, "accuracy in [0,1]")
	cmd.Flags().Float64Var(&o.MeanReactionTimeMs, "rt", 0, "mean reaction time in ms")
	cmd.Flags().IntVar(&o.Score, "score", 0, "score")
	cmd.Flags().IntVar(&o.Mistakes, "mistakes", 0, "mistakes")
	cmd.Flags().IntVar(&o.GridSize, "grid-size", 0, "grid size, for grid games")
}

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "session", Short: "Record finished sessions"}
	var o domain.SessionOutcome
	record := &cobra.Command{
		Use:   "record",
		Short: "Record a session: adjusts difficulty and evaluates achievements",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				res, err := svc.RecordSession(ctx, viper.GetString("user"), o)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s difficulty %.3f -> %.3f\n", res.GameID, res.Previous, res.Difficulty)
				for _, a := range res.Unlocked {
					fmt.Printf("unlocked %s (%s, %d points)\n", a.Title, a.Rarity, a.Points)
				}
				return nil
			})
		},
	}
	sessionFlags(record, &o)
	_ = record.MarkFlagRequired("game")
	cmd.AddCommand(record)
	return cmd
}

func achievementsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "achievements", Short: "Inspect and feed achievements"}
	cmd.AddCommand(achievementsListCmd())
	cmd.AddCommand(achievementsCheckCmd())
	return cmd
}

func achievementsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Catalog with progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				items := svc.Achievements(viper.GetString("user")).List(ctx)
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Rarity", "Points", "Progress", "Unlocked"})
				for _, a := range items {
					unlocked := ""
					if a.UnlockedAt != nil {
						unlocked = a.UnlockedAt.Local().Format(time.DateTime)
					}
					tw.AppendRow(table.Row{a.ID, a.Title, a.Rarity, a.Points, fmt.Sprintf("%.0f%%", a.Progress*100), unlocked})
				}
				tw.Render()
				var unlocked, points int
				for _, a := range items {
					if a.Unlocked() {
						unlocked++
						points += a.Points
					}
				}
				fmt.Printf("%d/%d unlocked, %d points\n", unlocked, len(items), points)
				return nil
			})
		},
	}
}

func achievementsCheckCmd() *cobra.Command {
	var evType string
	var ev achievement.Event
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Feed one gameplay event",
		RunE: func(cmd *cobra.Command, args []string) error {
			ev.Type = achievement.EventType(evType)
			if !ev.Type.Valid() {
				return fmt.Errorf("unknown event type %q", evType)
			}
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				unlocked, err := svc.Achievements(viper.GetString("user")).Check(ctx, ev)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if unlocked == nil {
						unlocked = []achievement.Achievement{}
					}
					return printJSON(unlocked)
				}
				if len(unlocked) == 0 {
					fmt.Println("nothing unlocked")
				}
				for _, a := range unlocked {
					fmt.Printf("unlocked %s (%s, %d points)\n", a.Title, a.Rarity, a.Points)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&evType, "type", string(achievement.EventGameComplete), "game_complete|streak_update|battle_complete|profile_update")
	cmd.Flags().StringVar(&ev.GameID, "game", "", "game id")
	cmd.Flags().IntVar(&ev.Score, "score", 0, "score")
	cmd.Flags().Float64Var(&ev.Accuracy, "accuracy", 0, "accuracy in [0,1]")
	cmd.Flags().Float64Var(&ev.ReactionTimeMs, "rt", 0, "reaction time in ms")
	cmd.Flags().IntVar(&ev.Streak, "streak", 0, "current streak in days")
	cmd.Flags().IntVar(&ev.Context.GridSize, "grid-size", 0, "grid size")
	cmd.Flags().IntVar(&ev.Context.LeaderboardRank, "rank", 0, "leaderboard rank")
	return cmd
}

func providersCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "providers", Short: "AI provider chain"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List providers in failover order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				statuses := svc.Providers()
				if viper.GetBool("json") {
					return printJSON(statuses)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Priority", "Name", "Model", "Available", "Failures"})
				for _, p := range statuses {
					tw.AppendRow(table.Row{p.Priority, p.Name, p.Model, p.Available, p.ConsecutiveFailures})
				}
				tw.Render()
				return nil
			})
		},
	})
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Everything that happened: sessions, difficulty changes, unlocks, chat outcomes.",
	}
	var n int
	var evtType string
	var allUsers bool
	log.AddCommand(&cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				user := viper.GetString("user")
				if allUsers {
					user = ""
				}
				events, err := svc.Repo.LatestEvents(ctx, n, user, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "User", "Entity", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.UserID, strings.TrimSuffix(e.EntityKind+":"+e.EntityID, ":"), e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	})
	tail := log.Commands()[0]
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().BoolVar(&allUsers, "all-users", false, "ignore --user")
	return log
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "API tokens"}
	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue",
		Short: "DEV ONLY: sign a JWT for --user with BT_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.SignToken(viper.GetString("jwt_secret"), viper.GetString("user"), ttl, time.Now())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	issue.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for none)")
	cmd.AddCommand(issue)
	return cmd
}

// --- helpers ---

func withServices(ctx context.Context, fn func(context.Context, *app.Services) error) error {
	cfg, conn, err := app.OpenWorkspace(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
	level := cfg.Log.Level
	if l := viper.GetString("log-level"); l != "" {
		level = l
	}
	svc, err := app.New(cfg, conn, app.Options{Logger: observability.NewLogger(level, cfg.Log.JSON)})
	if err != nil {
		return err
	}
	return fn(ctx, svc)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
