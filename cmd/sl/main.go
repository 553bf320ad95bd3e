package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"scopeline/internal/app"
	"scopeline/internal/config"
	"scopeline/internal/engine"
	"scopeline/internal/engine/auth"
	scopelinesdk "scopeline/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Scopeline orchestrator",
	Long: `Scopeline runs worker agents against one shared workspace, one task at a time per scope.
- Plan: tasks declare an objective, the path prefixes they may touch (scope), a phase and dependencies.
- Dispatch: ready tasks whose scopes do not overlap run concurrently; each gets a fresh worker process.
- Enforce: every change a worker made outside its scope is reverted from the pre-dispatch snapshot.
- Validate: the configured checks decide; failures retry with the diagnostics appended to the objective.
- Escalate: a task out of attempts blocks its phase until an operator accepts it (sl accept).
- Manifest: .scopeline/manifest.jsonl is the durable record; sl resume continues after a crash.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	err := rootCmd.ExecuteContext(ctx)
	stop()
	code := exitCode(err)
	if err != nil {
		var ee *exitError
		if !errors.As(err, &ee) || ee.msg != "" {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}
	os.Exit(code)
}

func initConfig() {
	viper.SetEnvPrefix("SCOPELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindEnv("jwt-secret", "SCOPELINE_JWT_SECRET")
	_ = viper.BindEnv("token", "SCOPELINE_TOKEN")
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "", "operator identifier recorded on accepted blockers")
	flags.String("config", "", "config file (default <workspace>/scopeline.yml)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.Int("max-parallel", 0, "cap on concurrently running tasks (0 = no cap)")
	flags.Duration("worker-timeout", 0, "default per-attempt worker timeout")
	flags.String("listen", "", "serve the operator API on this address while dispatching (bare --listen uses server.addr)")
	flags.Lookup("listen").NoOptDefVal = listenFromConfig
	for _, name := range []string{"workspace", "json", "actor-id", "config", "log-level", "max-parallel", "worker-timeout", "listen"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(revertCmd())
	rootCmd.AddCommand(acceptCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(archiveCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(configCmd())
}

func planCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Validate a plan file and record its tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := config.PlanFromFile(file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tasks, err := a.Engine.Plan(ctx, plan.Tasks)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				printTasks(tasks, nil)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "plan.yml", "plan file")
	return cmd
}

func dispatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch <phase>",
		Short: "Run one phase until nothing more can be dispatched",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			phase, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("phase must be a number: %w", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				stop, err := startServices(a)
				if err != nil {
					return err
				}
				defer stop()
				rep, runErr := a.Engine.RunPhase(ctx, phase)
				if err := printReports([]engine.PhaseReport{rep}); err != nil {
					return err
				}
				if runErr != nil {
					return interrupted(runErr)
				}
				return outcome(a.Engine.State())
			})
		},
	}
}

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Finish interrupted attempts and run every phase that is not advanced",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				stop, err := startServices(a)
				if err != nil {
					return err
				}
				defer stop()
				reps, runErr := a.Engine.Resume(ctx)
				if err := printReports(reps); err != nil {
					return err
				}
				if runErr != nil {
					return interrupted(runErr)
				}
				return outcome(a.Engine.State())
			})
		},
	}
}

func statusCmd() *cobra.Command {
	var blockers bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show task states from the manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := app.LoadState(ws, cfg)
			if err != nil {
				return err
			}
			if blockers {
				if err := printBlockers(st); err != nil {
					return err
				}
			} else if err := printStatus(st, cfg.Orchestrator.MaxParallel); err != nil {
				return err
			}
			return outcome(st)
		},
	}
	cmd.Flags().BoolVar(&blockers, "blockers", false, "show escalated tasks with their full attempt history")
	return cmd
}

func revertCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revert <taskId>",
		Short: "Re-run scope enforcement for a task against its last baseline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Engine.ForceEnforce(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				printDecision(d)
				return nil
			})
		},
	}
}

func acceptCmd() *cobra.Command {
	var note, serverURL string
	cmd := &cobra.Command{
		Use:   "accept <taskId>",
		Short: "Accept an escalated task so its phase can advance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if serverURL != "" {
				b, err := sdkClient(serverURL).Accept(cmd.Context(), args[0], note)
				if err != nil {
					return err
				}
				return printJSON(b)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				b, err := a.Engine.AcceptBlocker(ctx, args[0], viper.GetString("actor-id"), note)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(b)
				}
				fmt.Printf("accepted blocker %s after %d attempts\n", b.TaskID, b.Attempts)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "reason for accepting")
	cmd.Flags().StringVar(&serverURL, "server", "", "operator API of a running orchestrator")
	return cmd
}

func cancelCmd() *cobra.Command {
	var serverURL string
	cmd := &cobra.Command{
		Use:   "cancel <taskId>",
		Short: "Kill the running worker of a task in a running orchestrator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if serverURL == "" {
				return errors.New("--server is required: only a running orchestrator can cancel its workers")
			}
			if err := sdkClient(serverURL).Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("cancel requested for %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "operator API of a running orchestrator")
	return cmd
}

func archiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive",
		Short: "Archive a finished manifest and drop its snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				dest, err := a.Archive(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"archive": dest})
				}
				fmt.Println("archived to", dest)
				return nil
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	var sub string
	var perms []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator API token (HS256, SCOPELINE_JWT_SECRET)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(perms) == 0 {
				perms = append(perms, auth.Permissions...)
			}
			tok, err := auth.Sign(viper.GetString("jwt-secret"), sub, perms, ttl, time.Now())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": tok})
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&sub, "sub", "operator", "token subject (actor id)")
	cmd.Flags().StringSliceVar(&perms, "perm", nil, "permission to grant (repeatable; default all)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 = no expiry)")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create scopeline.yml",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, c, err := loadConfig()
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
	})
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default scopeline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cfg.AddCommand(initCmd)
	return cfg
}

// loadConfig resolves the workspace and config, with flag and env overrides applied.
func loadConfig() (string, *config.Config, error) {
	ws, cfg, err := app.LoadConfig(viper.GetString("workspace"))
	if err != nil {
		return "", nil, err
	}
	if path := viper.GetString("config"); path != "" {
		if cfg, err = config.FromFile(path); err != nil {
			return "", nil, err
		}
	}
	if viper.IsSet("max-parallel") {
		cfg.Orchestrator.MaxParallel = viper.GetInt("max-parallel")
	}
	if viper.IsSet("worker-timeout") {
		cfg.Worker.Timeout = viper.GetDuration("worker-timeout")
	}
	return ws, cfg, cfg.Validate()
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	ws, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, app.Options{Workspace: ws, Config: cfg, LogLevel: viper.GetString("log-level")})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func sdkClient(serverURL string) *scopelinesdk.Client {
	return scopelinesdk.New(serverURL, viper.GetString("token"))
}
