package autosnap

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/function61/autosnap/pkg/logtee"
	"github.com/function61/autosnap/pkg/runjournal"
	"github.com/function61/autosnap/pkg/scheduler"
	"github.com/function61/autosnap/pkg/snapengine"
	"github.com/function61/autosnap/pkg/snappolicy"
	"github.com/function61/autosnap/pkg/snaptypes"
	"github.com/function61/autosnap/pkg/zfscli"
	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/osutil"
	"github.com/function61/gokit/taskrunner"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	dryRun     bool
	verbose    bool
	recursive  bool
	configPath string // empty = DefaultConfigPath, which is allowed to not exist
}

// registers global flags on root and returns the subcommands
func Entrypoints(root *cobra.Command) []*cobra.Command {
	g := &globalFlags{}

	root.PersistentFlags().BoolVarP(&g.dryRun, "dry-run", "n", g.dryRun, "Print what would be done, but don't change anything")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", g.verbose, "Debug logging and echo of storage commands")
	root.PersistentFlags().BoolVarP(&g.recursive, "recursive", "r", g.recursive, "Named datasets include their descendants")
	root.PersistentFlags().StringVarP(&g.configPath, "config", "", g.configPath, "Config file (default "+DefaultConfigPath+")")

	return []*cobra.Command{
		createEntrypoint(g),
		retentionEntrypoint(g, "expire", "Destroys snapshots no longer retained by their policy", (*App).Expire),
		retentionEntrypoint(g, "clean", "Destroys empty snapshots superseded by a newer one of the same policies", (*App).Clean),
		retentionEntrypoint(g, "auto", "create + expire + clean (what you want to run periodically)", (*App).Auto),
		retentionEntrypoint(g, "nuke", "Destroys ALL automatic snapshots", (*App).Nuke),
		listEntrypoint(g),
		policyEntrypoint(g),
		enableEntrypoint(g, "enable", true),
		enableEntrypoint(g, "disable", false),
		historyEntrypoint(g),
		daemonEntrypoint(g),
	}
}

func createEntrypoint(g *globalFlags) *cobra.Command {
	keepFor := ""

	cmd := &cobra.Command{
		Use:   "create [dataset...]",
		Short: "Creates snapshots for the policy rules that are due",
		Run: func(cmd *cobra.Command, args []string) {
			g.withApp(func(ctx context.Context, app *App) error {
				opts := snapengine.CreateOptions{}

				if keepFor != "" {
					var err error
					opts.KeepFor, err = snappolicy.ParseInterval(keepFor)
					if err != nil {
						return err
					}
				}

				return app.Create(ctx, g.selection(args), opts)
			})
		},
	}

	cmd.Flags().StringVarP(&keepFor, "keep-for", "", keepFor, `Hold new snapshots at least this long, e.g. "2 weeks"`)

	return cmd
}

func retentionEntrypoint(
	g *globalFlags,
	name string,
	short string,
	action func(*App, context.Context, Selection) error,
) *cobra.Command {
	return &cobra.Command{
		Use:   name + " [dataset...]",
		Short: short,
		Run: func(cmd *cobra.Command, args []string) {
			g.withApp(func(ctx context.Context, app *App) error {
				return action(app, ctx, g.selection(args))
			})
		},
	}
}

func listEntrypoint(g *globalFlags) *cobra.Command {
	scripted := !isatty.IsTerminal(os.Stdout.Fd())

	cmd := &cobra.Command{
		Use:   "list [dataset...]",
		Short: "Lists datasets and their automatic snapshots",
		Run: func(cmd *cobra.Command, args []string) {
			g.withApp(func(ctx context.Context, app *App) error {
				return app.List(ctx, g.selection(args), os.Stdout, scripted)
			})
		},
	}

	cmd.Flags().BoolVarP(&scripted, "scripted", "H", scripted, "Tab-separated exact values without header (default when not a terminal)")

	return cmd
}

func policyEntrypoint(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "policy [spec] [dataset...]",
		Short: "Shows the default policy, validates a policy or sets it for datasets",
		Long: `Without arguments, shows the default policy.
With only a spec, validates it and shows its normalized form.
With datasets, sets the policy for them. Spec "inherit" (or "-") reverts to inherited policy.

Spec is rules separated by ";", each "[count] [*] <period>" or "<count> * <multiplier> <period>",
e.g. "4 * 15 minutes; 24 hourly; 7 daily".`,
		Run: func(cmd *cobra.Command, args []string) {
			switch len(args) {
			case 0:
				exitIfError(guard(func() error {
					conf, err := g.loadConfig()
					if err != nil {
						return err
					}

					policy, err := snappolicy.Parse(conf.DefaultPolicy)
					if err != nil {
						return err
					}

					fmt.Println(policy.String())
					return nil
				}))
			case 1:
				exitIfError(guard(func() error {
					policy, err := snappolicy.Parse(args[0])
					if err != nil {
						return err
					}

					fmt.Println(policy.String())
					return nil
				}))
			default:
				g.withApp(func(ctx context.Context, app *App) error {
					return app.SetPolicy(ctx, args[0], args[1:])
				})
			}
		},
	}
}

func enableEntrypoint(g *globalFlags, name string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   name + " [dataset...]",
		Short: fmt.Sprintf("Sets %s=%t (inherited by descendants)", snaptypes.PropAuto, enabled),
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			g.withApp(func(ctx context.Context, app *App) error {
				return app.SetEnabled(ctx, args, enabled)
			})
		},
	}
}

func historyEntrypoint(g *globalFlags) *cobra.Command {
	limit := 20
	scripted := !isatty.IsTerminal(os.Stdout.Fd())

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Shows recent runs",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			exitIfError(guard(func() error {
				conf, err := g.loadConfig()
				if err != nil {
					return err
				}

				app := NewApp(conf, nil, runjournal.New(conf.JournalPath), os.Stdout, g.dryRun, g.verbose, g.rootLogger())

				return app.History(os.Stdout, limit, scripted)
			}))
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "", limit, "How many runs to show (0 = all)")
	cmd.Flags().BoolVarP(&scripted, "scripted", "H", scripted, "Tab-separated exact values without header (default when not a terminal)")

	return cmd
}

func daemonEntrypoint(g *globalFlags) *cobra.Command {
	schedule := ""
	runNow := true

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: `Runs "auto" on a schedule until stopped`,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			g.withApp(func(ctx context.Context, app *App) error {
				if schedule == "" {
					schedule = app.conf.DaemonSchedule
				}

				return daemon(ctx, app, schedule, runNow)
			})
		},
	}

	cmd.Flags().StringVarP(&schedule, "schedule", "", schedule, "Cron expression (default from config)")
	cmd.Flags().BoolVarP(&runNow, "run-now", "", runNow, "Run once at startup instead of waiting for the first scheduled time")

	return cmd
}

func daemon(ctx context.Context, app *App, schedule string, runNow bool) error {
	logl := logex.Levels(app.logger)

	job, err := scheduler.NewJob("auto", schedule, func(ctx context.Context, _ *log.Logger) error {
		// operators may have changed policies since the previous run
		app.engine.Policies().Reset()

		if err := app.Auto(ctx, Selection{}); err != nil {
			if errors.Is(err, snaptypes.ErrAlreadyRunning) {
				logl.Info.Println("another run is in progress, skipping this one")
				return nil
			}

			return err
		}

		return nil
	}, time.Now())
	if err != nil {
		return fmt.Errorf("%w: schedule: %v", ErrBadConfig, err)
	}

	controller := scheduler.New([]*scheduler.Job{job}, app.logger)

	tasks := taskrunner.New(ctx, app.logger)

	tasks.Start("scheduler", controller.Run)

	// errors here only mean we're already stopping, which Wait() reports
	if runNow {
		_ = controller.Trigger(ctx, "auto")
	}

	if status, err := controller.Status(ctx); err == nil {
		logl.Info.Printf("started with schedule %q, next run %s", schedule, status[0].NextRun.Format(time.RFC3339))
	}

	return tasks.Wait()
}

func (g *globalFlags) selection(args []string) Selection {
	return Selection{
		Datasets:  args,
		Recursive: g.recursive,
	}
}

func (g *globalFlags) loadConfig() (*Config, error) {
	if g.configPath == "" {
		return LoadConfig(DefaultConfigPath, false)
	}

	return LoadConfig(g.configPath, true)
}

// debug lines are dropped unless verbose
func (g *globalFlags) rootLogger() *log.Logger {
	if g.verbose {
		return logex.StandardLogger()
	}

	return logex.StandardLoggerTo(logtee.NewLineFilter(os.Stderr, func(line string) bool {
		return !strings.Contains(line, "[DEBUG]")
	}))
}

// builds the App and runs fn with it, then exits the process on error
func (g *globalFlags) withApp(fn func(context.Context, *App) error) {
	exitIfError(guard(func() error {
		logger := g.rootLogger()

		conf, err := g.loadConfig()
		if err != nil {
			return err
		}

		client, err := zfscli.New(conf.ZfsBinary, logex.Prefix("zfs", logger))
		if err != nil {
			return err
		}

		if g.dryRun {
			client.EnableDryRun(os.Stdout)
		}

		app := NewApp(conf, client, runjournal.New(conf.JournalPath), os.Stdout, g.dryRun, g.verbose, logger)

		return fn(osutil.CancelOnInterruptOrTerminate(logger), app)
	}))
}
