package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// A .env next to the working directory may carry site credentials
	// (task store password, bucket keys) referenced by the config.
	_ = godotenv.Load()

	root, bind := buildRoot()
	bind()

	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		var rf *runFailure
		if errors.As(err, &rf) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// GlobalFlags holds minimal global/persistent flags for CLI commands
type GlobalFlags struct {
	ConfigPath string // Only config path for CLI commands
}

// buildRoot creates the root command with its subcommands
func buildRoot() (*cobra.Command, func()) {
	globalFlags := &GlobalFlags{}
	statusFlags := &StatusFlags{}
	taskFlags := &TaskFlags{}
	nightFlags := &NightFlags{}
	journalFlags := &JournalFlags{}
	abortFlags := &AbortFlags{}
	planFlags := &PlanFlags{}
	templateFlags := &TemplateCreateFlags{}

	noctuaCommand := command{}

	root := createRootCommand(globalFlags)

	// Add subcommands
	root.AddCommand(
		createRunCommand(globalFlags),
		createStatusCommand(noctuaCommand, statusFlags),
		createTaskCommand(noctuaCommand, taskFlags),
		createNightCommand(noctuaCommand, nightFlags),
		createJournalCommand(noctuaCommand, journalFlags),
		createAbortCommand(noctuaCommand, abortFlags),
		createPlanCommand(noctuaCommand, globalFlags, planFlags),
		createTemplateCommand(noctuaCommand, templateFlags),
		createVersionCommand(),
	)

	return root, func() {
		// No pre-run setup needed for the CLI commands
	}
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "noctua",
		Short: "Unattended observatory task runner",
		Long: `Noctua runs a telescope through the night: it waits for astronomical
darkness, fetches the next imaging task from the remote scheduler,
drives the imaging application and reports the outcome back.

Examples:
  noctua run --config=config.toml   # Start the daemon
  noctua status                     # Show what the daemon is doing
  noctua night                      # Show the current night window
  noctua abort --reason="clouds"    # Abort the active run`,
	}

	// Only essential flags for CLI commands
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")

	return root
}

// createRunCommand creates the run subcommand
func createRunCommand(globalFlags *GlobalFlags) *cobra.Command {
	runFlags := &RunFlags{}

	cmd := &cobra.Command{
		Use:   "run [config.toml]",
		Short: "Start the noctua daemon",
		Long: `Start the noctua daemon that executes observation tasks overnight.
All configuration is loaded from config.toml.

Examples:
  noctua run                     # Start daemon (uses --config)
  noctua run config.toml         # Start with specific config file
  noctua run --daemonize         # Run in background (pidfile configured via [server].pidfile)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			runFlags.ConfigPath = globalFlags.ConfigPath
			return runRunCommand(runFlags, args)
		},
	}

	// Add daemonize flags
	cmd.Flags().BoolVar(&runFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&runFlags.LogFile, "logfile", "", "redirect daemon logs to file")

	return cmd
}

// createStatusCommand creates the status subcommand
func createStatusCommand(noctuaCommand command, statusFlags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Long: `Show the loop state, the active task and the supervised imaging
process as reported by the running daemon.

Examples:
  noctua status
  noctua status --api-url=http://remote:8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return noctuaCommand.Status(StatusFlags{
				APIUrl:     statusFlags.APIUrl,
				APITimeout: statusFlags.APITimeout,
			})
		},
	}

	// Remote daemon connection
	cmd.Flags().StringVar(&statusFlags.APIUrl, "api-url", "", "remote daemon URL (e.g. http://host:8080)")
	cmd.Flags().DurationVar(&statusFlags.APITimeout, "api-timeout", 10*time.Second, "request timeout")

	return cmd
}

// createTaskCommand creates the task subcommand
func createTaskCommand(noctuaCommand command, taskFlags *TaskFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Show the task currently being executed",
		Long: `Show the imaging task the daemon is executing right now.

Examples:
  noctua task
  noctua task --api-url=http://remote:8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return noctuaCommand.Task(TaskFlags{
				APIUrl:     taskFlags.APIUrl,
				APITimeout: taskFlags.APITimeout,
			})
		},
	}

	// Remote daemon connection
	cmd.Flags().StringVar(&taskFlags.APIUrl, "api-url", "", "remote daemon URL (e.g. http://host:8080)")
	cmd.Flags().DurationVar(&taskFlags.APITimeout, "api-timeout", 10*time.Second, "request timeout")

	return cmd
}

// createNightCommand creates the night subcommand
func createNightCommand(noctuaCommand command, nightFlags *NightFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "night",
		Short: "Show the night window",
		Long: `Show whether it is astronomical night at the site, the current sun
altitude and when the next day/night transition happens.

Examples:
  noctua night
  noctua night --api-url=http://remote:8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return noctuaCommand.Night(NightFlags{
				APIUrl:     nightFlags.APIUrl,
				APITimeout: nightFlags.APITimeout,
			})
		},
	}

	// Remote daemon connection
	cmd.Flags().StringVar(&nightFlags.APIUrl, "api-url", "", "remote daemon URL (e.g. http://host:8080)")
	cmd.Flags().DurationVar(&nightFlags.APITimeout, "api-timeout", 10*time.Second, "request timeout")

	return cmd
}

// createJournalCommand creates the journal subcommand
func createJournalCommand(noctuaCommand command, journalFlags *JournalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "List recent run outcomes",
		Long: `List recent imaging runs from the local journal, newest first,
including runs whose outcome report has not reached the scheduler yet.

Examples:
  noctua journal
  noctua journal --limit=5`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return noctuaCommand.Journal(JournalFlags{
				Limit:      journalFlags.Limit,
				APIUrl:     journalFlags.APIUrl,
				APITimeout: journalFlags.APITimeout,
			})
		},
	}

	cmd.Flags().IntVar(&journalFlags.Limit, "limit", 20, "maximum number of entries to list")

	// Remote daemon connection
	cmd.Flags().StringVar(&journalFlags.APIUrl, "api-url", "", "remote daemon URL (e.g. http://host:8080)")
	cmd.Flags().DurationVar(&journalFlags.APITimeout, "api-timeout", 10*time.Second, "request timeout")

	return cmd
}

// createAbortCommand creates the abort subcommand
func createAbortCommand(noctuaCommand command, abortFlags *AbortFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "abort",
		Short: "Abort the active imaging run",
		Long: `Abort the imaging run in progress. The daemon terminates the imaging
application, journals the run as aborted with the given reason and
reports it to the scheduler. Fails when no run is active.

Examples:
  noctua abort
  noctua abort --reason="clouds rolling in"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return noctuaCommand.Abort(AbortFlags{
				Reason:     abortFlags.Reason,
				APIUrl:     abortFlags.APIUrl,
				APITimeout: abortFlags.APITimeout,
			})
		},
	}

	cmd.Flags().StringVar(&abortFlags.Reason, "reason", "", "reason recorded in the journal and the report")

	// Remote daemon connection
	cmd.Flags().StringVar(&abortFlags.APIUrl, "api-url", "", "remote daemon URL (e.g. http://host:8080)")
	cmd.Flags().DurationVar(&abortFlags.APITimeout, "api-timeout", 10*time.Second, "request timeout")

	return cmd
}

// createPlanCommand creates the plan subcommand
func createPlanCommand(noctuaCommand command, globalFlags *GlobalFlags, planFlags *PlanFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan [config.toml]",
		Short: "Fetch the next task and render its sequence without executing",
		Long: `Plan performs a dry run of the nightly pipeline: it logs in to the
task store, fetches the next pending task for this scope and renders
the imaging sequence file, then prints both. Nothing is launched and
the task stays pending on the scheduler.

Examples:
  noctua plan --config=config.toml
  noctua plan config.toml --keep   # Leave the rendered sequence on disk`,
		RunE: func(cmd *cobra.Command, args []string) error {
			planFlags.ConfigPath = globalFlags.ConfigPath
			return noctuaCommand.Plan(*planFlags, args)
		},
	}

	cmd.Flags().BoolVar(&planFlags.Keep, "keep", false, "keep the rendered sequence file instead of discarding it")

	return cmd
}

// createTemplateCommand creates the template command
func createTemplateCommand(noctuaCommand command, templateFlags *TemplateCreateFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Create sequence templates",
		Long: `Create a starter sequence template for a scope. The template is the
per-scope skeleton the daemon fills with target coordinates when it
builds a sequence, so one must exist before the first run.

Supported template types:
  narrowband - Ha/OIII/SII with dithering and frequent refocus
  broadband  - LRGB with relaxed guiding
  photometry - unguided, fixed focus, 2x2 binning
  minimal    - camera and mount only

Examples:
  noctua template --type=narrowband --scope=3
  noctua template --type=photometry --scope=12 --dir=./data/templates
  noctua template --type=minimal --scope=3 --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return noctuaCommand.TemplateCreate(TemplateCreateFlags{
				Type:  templateFlags.Type,
				Scope: templateFlags.Scope,
				Dir:   templateFlags.Dir,
				Force: templateFlags.Force,
			})
		},
	}

	// Add flags specific to template command
	cmd.Flags().StringVar(&templateFlags.Type, "type", "", "template type (required): narrowband, broadband, photometry, minimal")
	cmd.Flags().IntVar(&templateFlags.Scope, "scope", 0, "scope id the template belongs to (required)")
	cmd.Flags().StringVar(&templateFlags.Dir, "dir", "templates", "directory to write the template into")
	cmd.Flags().BoolVar(&templateFlags.Force, "force", false, "overwrite existing template file")

	// Mark required flags
	if err := cmd.MarkFlagRequired("type"); err != nil {
		panic(err)
	}
	if err := cmd.MarkFlagRequired("scope"); err != nil {
		panic(err)
	}

	return cmd
}

// createVersionCommand creates the version command
func createVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the noctua version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("noctua %s\n", version)
			return nil
		},
	}

	return cmd
}
