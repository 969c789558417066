package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kokistudios/patchlift/internal/buildtool"
	"github.com/kokistudios/patchlift/internal/continuation"
	patchliftmcp "github.com/kokistudios/patchlift/internal/mcp"
	"github.com/kokistudios/patchlift/internal/rebase"
	"github.com/kokistudios/patchlift/internal/repo"
	"github.com/kokistudios/patchlift/internal/store"
	"github.com/kokistudios/patchlift/internal/ui"
	"github.com/kokistudios/patchlift/internal/upgrade"
	"github.com/kokistudios/patchlift/internal/version"
)

// Set via ldflags at build time
var (
	buildVersionTag = "dev"
	commit          = "none"
	date            = "unknown"
)

//go:embed reference.md
var referenceDoc string

// errSoftStop marks a run that stopped for the user. It maps to exit code 2.
var errSoftStop = errors.New("stopped for user action")

// Flags shared by every command.
var global struct {
	noColor   bool
	verbose   bool
	infraMode bool
	core      string
}

func buildVersion() string {
	if commit == "none" {
		return buildVersionTag
	}
	return fmt.Sprintf("%s (%s, %s)", buildVersionTag, commit, date)
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "patchlift",
		Short: "patchlift: Chromium upgrades for the core tree",
		Long: "Moves the core tree to a new Chromium version: bumps the pinned version, re-applies every " +
			"patch, stops for a human when patches conflict, and resumes where it stopped.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			ui.Init(global.noColor, global.verbose)
		},
	}

	rootCmd.Version = buildVersion()
	rootCmd.PersistentFlags().BoolVar(&global.noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&global.verbose, "verbose", false, "Log every external command line")
	rootCmd.PersistentFlags().BoolVar(&global.infraMode, "infra-mode", false, "Running on CI: print keep-alive pings and pass CI flags to init")
	rootCmd.PersistentFlags().StringVar(&global.core, "core", "", "Core tree root (default: $PATCHLIFT_CORE, then the current git toplevel)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "upgrade", Title: "Upgrade Commands:"},
		&cobra.Group{ID: "inspect", Title: "Inspection:"},
		&cobra.Group{ID: "config", Title: "Configuration:"},
	)

	for _, c := range []*cobra.Command{liftCmd(), regenCmd(), rebaseCmd()} {
		c.GroupID = "upgrade"
		rootCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{statusCmd(), showCmd(), referenceCmd(), doctorCmd()} {
		c.GroupID = "inspect"
		rootCmd.AddCommand(c)
	}
	configC := configCmd()
	configC.GroupID = "config"
	rootCmd.AddCommand(configC)

	rootCmd.AddCommand(planEditCmd())
	rootCmd.AddCommand(messageEditCmd())
	rootCmd.AddCommand(mcpServeCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		if errors.Is(err, errSoftStop) {
			os.Exit(2)
		}
		ui.Error(err.Error())
		os.Exit(1)
	}
}

// env is a loaded core checkout.
type env struct {
	store *store.Store
	rc    *repo.Context
}

func loadStore() (*store.Store, error) {
	root := global.core
	if root == "" {
		root = store.Root()
	}
	return store.Load(root)
}

func loadEnv() (*env, error) {
	s, err := loadStore()
	if err != nil {
		return nil, err
	}
	rc, err := repo.FromStore(s)
	if err != nil {
		return nil, err
	}
	return &env{store: s, rc: rc}, nil
}

func (e *env) buildTool() (buildtool.Tool, error) {
	tool, err := buildtool.New("npm", e.store.Config.Npm.Path, e.rc.CoreRoot, global.infraMode)
	if err != nil {
		return nil, err
	}
	if err := tool.Available(); err != nil {
		return nil, err
	}
	return tool, nil
}

func (e *env) upgrader() (*upgrade.Upgrader, error) {
	tool, err := e.buildTool()
	if err != nil {
		return nil, err
	}
	return upgrade.New(e.rc, tool, e.store.Config, e.store.CheckpointPath()), nil
}

// keepAlive pings stderr during long steps in infra mode.
func (e *env) keepAlive() (stop func()) {
	if !global.infraMode {
		return func() {}
	}
	secs := e.store.Config.Infra.KeepAliveSeconds
	if secs < 1 {
		secs = store.DefaultConfig().Infra.KeepAliveSeconds
	}
	return ui.KeepAlive(time.Duration(secs) * time.Second)
}

func liftCmd() *cobra.Command {
	var (
		to          string
		fromRef     string
		cont        bool
		restart     bool
		ackAdvisory bool
		noConflict  bool
		vscode      bool
		yes         bool
	)
	cmd := &cobra.Command{
		Use:   "lift --to <version>",
		Short: "Upgrade the branch to a new Chromium version",
		Long: "Bump the pinned Chromium version, re-apply every patch and regenerate patches and strings. " +
			"Stops with exit code 2 when patches need a human or an advisory needs acknowledging; " +
			"resume with --continue.",
		Example: `  patchlift lift --to 131.0.6778.33
  patchlift lift --to 131.0.6778.33 --continue
  patchlift lift --to 131.0.6778.33 --restart --yes`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if noConflict && !cont {
				return fmt.Errorf("--no-conflict-change can only be used with --continue")
			}
			if cont && restart {
				return fmt.Errorf("--restart does not support --continue")
			}
			if cont && ackAdvisory {
				return fmt.Errorf("--ack-advisory does not support --continue")
			}
			if cont && cmd.Flags().Changed("from-ref") {
				return fmt.Errorf("--from-ref is not supported with --continue")
			}
			if restart && ackAdvisory {
				return fmt.Errorf("--ack-advisory cannot be combined with --restart")
			}
			target, err := version.Parse(to)
			if err != nil {
				return fmt.Errorf("invalid --to: %w", err)
			}

			e, err := loadEnv()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			var base version.Version
			if !cont {
				if base, err = version.ResolveRef(ctx, e.rc.Core(), fromRef); err != nil {
					return fmt.Errorf("resolving --from-ref: %w", err)
				}
				// Checked before --restart resets anything.
				if err := upgrade.CheckBase(target, base); err != nil {
					return err
				}
			}
			u, err := e.upgrader()
			if err != nil {
				return err
			}

			subtitle := "to Chromium " + target.String()
			if cont {
				subtitle += " (continuing)"
			}
			ui.CommandBanner("lift", subtitle)
			defer e.keepAlive()()

			var res *upgrade.Result
			if cont {
				res, err = u.Continue(ctx, target, noConflict)
			} else {
				if restart {
					if err := restartRun(ctx, u, target, yes); err != nil {
						return err
					}
				}
				res, err = u.Start(ctx, upgrade.StartOptions{Target: target, Base: base, AckAdvisory: ackAdvisory})
			}
			if err != nil {
				return err
			}
			return reportRun(ctx, e, res, vscode)
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "Chromium version to upgrade to (e.g. 131.0.6778.33)")
	cmd.Flags().StringVar(&fromRef, "from-ref", version.RefUpstream, "Where the base version comes from: @upstream, @previous or a git ref")
	cmd.Flags().BoolVar(&cont, "continue", false, "Resume after resolving conflicts")
	cmd.Flags().BoolVar(&restart, "restart", false, "Discard the upgrade commits for --to and start over")
	cmd.Flags().BoolVar(&ackAdvisory, "ack-advisory", false, "Proceed past the pre-run advisory shown by the last run")
	cmd.Flags().BoolVar(&noConflict, "no-conflict-change", false, "With --continue, there is nothing left to commit as conflict resolution")
	cmd.Flags().BoolVar(&vscode, "vscode", false, "Open the files that need attention in the configured editor")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the --restart confirmation")
	cmd.MarkFlagRequired("to")
	return cmd
}

func restartRun(ctx context.Context, u *upgrade.Upgrader, target version.Version, yes bool) error {
	plan, err := u.PlanRestart(ctx, target)
	if err != nil {
		return err
	}
	ui.SectionHeader("Restart")
	ui.KeyValue("Reset to:", plan.Start+"~1")
	ui.KeyValue("Bump commit:", plan.Subject)
	if len(plan.Discarded) > 0 {
		ui.Info(fmt.Sprintf("These %d commit(s) will be discarded:", len(plan.Discarded)))
		for _, c := range plan.Discarded {
			ui.Item("-", c)
		}
	}
	if !yes {
		ok, err := ui.Confirm("Reset the branch and start over?")
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("restart cancelled")
		}
	}
	return u.Restart(ctx, plan)
}

// reportRun prints the outcome of a run and turns a soft-stop into
// errSoftStop.
func reportRun(ctx context.Context, e *env, res *upgrade.Result, vscode bool) error {
	if res.Outcome == upgrade.Completed {
		if len(res.Commits) == 0 {
			ui.EmptyState("Nothing to commit.")
		}
		ui.Success(fmt.Sprintf("Upgrade to Chromium %s complete", res.Target))
		return nil
	}

	upgrade.Report(ctx, res, e.store.Config.Upstream.GooglesourceURL)

	next := fmt.Sprintf("patchlift lift --to %s --continue", res.Target)
	msg := "Once the files above are resolved and staged, run"
	if res.Reason == upgrade.StopAdvisory {
		next = fmt.Sprintf("patchlift lift --to %s --ack-advisory", res.Target)
		msg = "Once the advisory has been addressed, run"
	}
	ui.Notify("patchlift", fmt.Sprintf("Upgrade to Chromium %s needs your attention", res.Target))
	if vscode && res.Record != nil {
		if err := openEditor(ctx, e, res.Record.AttentionPaths()); err != nil {
			ui.Warning(fmt.Sprintf("Could not open the editor: %v", err))
		}
	}
	ui.NextStep(msg, next)
	return errSoftStop
}

func openEditor(ctx context.Context, e *env, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	command := strings.Fields(e.store.Config.Editor.Command)
	if len(command) == 0 {
		return fmt.Errorf("editor.command is not set")
	}
	args := append(command[1:], paths...)
	_, err := repo.Exec(ctx, e.rc.CoreRoot, nil, command[0], args...)
	return err
}

func regenCmd() *cobra.Command {
	var fromRef string
	cmd := &cobra.Command{
		Use:   "regen",
		Short: "Regenerate patches and strings for the current branch",
		Long: "Run init, update_patches and chromium_rebase_l10n against the version pinned at HEAD and " +
			"commit whatever changed.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			u, err := e.upgrader()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			target, err := version.FromManifest(ctx, e.rc.Core(), "HEAD")
			if err != nil {
				return err
			}
			base, err := version.ResolveRef(ctx, e.rc.Core(), fromRef)
			if err != nil {
				return fmt.Errorf("resolving --from-ref: %w", err)
			}

			ui.CommandBanner("regen", fmt.Sprintf("Chromium %s from %s", target, base))
			defer e.keepAlive()()
			res, err := u.Regen(ctx, base, target)
			if err != nil {
				return err
			}
			if len(res.Commits) == 0 {
				ui.EmptyState("Patches and strings are already up to date.")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&fromRef, "from-ref", version.RefUpstream, "Where the base version comes from: @upstream, @previous or a git ref")
	return cmd
}

func rebaseCmd() *cobra.Command {
	var (
		fromRef      string
		toRef        string
		recommit     bool
		discardRegen bool
		squash       bool
	)
	cmd := &cobra.Command{
		Use:   "rebase",
		Short: "Rebase the upgrade branch onto a new base",
		Long: "Rebase the current branch onto --from-ref with autosquash. Stops before touching anything " +
			"when the rebase would conflict, and prints the command to run by hand.",
		Example: `  patchlift rebase
  patchlift rebase --discard-regen-changes && patchlift regen
  patchlift rebase --from-ref origin/master --squash`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			from := fromRef
			if from == version.RefUpstream {
				if from = e.rc.Core().UpstreamBranch(ctx); from == "" {
					return version.ErrNoUpstream
				}
			}
			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("locating the patchlift binary: %w", err)
			}

			ui.CommandBanner("rebase", "onto "+from)
			res, err := rebase.Run(ctx, e.rc, rebase.Options{
				From:         from,
				Branch:       toRef,
				Recommit:     recommit,
				DiscardRegen: discardRegen,
				Squash:       squash,
				Executable:   exe,
			})
			if err != nil {
				return err
			}
			if len(res.Conflicts) > 0 {
				ui.SectionHeader("Rebase would conflict " + ui.ActionNeeded())
				for _, f := range res.Conflicts {
					ui.Item(ui.Failed(), f)
				}
				ui.NextStep("Run manually:", res.ManualCommand)
				return errSoftStop
			}
			ui.Success(fmt.Sprintf("Rebased %s onto %s", res.Branch, from))
			return nil
		},
	}
	cmd.Flags().StringVar(&fromRef, "from-ref", version.RefUpstream, "Branch to rebase onto (default: the branch's upstream)")
	cmd.Flags().StringVar(&toRef, "to-ref", "", "Branch to rebase (default: the current branch)")
	cmd.Flags().BoolVar(&recommit, "recommit", false, "Rewrite every commit even when nothing needs rebasing")
	cmd.Flags().BoolVar(&discardRegen, "discard-regen-changes", false, "Drop the regenerable \"Update patches\" and \"Updated strings\" commits")
	cmd.Flags().BoolVar(&squash, "squash", false, "Fold the upgrade commits into one commit per kind")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the upgrade in progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			f, err := continuation.Peek(e.rc, e.store.CheckpointPath())
			if errors.Is(err, continuation.ErrNotFound) {
				ui.EmptyState("No upgrade in progress.")
				return nil
			}
			if err != nil {
				return err
			}

			ui.SectionHeader("Upgrade in progress")
			ui.KeyValue("Target: ", f.Target.String())
			ui.KeyValue("Working:", f.Working.String())
			ui.KeyValue("Base:   ", f.Base.String())
			ui.KeyValue("State:  ", string(f.State))
			ui.KeyValue("Run:    ", f.RunID)
			if !f.UpdatedAt.IsZero() {
				ui.KeyValue("Updated:", f.UpdatedAt.Local().Format("2006-01-02 15:04"))
			}
			if paths := f.Patches.AttentionPaths(); len(paths) > 0 {
				ui.SectionHeader("Needs attention")
				for _, p := range paths {
					ui.Item(ui.Failed(), p)
				}
			}
			ui.NextStep("To resume, run", f.ResumeCommand())
			return nil
		},
	}
}

func showCmd() *cobra.Command {
	var (
		packageVersion bool
		fromRefValue   string
		logLink        bool
		checkpoint     bool
	)
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print versions and links for the current branch",
		Example: `  patchlift show --package-version
  patchlift show --from-ref-value @previous --log-link`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			core := e.rc.Core()
			if !packageVersion && fromRefValue == "" && !logLink && !checkpoint {
				packageVersion = true
			}

			if packageVersion {
				v, err := version.FromManifest(ctx, core, "HEAD")
				if err != nil {
					return err
				}
				fmt.Printf("upstream version: %s\n", v)
			}
			if fromRefValue != "" {
				v, err := version.ResolveRef(ctx, core, fromRefValue)
				if err != nil {
					return err
				}
				fmt.Printf("base version: %s\n", v)
			}
			if logLink {
				head, err := version.FromManifest(ctx, core, "HEAD")
				if err != nil {
					return err
				}
				prev, err := version.FromPrevious(ctx, core)
				if err != nil {
					return err
				}
				fmt.Printf("googlesource link: %s\n", version.LogLink(e.store.Config.Upstream.GooglesourceURL, prev, head))
			}
			if checkpoint {
				data, err := afero.ReadFile(e.rc.Fs, e.store.CheckpointPath())
				if err != nil {
					if errors.Is(err, os.ErrNotExist) {
						return continuation.ErrNotFound
					}
					return err
				}
				fmt.Print(string(data))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&packageVersion, "package-version", false, "Show the Chromium version pinned at HEAD")
	cmd.Flags().StringVar(&fromRefValue, "from-ref-value", "", "Show the Chromium version a --from-ref value resolves to")
	cmd.Flags().BoolVar(&logLink, "log-link", false, "Print the googlesource log link from the previous version to HEAD")
	cmd.Flags().BoolVar(&checkpoint, "checkpoint", false, "Print the raw checkpoint file")
	return cmd
}

func referenceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reference",
		Short: "Detailed documentation for patchlift",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			ui.RenderMarkdown(referenceDoc)
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and edit patchlift configuration",
	}
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configGetCmd())
	cmd.AddCommand(configSetCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display current effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(s.Config)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			fmt.Print(string(data))
			return nil
		},
	}
}

func configGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "get <key>",
		Short:     "Print one configuration value",
		Args:      cobra.ExactArgs(1),
		ValidArgs: store.ConfigKeys,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			v, err := s.GetConfigValue(args[0])
			if err != nil {
				return err
			}
			fmt.Println(v)
			return nil
		},
	}
}

func configSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Long:  "Set a value in " + store.ConfigFile + " at the core root. Valid keys: " + strings.Join(store.ConfigKeys, ", ") + ".",
		Example: `  patchlift config set npm.path /usr/local/bin/npm
  patchlift config set advisories.enabled false
  patchlift config set editor.command "code -n"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			if err := s.SetConfigValue(args[0], args[1]); err != nil {
				return err
			}
			ui.Success(fmt.Sprintf("Set %s = %s", args[0], args[1]))
			return nil
		},
	}
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check both trees, the build tool and the checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			ui.CommandBanner("doctor", "health check")

			issues := store.CheckHealth(e.store)
			issues = append(issues, repo.CheckHealth(e.rc.Core())...)
			issues = append(issues, repo.CheckHealth(e.rc.Src())...)
			if _, err := continuation.Peek(e.rc, e.store.CheckpointPath()); err != nil && !errors.Is(err, continuation.ErrNotFound) {
				issues = append(issues, store.Issue{Severity: "error", Message: err.Error()})
			}

			if len(issues) == 0 {
				ui.Success("Everything looks good")
				return nil
			}

			hasError := false
			for _, issue := range issues {
				if issue.Severity == "error" {
					ui.Error(fmt.Sprintf("[ERR]  %s", issue.Message))
					hasError = true
				} else {
					ui.Warning(fmt.Sprintf("[WARN] %s", issue.Message))
				}
			}
			if hasError {
				return fmt.Errorf("doctor found problems")
			}
			return nil
		},
	}
}

func planEditCmd() *cobra.Command {
	var recommit, discardRegen, squash bool
	cmd := &cobra.Command{
		Use:    rebase.PlanEditCommand + " <todo-file>",
		Short:  "Rewrite an interactive rebase todo (called by git)",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rebase.EditFile(afero.NewOsFs(), args[0], rebase.PlanTransforms(discardRegen, recommit, squash)...)
		},
	}
	cmd.Flags().BoolVar(&recommit, "recommit", false, "")
	cmd.Flags().BoolVar(&discardRegen, "discard-regen-changes", false, "")
	cmd.Flags().BoolVar(&squash, "squash", false, "")
	return cmd
}

func messageEditCmd() *cobra.Command {
	return &cobra.Command{
		Use:    rebase.MessageEditCommand + " <message-file>",
		Short:  "Reduce a squashed commit message to its newest subject (called by git)",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rebase.EditFile(afero.NewOsFs(), args[0], rebase.ReduceMessage)
		},
	}
}

func mcpServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "mcp-serve",
		Short:  "Run patchlift as an MCP server",
		Long:   "Start a read-only Model Context Protocol server over stdio that reports the upgrade in progress.",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			server := patchliftmcp.NewServer(e.rc, e.store.CheckpointPath(), buildVersion())
			return server.Run(cmd.Context())
		},
	}
}
