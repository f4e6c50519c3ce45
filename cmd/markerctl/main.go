package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/osvaldoandrade/markerq/pkg/client"
	"github.com/osvaldoandrade/markerq/pkg/domain"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

type ui struct {
	title func(a ...any) string
	ok    func(a ...any) string
	info  func(a ...any) string
	warn  func(a ...any) string
	err   func(a ...any) string
	dim   func(a ...any) string
}

func newUI() *ui {
	return &ui{
		title: color.New(color.FgHiCyan, color.Bold).SprintFunc(),
		ok:    color.New(color.FgGreen, color.Bold).SprintFunc(),
		info:  color.New(color.FgCyan).SprintFunc(),
		warn:  color.New(color.FgYellow).SprintFunc(),
		err:   color.New(color.FgRed, color.Bold).SprintFunc(),
		dim:   color.New(color.FgHiBlack).SprintFunc(),
	}
}

// settings are resolved once per invocation from flags, env and the profile.
type settings struct {
	baseURL    string
	adminToken string
	outputDir  string
	profile    string
}

func (s *settings) client() *client.Client {
	return client.New(s.baseURL, client.WithAdminToken(s.adminToken))
}

func interactive() bool { return term.IsTerminal(int(os.Stdout.Fd())) }

// withSpinner runs fn behind a spinner when stdout is a terminal.
func withSpinner(label string, fn func() error) error {
	if !interactive() {
		return fn()
	}
	spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
	spin.Suffix = " " + label
	spin.Start()
	err := fn()
	spin.Stop()
	return err
}

func main() {
	s := &settings{
		baseURL:    getenv("MARKER_BASE_URL", defaultBaseURL),
		adminToken: getenv("MARKER_ADMIN_TOKEN", ""),
	}
	ui := newUI()

	root := &cobra.Command{
		Use:   "markerctl",
		Short: "Marker API CLI",
		Long:  "markerctl converts PDFs to markdown through a Marker API server.",
	}
	root.SetHelpTemplate(helpTemplate(ui))
	root.SilenceUsage = true

	root.PersistentFlags().StringVar(&s.baseURL, "base-url", s.baseURL, "Base URL of the Marker API")
	root.PersistentFlags().StringVar(&s.adminToken, "admin-token", s.adminToken, "Admin token for queue commands")
	root.PersistentFlags().StringVar(&s.outputDir, "output", "", "Folder for markdown and images")
	root.PersistentFlags().StringVar(&s.profile, "profile", "", "Config profile")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		profiles, err := openProfiles(profilePath())
		if err != nil {
			return err
		}
		_, prof := profiles.active(s.profile)
		flags := cmd.Flags()
		if !flags.Changed("base-url") && os.Getenv("MARKER_BASE_URL") == "" && prof.BaseURL != "" {
			s.baseURL = prof.BaseURL
		}
		if !flags.Changed("admin-token") && s.adminToken == "" {
			s.adminToken = prof.AdminToken
		}
		if !flags.Changed("output") {
			s.outputDir = prof.OutputDir
		}
		return nil
	}

	root.AddCommand(
		initCmd(s, ui),
		healthCmd(s, ui),
		convertCmd(s, ui),
		batchCmd(s, ui),
		resultCmd(s, ui),
		batchResultCmd(s, ui),
		queueCmd(s, ui),
	)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.err("[ERROR]"), err)
		os.Exit(1)
	}
}

func initCmd(s *settings, ui *ui) *cobra.Command {
	var noPrompt bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize CLI config",
		RunE: func(cmd *cobra.Command, args []string) error {
			profiles, err := openProfiles(profilePath())
			if err != nil {
				return err
			}
			active, prof := profiles.active(s.profile)
			prof.BaseURL = firstNonEmpty(s.baseURL, prof.BaseURL, defaultBaseURL)
			prof.OutputDir = firstNonEmpty(s.outputDir, prof.OutputDir)
			prof.AdminToken = firstNonEmpty(s.adminToken, prof.AdminToken)

			if !noPrompt {
				q := newAsker()
				prof.BaseURL = q.ask("Base URL", prof.BaseURL)
				prof.OutputDir = q.ask("Output folder (optional)", prof.OutputDir)
				if prof.AdminToken == "" {
					tok, err := q.secret("Admin token (optional)")
					if err != nil {
						return err
					}
					prof.AdminToken = tok
				}
			}

			profiles.put(active, prof, s.profile != "")
			if err := profiles.save(); err != nil {
				return err
			}
			fmt.Printf("%s Initialized profile '%s' at %s\n", ui.ok("[OK]"), active, profiles.path)
			if prof.AdminToken != "" {
				fmt.Printf("%s admin token %s\n", ui.dim("[INFO]"), maskToken(prof.AdminToken))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noPrompt, "no-prompt", false, "Disable interactive prompts")
	return cmd
}

func healthCmd(s *settings, ui *ui) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the server and report its type",
		RunE: func(cmd *cobra.Command, args []string) error {
			var h *domain.HealthResponse
			err := withSpinner("Checking server...", func() (err error) {
				h, err = s.client().Health(cmd.Context())
				return err
			})
			if err != nil {
				return err
			}
			fmt.Printf("%s %s (%s)\n", ui.ok("[OK]"), h.Message, ui.info(h.Type))
			if h.Workers != nil {
				fmt.Printf("%s live workers: %d\n", ui.dim("[INFO]"), *h.Workers)
			}
			return nil
		},
	}
}

func convertCmd(s *settings, ui *ui) *cobra.Command {
	var (
		wait     bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:     "convert <file.pdf>",
		Short:   "Convert one PDF",
		Example: "markerctl convert paper.pdf --output out --wait",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			c := s.client()

			var res *client.ConvertResponse
			err := withSpinner("Uploading "+args[0]+"...", func() (err error) {
				res, err = c.ConvertFile(ctx, args[0])
				return err
			})
			if err != nil {
				return err
			}
			if res.Result == nil && res.TaskID != "" {
				if !wait {
					fmt.Printf("%s Task queued: %s\n", ui.ok("[OK]"), res.TaskID)
					return nil
				}
				err = withSpinner("Converting...", func() (err error) {
					res, err = c.WaitResult(ctx, res.TaskID, interval)
					return err
				})
				if err != nil {
					return err
				}
			}
			return printConversion(ctx, s, ui, res)
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for a queued conversion to finish")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Poll interval while waiting")
	return cmd
}

func resultCmd(s *settings, ui *ui) *cobra.Command {
	return &cobra.Command{
		Use:   "result <task-id>",
		Short: "Fetch the result of a single conversion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res *client.ConvertResponse
			err := withSpinner("Fetching result...", func() (err error) {
				res, err = s.client().Result(cmd.Context(), args[0])
				return err
			})
			if err != nil {
				return err
			}
			if res.Status == domain.PollProcessing {
				fmt.Printf("%s %s is still processing\n", ui.warn("[WAIT]"), args[0])
				return nil
			}
			return printConversion(cmd.Context(), s, ui, res)
		},
	}
}

func batchCmd(s *settings, ui *ui) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:     "batch <file.pdf>...",
		Short:   "Convert several PDFs as one batch",
		Example: "markerctl batch a.pdf b.pdf c.pdf --wait --output out",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			c := s.client()

			prep := progressbar.NewOptions(len(args),
				progressbar.OptionSetDescription("Preparing files"),
				progressbar.OptionSetWidth(18),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
				progressbar.OptionSetVisibility(interactive()),
			)
			sub, err := c.BatchFiles(ctx, args, func(done, total int) { _ = prep.Set(done) })
			_ = prep.Finish()
			if err != nil {
				return err
			}
			if sub.Done != nil {
				return printBatch(ctx, s, ui, sub.Done)
			}
			fmt.Printf("%s Batch queued: %s (%d files)\n", ui.ok("[OK]"), sub.Queued.TaskID, sub.Queued.Total)
			if !wait {
				return nil
			}

			bar := progressbar.NewOptions(sub.Queued.Total,
				progressbar.OptionSetDescription("Converting"),
				progressbar.OptionSetWidth(24),
				progressbar.OptionShowCount(),
				progressbar.OptionSetVisibility(interactive()),
			)
			final, err := c.WatchBatch(ctx, sub.Queued.TaskID, func(b *client.BatchResponse) {
				if cur, _, ok := parseProgress(b.Progress); ok {
					_ = bar.Set(cur)
				}
			})
			_ = bar.Finish()
			fmt.Println()
			if err != nil {
				return err
			}
			return printBatch(ctx, s, ui, final)
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "Stream progress until the batch finishes")
	return cmd
}

func batchResultCmd(s *settings, ui *ui) *cobra.Command {
	return &cobra.Command{
		Use:   "batch-result <task-id>",
		Short: "Fetch progress or results of a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res *client.BatchResponse
			err := withSpinner("Fetching batch...", func() (err error) {
				res, err = s.client().BatchResult(cmd.Context(), args[0])
				return err
			})
			if err != nil {
				return err
			}
			if res.Status == domain.PollProcessing {
				progress := firstNonEmpty(res.Progress, "not started")
				fmt.Printf("%s %s processing: %s\n", ui.warn("[WAIT]"), args[0], progress)
				return nil
			}
			return printBatch(cmd.Context(), s, ui, res)
		},
	}
}

func queueCmd(s *settings, ui *ui) *cobra.Command {
	inspect := &cobra.Command{
		Use:     "inspect [single|batch]",
		Short:   "Inspect queue depth, one queue or all of them",
		Example: "markerctl queue inspect batch --admin-token $TOKEN",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				var out *domain.QueueOverview
				err := withSpinner("Inspecting queues...", func() (err error) {
					out, err = s.client().Overview(cmd.Context())
					return err
				})
				if err != nil {
					return err
				}
				for _, kind := range domain.AllKinds() {
					if st := out.Queues[kind]; st != nil {
						printQueue(ui, *st)
					}
				}
				fmt.Printf("%s: %d | %s: %d\n", ui.info("BACKLOG"), out.Backlog, ui.ok("WORKERS"), out.Workers)
				return nil
			}
			kind, ok := domain.ParseTaskKind(args[0])
			if !ok {
				return fmt.Errorf("unknown queue %q", args[0])
			}
			var out *domain.QueueStats
			err := withSpinner("Inspecting queue...", func() (err error) {
				out, err = s.client().QueueStats(cmd.Context(), kind)
				return err
			})
			if err != nil {
				return err
			}
			printQueue(ui, *out)
			return nil
		},
	}
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Queue operations",
	}
	cmd.AddCommand(inspect)
	return cmd
}

func printQueue(ui *ui, st domain.QueueStats) {
	fmt.Printf("%-6s %s: %d | %s: %d | %s: %d | %s: %d\n", st.Kind,
		ui.ok("READY"), st.Ready,
		ui.warn("DELAYED"), st.Delayed,
		ui.info("IN_PROGRESS"), st.InProgress,
		ui.err("DLQ"), st.DLQ,
	)
}

func printConversion(ctx context.Context, s *settings, ui *ui, res *client.ConvertResponse) error {
	if res.Result == nil {
		return errors.New("server returned no result")
	}
	if !res.Result.OK() {
		return fmt.Errorf("%s: %s", res.Result.Filename, res.Result.Error)
	}
	if s.outputDir == "" {
		fmt.Println(res.Result.Markdown)
		return nil
	}
	dir, err := client.SaveResult(ctx, s.outputDir, *res.Result)
	if err != nil {
		return err
	}
	fmt.Printf("%s Markdown and %d images saved to %s\n", ui.ok("[OK]"), len(res.Result.Images), dir)
	return nil
}

func printBatch(ctx context.Context, s *settings, ui *ui, res *client.BatchResponse) error {
	if res.Status == domain.PollFailed || res.Status == domain.PollTimeout {
		return fmt.Errorf("batch %s: %s", strings.ToLower(string(res.Status)), res.Message)
	}
	fmt.Printf("%s %d/%d converted (%s)\n", ui.ok("[OK]"), res.Successful, res.Total, ui.err(res.Failed, " failed"))
	for _, r := range res.Results {
		if !r.OK() {
			fmt.Printf("  %s %s: %s\n", ui.err("x"), r.Filename, r.Error)
			continue
		}
		if s.outputDir == "" {
			fmt.Printf("  %s %s\n", ui.ok("+"), r.Filename)
			continue
		}
		dir, err := client.SaveResult(ctx, s.outputDir, r)
		if err != nil {
			return err
		}
		fmt.Printf("  %s %s -> %s\n", ui.ok("+"), r.Filename, dir)
	}
	if s.outputDir == "" && len(res.Results) > 0 {
		b, _ := json.MarshalIndent(res.Results, "", "  ")
		fmt.Println(ui.dim(string(b)))
	}
	return nil
}

// parseProgress reads the "current/total" string of a batch view.
func parseProgress(p string) (int, int, bool) {
	var cur, total int
	if _, err := fmt.Sscanf(p, "%d/%d", &cur, &total); err != nil {
		return 0, 0, false
	}
	return cur, total, true
}

func helpTemplate(ui *ui) string {
	title := ui.title("markerctl")
	return fmt.Sprintf(`%s: CLI for the Marker API

Usage:
  {{.UseLine}}

Commands:
{{range .Commands}}{{if (or .IsAvailableCommand .IsAdditionalHelpTopicCommand)}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}

Flags:
  {{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}

Global Flags:
  {{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}

Config:
  %s

Examples:
  markerctl init
  markerctl health
  markerctl convert paper.pdf --output out --wait
  markerctl batch a.pdf b.pdf --wait
  markerctl batch-result 3f2c...

`, title, profilePath())
}
