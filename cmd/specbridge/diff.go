package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"specbridge/internal/aggregate"
	"specbridge/internal/analysis"
	"specbridge/internal/bridge"
	"specbridge/internal/config"
	"specbridge/internal/diffsummary"
	"specbridge/internal/specdoc"
	"specbridge/internal/trace"
	"specbridge/internal/ui"
)

const remoteRefPrefix = "spec:"

var (
	diffUI           string
	diffFormat       string
	diffBreakingOnly bool
	diffSave         bool
)

func init() {
	diffCmd.Flags().StringVar(&diffUI, "ui", "auto", "show progress while sources load (auto|on|off)")
	diffCmd.Flags().StringVar(&diffFormat, "format", "pretty", "output format (pretty|json)")
	diffCmd.Flags().BoolVar(&diffBreakingOnly, "breaking", false, "list breaking changes only")
	diffCmd.Flags().BoolVar(&diffSave, "save", false, "refresh the new side only, as after a save")
}

var diffCmd = &cobra.Command{
	Use:   "diff <new> <old>",
	Short: "Summarise the changes between two spec revisions",
	Long: `diff compares two specs and reports the change list with the analysis
summary of each side. A spec is a local file or a stored revision written as
spec:<service-id>/<spec-id>.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := readUIMode(diffUI)
		if err != nil {
			return err
		}
		format := strings.ToLower(diffFormat)
		if format != "pretty" && format != "json" {
			return fmt.Errorf("unsupported format %q (must be pretty or json)", diffFormat)
		}

		settings, _, err := loadSettings()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		client := newAPIClient(ctx, func() config.Settings { return settings })

		params := bridge.DiffSummaryParams{ChangeType: bridge.ChangeOpen}
		if diffSave {
			params.ChangeType = bridge.ChangeSave
		}
		if params.NewSpec, err = specRef(ctx, client, args[0]); err != nil {
			return err
		}
		if params.OldSpec, err = specRef(ctx, client, args[1]); err != nil {
			return err
		}

		final, err := runDiff(ctx, diffsummary.NewBuilder(client, diffsummary.FileDocuments{}), params, shouldUseTUI(mode))
		if err != nil {
			return err
		}
		if final.Err != nil {
			return final.Err
		}
		out := cmd.OutOrStdout()
		if format == "json" {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(final.State)
		}
		return renderDiff(out, final, diffBreakingOnly)
	},
}

type specFetcher interface {
	Spec(ctx context.Context, serviceID, specID string) (*specdoc.Spec, error)
}

// specRef resolves a command-line spec argument.
func specRef(ctx context.Context, svc specFetcher, arg string) (bridge.SpecRef, error) {
	if rest, ok := strings.CutPrefix(arg, remoteRefPrefix); ok {
		serviceID, specID, ok := strings.Cut(rest, "/")
		if !ok || serviceID == "" || specID == "" {
			return bridge.SpecRef{}, fmt.Errorf("invalid spec reference %q (expected %s<service-id>/<spec-id>)", arg, remoteRefPrefix)
		}
		spec, err := svc.Spec(ctx, serviceID, specID)
		if err != nil {
			return bridge.SpecRef{}, fmt.Errorf("fetch spec %s: %w", rest, err)
		}
		return bridge.SpecRef{Spec: spec}, nil
	}
	doc, err := readDocument(arg)
	if err != nil {
		return bridge.SpecRef{}, err
	}
	return bridge.SpecRef{URI: doc.URI}, nil
}

// runDiff runs one diff summary session and returns its final update. With
// tui set the sources are drawn as they complete.
func runDiff(ctx context.Context, b *diffsummary.Builder, params bridge.DiffSummaryParams, tui bool) (aggregate.Update, error) {
	opts, sources, err := b.Plan(params)
	if err != nil {
		return aggregate.Update{}, err
	}
	// loading update, one partial per source, final
	updates := make(chan aggregate.Update, len(sources)+2)
	mgr := aggregate.NewManager(aggregate.ChannelSink(updates), logger.Named("aggregate"), trace.FromContext(ctx))
	s := mgr.Start(ctx, diffsummary.Key, opts, sources...)
	go func() {
		<-s.Done()
		close(updates)
	}()

	if tui {
		model := ui.NewProgressModel("diff summary", sources, updates)
		if _, err := tea.NewProgram(model, tea.WithOutput(os.Stderr), tea.WithInput(nil), tea.WithContext(ctx)).Run(); err != nil {
			return aggregate.Update{}, err
		}
	} else {
		for range updates {
		}
	}
	return s.Wait(ctx)
}

func renderDiff(out io.Writer, final aggregate.Update, breakingOnly bool) error {
	state := final.State
	bold := color.New(color.Bold)

	fmt.Fprintf(out, "%s %s\n", bold.Sprint("new:"), describeSpec(state[diffsummary.FieldNewSpec]))
	fmt.Fprintf(out, "%s %s\n", bold.Sprint("old:"), describeSpec(state[diffsummary.FieldOldSpec]))
	if line := describeSummary(state[diffsummary.FieldNewSummary]); line != "" {
		fmt.Fprintf(out, "new findings: %s\n", line)
	}
	if line := describeSummary(state[diffsummary.FieldOldSummary]); line != "" {
		fmt.Fprintf(out, "old findings: %s\n", line)
	}
	for _, f := range final.Failed {
		fmt.Fprintf(out, "%s %s\n", color.YellowString("unavailable:"), f.Error())
	}

	raw, err := json.Marshal(state[diffsummary.FieldDiff])
	if err != nil {
		return err
	}
	groups, total, err := diffsummary.Changes(raw, breakingOnly)
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	if len(groups) == 0 {
		fmt.Fprintln(out, "no changes")
		return nil
	}
	for _, g := range groups {
		header := fmt.Sprintf("%s (%d)", g.Type, len(g.Changes))
		if g.Breaking > 0 {
			header += color.RedString(" %d breaking", g.Breaking)
		}
		fmt.Fprintln(out, bold.Sprint(header))
		for _, c := range g.Changes {
			mark := " "
			if c.Breaking {
				mark = color.RedString("!")
			}
			fmt.Fprintf(out, "  %s %-7s %s\n", mark, strings.ToUpper(c.Method), c.Path)
		}
	}
	fmt.Fprintf(out, "\n%d breaking change(s)\n", total)
	return nil
}

func describeSpec(v any) string {
	switch spec := v.(type) {
	case *specdoc.Spec:
		if spec == nil {
			return "-"
		}
		name := spec.ServiceName
		if name == "" {
			name = spec.ServiceID
		}
		return fmt.Sprintf("%s %s r%s score %.1f (%s)", name, spec.Version, spec.Revision, spec.Score, diffsummary.ScoreLevel(spec.Score))
	case specdoc.Local:
		return fmt.Sprintf("%s score %.1f (%s)", spec.Path, spec.Score, diffsummary.ScoreLevel(spec.Score))
	case bool:
		return "unchanged"
	default:
		return "-"
	}
}

func describeSummary(v any) string {
	s, ok := v.(analysis.Summary)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%d error, %d warning, %d info, %d hint", s.Error, s.Warning, s.Info, s.Hint)
}
