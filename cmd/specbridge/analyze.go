package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"specbridge/internal/analysis"
	"specbridge/internal/config"
	"specbridge/internal/diagnostics"
	"specbridge/internal/trace"
)

var (
	analyzeFormat string
	analyzeFailOn string
	analyzeSave   bool
)

func init() {
	analyzeCmd.Flags().StringVar(&analyzeFormat, "format", "pretty", "output format (pretty|json)")
	analyzeCmd.Flags().StringVar(&analyzeFailOn, "fail-on", "", "exit non-zero when a finding is at least this severe (error|warning|info|hint)")
	analyzeCmd.Flags().BoolVar(&analyzeSave, "save", false, "analyse as if the document was just saved")
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze <file>",
	Short: "Lint an OpenAPI or Swagger document through the analysis service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format := strings.ToLower(analyzeFormat)
		if format != "pretty" && format != "json" {
			return fmt.Errorf("unsupported format %q (must be pretty or json)", analyzeFormat)
		}
		var failOn diagnostics.Severity
		if analyzeFailOn != "" {
			sev, err := diagnostics.ParseSeverity(analyzeFailOn)
			if err != nil {
				return err
			}
			failOn = sev
		}

		doc, err := readDocument(args[0])
		if err != nil {
			return err
		}
		if !analysis.IsCandidate(doc) {
			return fmt.Errorf("%s is not an OpenAPI or Swagger document", args[0])
		}

		settings, _, err := loadSettings()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		client := newAPIClient(ctx, func() config.Settings { return settings })

		var annotations []diagnostics.Annotation
		store := diagnostics.NewStore(diagnostics.Options{
			Publisher: diagnostics.PublisherFunc(func(_ string, a []diagnostics.Annotation) {
				annotations = a
			}),
			Logger: logger.Named("diagnostics"),
		})
		linter := analysis.NewLinter(analysis.Options{
			Service: client,
			Store:   store,
			Local:   settings.Local,
			Logger:  logger.Named("linter"),
			Tracer:  trace.FromContext(ctx),
		})
		defer linter.Close()

		scene := analysis.SceneStartup
		if analyzeSave {
			scene = analysis.SceneSave
		}
		table, score, err := linter.Lint(ctx, doc, scene)
		if err != nil {
			if msg, checkSettings := analysis.UserMessage(err); msg != "" {
				if checkSettings {
					return fmt.Errorf("%s (check %s)", msg, config.FileName)
				}
				return errors.New(msg)
			}
			return err
		}

		out := cmd.OutOrStdout()
		if format == "json" {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(struct {
				Score string         `json:"score"`
				Table analysis.Table `json:"table"`
			}{score, table}); err != nil {
				return err
			}
		} else {
			renderFindings(out, args[0], annotations, table.Summary, score)
		}

		if failOn != 0 && worstSeverity(table.List) != 0 && worstSeverity(table.List) <= failOn {
			return fmt.Errorf("findings at %s level or above", failOn)
		}
		return nil
	},
}

func readDocument(path string) (analysis.Document, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return analysis.Document{}, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return analysis.Document{}, err
	}
	return analysis.Document{
		URI:        fileURI(abs),
		Text:       string(data),
		LanguageID: languageID(abs),
	}, nil
}

func fileURI(abs string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
}

func languageID(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "plaintext"
	}
}

// worstSeverity returns the most severe level among findings, or 0.
func worstSeverity(findings []diagnostics.Finding) diagnostics.Severity {
	var worst diagnostics.Severity
	for _, f := range findings {
		if worst == 0 || f.Severity < worst {
			worst = f.Severity
		}
	}
	return worst
}

var severityColors = map[diagnostics.Severity]*color.Color{
	diagnostics.SevError:   color.New(color.FgRed, color.Bold),
	diagnostics.SevWarning: color.New(color.FgYellow, color.Bold),
	diagnostics.SevInfo:    color.New(color.FgBlue),
	diagnostics.SevHint:    color.New(color.FgCyan),
}

func severityLabel(sev diagnostics.Severity) string {
	c, ok := severityColors[sev]
	if !ok {
		return sev.String()
	}
	return c.Sprint(sev.String())
}

func renderFindings(out io.Writer, name string, annotations []diagnostics.Annotation, summary analysis.Summary, score string) {
	for _, a := range annotations {
		fmt.Fprintf(out, "%s:%d:%d: %s %s [%s]\n",
			name, a.Range.Start.Line+1, a.Range.Start.Character+1,
			severityLabel(a.Severity), a.Message, a.Code)
	}
	if len(annotations) > 0 {
		fmt.Fprintln(out)
	}
	fmt.Fprintf(out, "%s  %s %d  %s %d  %s %d  %s %d\n",
		color.New(color.Bold).Sprint(diagnostics.StatusText(score)),
		severityLabel(diagnostics.SevError), summary.Error,
		severityLabel(diagnostics.SevWarning), summary.Warning,
		severityLabel(diagnostics.SevInfo), summary.Info,
		severityLabel(diagnostics.SevHint), summary.Hint)
}
