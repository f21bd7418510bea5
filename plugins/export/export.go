// Package export implements the built-in export/render plugin: a
// terminal aggregator that collects commit and metric summaries from
// upstream plugins and renders a final report to stdout, either as a
// coloured table (default) or through a user-supplied text/template.
// It buffers upstream output and renders once every plugin has finished,
// using go-pretty for the default table layout.
package export

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"text/template"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/codefang-dev/codefang/internal/message"
	"github.com/codefang-dev/codefang/internal/notify"
	"github.com/codefang-dev/codefang/internal/plugin"
	"github.com/codefang-dev/codefang/plugins/commits"
)

// ID is the plugin's registry identifier.
const ID = "export"

const minAPIVersion = 20260101

const defaultOutputLimit = 20

// Config configures the export plugin's rendering, parsed from the
// "export" section of the configuration document.
type Config struct {
	TemplatePath string            `mapstructure:"template"`
	TemplateVars map[string]string `mapstructure:"template_vars"`
	All          bool              `mapstructure:"all"`
	OutputLimit  int               `mapstructure:"output_limit"`
}

// Report is the data handed to the renderer: everything the export plugin
// has accumulated by the time Finish is called.
type Report struct {
	RepoPath        string
	CommitCount     int64
	FileChangeCount int64
	Warnings        int64
	TopAuthors      []commits.AuthorCount
	Metrics         []message.MetricInfo
	Truncated       bool
}

// Plugin is the built-in export/render terminal aggregator.
type Plugin struct {
	mu sync.Mutex

	cfg    Config
	writer io.Writer

	repoPath        string
	commitCount     int64
	fileChangeCount int64
	warnings        int64
	metrics         []message.MetricInfo

	commitsSource *commits.Plugin
}

// New creates an export Plugin writing to os.Stdout.
func New() *Plugin {
	return &Plugin{writer: os.Stdout, cfg: Config{OutputLimit: defaultOutputLimit}}
}

// SetCommitsSource wires the built-in commits plugin directly, so export
// can render its author breakdown without inventing a generic
// plugin-to-plugin data channel for a single built-in-to-built-in link.
func (p *Plugin) SetCommitsSource(c *commits.Plugin) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.commitsSource = c
}

// SetWriter overrides the render destination (tests, or a future
// --output-file flag).
func (p *Plugin) SetWriter(w io.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.writer = w
}

// ID implements plugin.Plugin.
func (p *Plugin) ID() string { return ID }

// PluginVersion implements plugin.Plugin.
func (p *Plugin) PluginVersion() string { return "1.0.0" }

// MinAPIVersion implements plugin.Plugin.
func (p *Plugin) MinAPIVersion() int { return minAPIVersion }

// Kind implements plugin.Plugin.
func (p *Plugin) Kind() plugin.Kind { return plugin.TerminalAggregatorKind }

// DataRequirements implements plugin.Plugin. The export plugin renders
// counts and metrics only; it never needs file content itself.
func (p *Plugin) DataRequirements() plugin.DataRequirements {
	return plugin.DataRequirements{}
}

// NotificationPreferences implements plugin.Plugin.
func (p *Plugin) NotificationPreferences() notify.Preferences {
	return notify.Preferences{Kinds: map[notify.EventKind]bool{
		notify.ScanWarning: true,
		notify.ScanError:   true,
	}}
}

// Initialise implements plugin.Plugin, reading the export-specific
// configuration section out of ctx.Config.
func (p *Plugin) Initialise(ctx plugin.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.repoPath = ctx.RepoPath
	p.commitCount = 0
	p.fileChangeCount = 0
	p.warnings = 0
	p.metrics = nil

	p.cfg = Config{OutputLimit: defaultOutputLimit}

	if raw, ok := ctx.Config["export"]; ok {
		if section, ok := raw.(map[string]any); ok {
			applyConfigSection(&p.cfg, section)
		}
	}

	return nil
}

func applyConfigSection(cfg *Config, section map[string]any) {
	if v, ok := section["template"].(string); ok {
		cfg.TemplatePath = v
	}

	if v, ok := section["all"].(bool); ok {
		cfg.All = v
	}

	if v, ok := section["output_limit"].(int); ok && v > 0 {
		cfg.OutputLimit = v
	}

	if raw, ok := section["template_vars"].(map[string]string); ok {
		cfg.TemplateVars = raw
	}
}

// ProcessMessage implements plugin.TerminalAggregator: export sees every
// scanner message plus the Finish() summary messages the Pipeline Engine
// forwards from other terminal aggregators once they complete.
func (p *Plugin) ProcessMessage(msg message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch body := msg.Body.(type) {
	case message.CommitInfo:
		p.commitCount++
	case message.FileChange:
		p.fileChangeCount++
	case message.MetricInfo:
		p.metrics = append(p.metrics, body)
	}

	return nil
}

// Finish implements plugin.TerminalAggregator: it renders the accumulated
// report and returns a None body (export produces no further data).
func (p *Plugin) Finish() (message.Message, error) {
	report := p.buildReport()

	if err := p.render(report); err != nil {
		return message.Message{}, fmt.Errorf("export: render: %w", err)
	}

	return message.Message{Body: message.None{}}, nil
}

func (p *Plugin) buildReport() Report {
	p.mu.Lock()
	defer p.mu.Unlock()

	metrics := p.metrics

	limit := p.cfg.OutputLimit
	truncated := false

	if !p.cfg.All && limit > 0 && len(metrics) > limit {
		metrics = metrics[:limit]
		truncated = true
	}

	var topAuthors []commits.AuthorCount
	if p.commitsSource != nil {
		topAuthors = p.commitsSource.Results().TopAuthors(5)
	}

	return Report{
		RepoPath:        p.repoPath,
		CommitCount:     p.commitCount,
		FileChangeCount: p.fileChangeCount,
		Warnings:        p.warnings,
		TopAuthors:      topAuthors,
		Metrics:         metrics,
		Truncated:       truncated,
	}
}

func (p *Plugin) render(report Report) error {
	p.mu.Lock()
	w := p.writer
	templatePath := p.cfg.TemplatePath
	vars := p.cfg.TemplateVars
	p.mu.Unlock()

	if templatePath != "" {
		return renderTemplate(w, templatePath, report, vars)
	}

	return renderTable(w, report)
}

func renderTemplate(w io.Writer, templatePath string, report Report, vars map[string]string) error {
	tmpl, err := template.New("export").Funcs(template.FuncMap{
		"var": func(key string) string { return vars[key] },
		"humanBytes": func(n float64) string {
			return humanize.Bytes(uint64(n))
		},
	}).ParseFiles(templatePath)
	if err != nil {
		return fmt.Errorf("parse template %s: %w", templatePath, err)
	}

	if err := tmpl.ExecuteTemplate(w, filepathBase(templatePath), report); err != nil {
		return fmt.Errorf("execute template %s: %w", templatePath, err)
	}

	return nil
}

func filepathBase(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}

	return path
}

func renderTable(w io.Writer, report Report) error {
	bold := color.New(color.Bold)

	fmt.Fprintln(w, bold.Sprintf("codefang report: %s", report.RepoPath))
	fmt.Fprintf(w, "commits: %s   file changes: %s   warnings: %s\n\n",
		humanize.Comma(report.CommitCount), humanize.Comma(report.FileChangeCount), humanize.Comma(report.Warnings))

	if len(report.TopAuthors) > 0 {
		authorTable := table.NewWriter()
		authorTable.SetOutputMirror(w)
		authorTable.SetStyle(table.StyleLight)
		authorTable.AppendHeader(table.Row{"Author", "Commits"})

		for _, a := range report.TopAuthors {
			authorTable.AppendRow(table.Row{a.Author, a.Commits})
		}

		authorTable.Render()
		fmt.Fprintln(w)
	}

	if len(report.Metrics) > 0 {
		metricTable := table.NewWriter()
		metricTable.SetOutputMirror(w)
		metricTable.SetStyle(table.StyleLight)
		metricTable.AppendHeader(table.Row{"Subject", "Metric", "Value"})

		sorted := make([]message.MetricInfo, len(report.Metrics))
		copy(sorted, report.Metrics)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Subject < sorted[j].Subject })

		for _, m := range sorted {
			metricTable.AppendRow(table.Row{m.Subject, m.Name, m.Value})
		}

		if report.Truncated {
			metricTable.Style().Format.Footer = text.FormatDefault
			metricTable.AppendFooter(table.Row{"", "", "(truncated, use --all)"})
		}

		metricTable.Render()
	}

	return nil
}

// Cleanup implements plugin.Plugin.
func (p *Plugin) Cleanup() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.metrics = nil

	return nil
}

// HandleEvent implements plugin.EventHandler.
func (p *Plugin) HandleEvent(e notify.Event) {
	if e.Kind != notify.ScanWarning && e.Kind != notify.ScanError {
		return
	}

	p.mu.Lock()
	p.warnings++
	p.mu.Unlock()
}
