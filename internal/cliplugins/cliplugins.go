// Package cliplugins implements the plugin-introspection CLI surface
// (list-plugins, plugin-info, list-by-type) and the --export-config
// canonical configuration dump, against the Plugin Registry's descriptor
// store, rendering tables with go-pretty.
package cliplugins

import (
	"fmt"
	"io"
	"sort"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"gopkg.in/yaml.v3"

	"github.com/codefang-dev/codefang/internal/config"
	"github.com/codefang-dev/codefang/internal/plugin"
)

// Descriptor is the introspectable summary of one registered plugin.
type Descriptor struct {
	ID            string
	Version       string
	MinAPIVersion int
	Kind          string
	State         string
}

// kindLabel renders plugin.Kind for display.
func kindLabel(k plugin.Kind) string {
	switch k {
	case plugin.StreamProcessorKind:
		return "stream-processor"
	case plugin.TerminalAggregatorKind:
		return "terminal-aggregator"
	default:
		return "unknown"
	}
}

// Describe builds the descriptor list for every plugin in reg, sorted by ID
// for deterministic CLI output.
func Describe(reg *plugin.Registry) []Descriptor {
	plugins := reg.All()

	out := make([]Descriptor, 0, len(plugins))

	for _, p := range plugins {
		state, _ := reg.State(p.ID())

		out = append(out, Descriptor{
			ID:            p.ID(),
			Version:       p.PluginVersion(),
			MinAPIVersion: p.MinAPIVersion(),
			Kind:          kindLabel(p.Kind()),
			State:         state.String(),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// ListPlugins writes a table of every registered plugin to w.
func ListPlugins(w io.Writer, reg *plugin.Registry) {
	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"ID", "Version", "Min API", "Kind", "State"})

	for _, d := range Describe(reg) {
		tbl.AppendRow(table.Row{d.ID, d.Version, d.MinAPIVersion, d.Kind, d.State})
	}

	tbl.Render()
}

// ErrPluginNotFound is returned by PluginInfo for an unknown plugin id.
type ErrPluginNotFound struct {
	ID string
}

// Error implements error.
func (e *ErrPluginNotFound) Error() string {
	return fmt.Sprintf("cliplugins: plugin %q not found", e.ID)
}

// PluginInfo writes a detail view of one plugin to w.
func PluginInfo(w io.Writer, reg *plugin.Registry, id string) error {
	p, ok := reg.Get(id)
	if !ok {
		return &ErrPluginNotFound{ID: id}
	}

	state, _ := reg.State(id)
	bold := color.New(color.Bold)

	fmt.Fprintln(w, bold.Sprintf("%s", p.ID()))
	fmt.Fprintf(w, "  version:        %s\n", p.PluginVersion())
	fmt.Fprintf(w, "  min api:        %d\n", p.MinAPIVersion())
	fmt.Fprintf(w, "  kind:           %s\n", kindLabel(p.Kind()))
	fmt.Fprintf(w, "  state:          %s\n", state.String())

	req := p.DataRequirements()
	fmt.Fprintf(w, "  needs current:  %t\n", req.NeedsCurrentContent)
	fmt.Fprintf(w, "  needs history:  %t\n", req.NeedsHistoricalContent)
	fmt.Fprintf(w, "  handles binary: %t\n", req.HandlesBinary)

	if req.MaxFileSize != nil {
		fmt.Fprintf(w, "  max file size:  %d\n", *req.MaxFileSize)
	}

	return nil
}

// ListByType writes every plugin of the given kind label
// ("stream-processor" or "terminal-aggregator") to w.
func ListByType(w io.Writer, reg *plugin.Registry, kind string) {
	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"ID", "Version", "State"})

	for _, d := range Describe(reg) {
		if d.Kind != kind {
			continue
		}

		tbl.AppendRow(table.Row{d.ID, d.Version, d.State})
	}

	tbl.Render()
}

// ExportConfig writes cfg's canonical YAML representation to w.
func ExportConfig(w io.Writer, cfg *config.Config) error {
	enc := yaml.NewEncoder(w)
	defer enc.Close()

	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("cliplugins: encode config: %w", err)
	}

	return nil
}
