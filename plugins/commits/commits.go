// Package commits implements the built-in commit-statistics plugin: a
// terminal aggregator that counts commits and per-author contributions
// over the scanner's message stream.
package commits

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/codefang-dev/codefang/internal/message"
	"github.com/codefang-dev/codefang/internal/notify"
	"github.com/codefang-dev/codefang/internal/plugin"
)

// ID is the plugin's registry identifier.
const ID = "commits"

// minAPIVersion is the lowest runtime API version this plugin requires.
const minAPIVersion = 20260101

// Stats is the accumulated commit summary, exposed directly to the export
// plugin (a built-in-to-built-in shortcut; other plugins see only the
// commit total carried by Finish's message).
type Stats struct {
	CommitCount  int64
	AuthorCounts map[string]int64
}

// TopAuthors returns the n authors with the most commits, most first.
func (s Stats) TopAuthors(n int) []AuthorCount {
	out := make([]AuthorCount, 0, len(s.AuthorCounts))
	for author, count := range s.AuthorCounts {
		out = append(out, AuthorCount{Author: author, Commits: count})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Commits != out[j].Commits {
			return out[i].Commits > out[j].Commits
		}

		return out[i].Author < out[j].Author
	})

	if n > 0 && len(out) > n {
		out = out[:n]
	}

	return out
}

// AuthorCount pairs an author identity with their commit count.
type AuthorCount struct {
	Author  string
	Commits int64
}

// Plugin is the built-in commits terminal aggregator.
type Plugin struct {
	mu           sync.Mutex
	commitCount  int64
	authorCounts map[string]int64
}

// New creates an uninitialised commits Plugin.
func New() *Plugin {
	return &Plugin{authorCounts: make(map[string]int64)}
}

// ID implements plugin.Plugin.
func (p *Plugin) ID() string { return ID }

// PluginVersion implements plugin.Plugin.
func (p *Plugin) PluginVersion() string { return "1.0.0" }

// MinAPIVersion implements plugin.Plugin.
func (p *Plugin) MinAPIVersion() int { return minAPIVersion }

// Kind implements plugin.Plugin: commits is a terminal aggregator, it
// accumulates across the whole stream and yields one summary at the end.
func (p *Plugin) Kind() plugin.Kind { return plugin.TerminalAggregatorKind }

// DataRequirements implements plugin.Plugin. Commit statistics are derived
// entirely from CommitInfo messages; no file content is needed.
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

// Initialise implements plugin.Plugin.
func (p *Plugin) Initialise(_ plugin.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.commitCount = 0
	p.authorCounts = make(map[string]int64)

	return nil
}

// ProcessMessage implements plugin.TerminalAggregator: it accumulates
// CommitInfo messages and ignores everything else.
func (p *Plugin) ProcessMessage(msg message.Message) error {
	commit, ok := msg.Body.(message.CommitInfo)
	if !ok {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.commitCount++

	author := commit.Author
	if author == "" {
		author = "unknown"
	}

	p.authorCounts[author]++

	return nil
}

// Finish implements plugin.TerminalAggregator, emitting the commit count
// as the plugin's single summary message.
func (p *Plugin) Finish() (message.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return message.Message{Body: message.MetricInfo{
		Subject: "repository",
		Name:    "commits.total",
		Value:   float64(p.commitCount),
	}}, nil
}

// Results returns a snapshot of the plugin's accumulated statistics, for
// the export plugin's direct built-in-to-built-in wiring.
func (p *Plugin) Results() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	counts := make(map[string]int64, len(p.authorCounts))
	for k, v := range p.authorCounts {
		counts[k] = v
	}

	return Stats{CommitCount: p.commitCount, AuthorCounts: counts}
}

// Cleanup implements plugin.Plugin.
func (p *Plugin) Cleanup() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.authorCounts = nil

	return nil
}

// HandleEvent implements plugin.EventHandler, logging scan warnings and
// errors that arrive while this plugin is active.
func (p *Plugin) HandleEvent(e notify.Event) {
	switch e.Kind {
	case notify.ScanWarning:
		slog.Warn("commits: scan warning", "message", e.Message)
	case notify.ScanError:
		slog.Error("commits: scan error", "message", e.Message, "fatal", e.Fatal)
	}
}
