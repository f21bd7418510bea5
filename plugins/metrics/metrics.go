// Package metrics implements the built-in per-file metrics plugin: a
// stream processor that derives a handful of named metrics from each
// FileChange and FileInfo message as it arrives, with no cross-file state.
// It only reports the size and line-delta metrics derivable directly from
// diff accounting; it does not compute content-based complexity scores.
package metrics

import (
	"log/slog"

	"github.com/codefang-dev/codefang/internal/message"
	"github.com/codefang-dev/codefang/internal/notify"
	"github.com/codefang-dev/codefang/internal/plugin"
)

// ID is the plugin's registry identifier.
const ID = "metrics"

const minAPIVersion = 20260101

// Plugin is the built-in per-file metrics stream processor.
type Plugin struct{}

// New creates a metrics Plugin.
func New() *Plugin { return &Plugin{} }

// ID implements plugin.Plugin.
func (p *Plugin) ID() string { return ID }

// PluginVersion implements plugin.Plugin.
func (p *Plugin) PluginVersion() string { return "1.0.0" }

// MinAPIVersion implements plugin.Plugin.
func (p *Plugin) MinAPIVersion() int { return minAPIVersion }

// Kind implements plugin.Plugin: metrics emits one or more derived
// messages per input message, so it is a stream processor.
func (p *Plugin) Kind() plugin.Kind { return plugin.StreamProcessorKind }

// DataRequirements implements plugin.Plugin. Size/line-delta metrics come
// entirely from diff accounting already present on FileChange; no checkout
// content is required.
func (p *Plugin) DataRequirements() plugin.DataRequirements {
	return plugin.DataRequirements{}
}

// NotificationPreferences implements plugin.Plugin.
func (p *Plugin) NotificationPreferences() notify.Preferences {
	return notify.Preferences{Kinds: map[notify.EventKind]bool{
		notify.ScanWarning: true,
	}}
}

// Initialise implements plugin.Plugin. Metrics carries no state between
// messages, so there is nothing to reset.
func (p *Plugin) Initialise(_ plugin.Context) error { return nil }

// ProcessMessage implements plugin.StreamProcessor.
func (p *Plugin) ProcessMessage(msg message.Message) ([]message.Message, error) {
	switch body := msg.Body.(type) {
	case message.FileChange:
		return p.forFileChange(body), nil
	case message.FileInfo:
		return []message.Message{{Body: message.MetricInfo{
			Subject: body.Path,
			Name:    "size.bytes",
			Value:   float64(body.Size),
		}}}, nil
	default:
		return nil, nil
	}
}

func (p *Plugin) forFileChange(change message.FileChange) []message.Message {
	if change.IsBinary {
		return []message.Message{{Body: message.MetricInfo{
			Subject: change.Path,
			Name:    "binary.bytes",
			Value:   float64(change.BinarySize),
		}}}
	}

	return []message.Message{
		{Body: message.MetricInfo{Subject: change.Path, Name: "lines.inserted", Value: float64(change.Insertions)}},
		{Body: message.MetricInfo{Subject: change.Path, Name: "lines.deleted", Value: float64(change.Deletions)}},
	}
}

// Cleanup implements plugin.Plugin.
func (p *Plugin) Cleanup() error { return nil }

// HandleEvent implements plugin.EventHandler.
func (p *Plugin) HandleEvent(e notify.Event) {
	if e.Kind == notify.ScanWarning {
		slog.Warn("metrics: scan warning", "message", e.Message)
	}
}
