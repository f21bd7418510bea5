// Package pipelineengine implements the Pipeline Engine: it builds the
// plugin registry, negotiates the runtime scan profile, wires the
// scanner/queue/notification bus/checkout manager together, runs one
// scan (each message is dispatched to the plugins synchronously from the
// scanner's sink before it enters the queue, which a single goroutine
// drains), and coordinates graceful shutdown by polling for idle plugins
// on a ticker until a deadline timer fires.
package pipelineengine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codefang-dev/codefang/internal/checkout"
	"github.com/codefang-dev/codefang/internal/config"
	"github.com/codefang-dev/codefang/internal/gitrepo"
	"github.com/codefang-dev/codefang/internal/message"
	"github.com/codefang-dev/codefang/internal/notify"
	"github.com/codefang-dev/codefang/internal/plugin"
	"github.com/codefang-dev/codefang/internal/queue"
	"github.com/codefang-dev/codefang/internal/scanner"
)

// Result summarises one completed pipeline run.
type Result struct {
	ScanID          string
	CommitsVisited  int
	FilesChanged    int
	Warnings        int
	Duration        time.Duration
	RejectedPlugins []string
	ShutdownForced  bool
}

// ErrNoPluginsActive is returned when no registered plugin is left active
// after initialisation (none was registered, or every one failed
// Initialise), leaving nothing to run.
var ErrNoPluginsActive = fmt.Errorf("pipelineengine: no plugins active after registration")

// Engine orchestrates one Pipeline Engine run over a repository.
type Engine struct {
	registry *plugin.Registry
	bus      *notify.Bus
	metrics  MetricsRecorder
}

// MetricsRecorder is the subset of internal/observability.PipelineMetrics
// the engine records against; an interface avoids a direct dependency and
// lets tests substitute a no-op.
type MetricsRecorder interface {
	RecordScan(ctx context.Context, stats ScanStats)
	RecordQueueSample(ctx context.Context, depth int, bytes int64, level string)
	RecordPluginTransition(ctx context.Context, pluginID, state string)
}

// ScanStats mirrors observability.ScanStats to avoid a package import
// cycle; the CLI layer adapts between the two.
type ScanStats struct {
	Commits      int64
	FilesChanged int64
	Duration     time.Duration
	Warnings     int64
}

// New creates an Engine with a fresh Registry and Notification Bus.
func New(notifyRatePerSecond float64, metrics MetricsRecorder) *Engine {
	return &Engine{
		registry: plugin.New(),
		bus:      notify.New(notifyRatePerSecond),
		metrics:  metrics,
	}
}

// Register adds a plugin to the engine's registry. Incompatible plugins
// are refused; the run continues with the remaining plugins.
func (e *Engine) Register(p plugin.Plugin) error {
	return e.registry.Register(p)
}

// Bus exposes the engine's notification bus, e.g. for a CLI-level
// diagnostic subscriber.
func (e *Engine) Bus() *notify.Bus { return e.bus }

// Registry exposes the engine's plugin registry for CLI introspection
// commands (list-plugins, plugin-info, list-by-type).
func (e *Engine) Registry() *plugin.Registry { return e.registry }

// Run executes one full pipeline run: initialise plugins, negotiate the
// scan profile, scan the repository, drain the queue, and finalise.
func (e *Engine) Run(ctx context.Context, repoPath string, cfg *config.Config) (Result, error) {
	scanID := uuid.NewString()

	initCtx := plugin.Context{RepoPath: repoPath, Config: cfg.Plugin}
	e.registry.InitialiseAll(initCtx)

	for _, id := range e.registry.ActiveIDs() {
		if e.metrics != nil {
			e.metrics.RecordPluginTransition(ctx, id, plugin.Initialised.String())
		}
	}

	if len(e.registry.ActiveIDs()) == 0 {
		return Result{}, ErrNoPluginsActive
	}

	requirements := e.registry.RequirementsUnion()

	profile := scanner.Profile{
		CheckoutEnabled:     requirements.NeedsCurrentContent || requirements.NeedsHistoricalContent,
		CheckoutCurrentOnly: requirements.NeedsCurrentContent && !requirements.NeedsHistoricalContent,
		CheckoutHistorical:  requirements.NeedsHistoricalContent,
		MaxFileSize:         cfg.Checkout.MaxFileSize,
	}

	if requirements.MaxFileSize != nil && (profile.MaxFileSize == 0 || *requirements.MaxFileSize < profile.MaxFileSize) {
		profile.MaxFileSize = *requirements.MaxFileSize
	}

	repo, err := gitrepo.Open(repoPath)
	if err != nil {
		return Result{}, fmt.Errorf("pipelineengine: open repository: %w", err)
	}

	var checkoutMgr *checkout.Manager

	if profile.CheckoutEnabled {
		root := cfg.Checkout.Root
		if root == "" {
			root, err = os.MkdirTemp("", "codefang-checkout-*")
			if err != nil {
				return Result{}, fmt.Errorf("pipelineengine: create checkout root: %w", err)
			}
		}

		profile.EffectiveRoot = root

		checkoutMgr, err = checkout.New(repo, root, profile.MaxFileSize)
		if err != nil {
			return Result{}, fmt.Errorf("pipelineengine: create checkout manager: %w", err)
		}

		defer checkoutMgr.Close()
	}

	q := queue.New(queue.Config{
		Ceiling: cfg.Pipeline.QueueCeilingBytes,
		OnUpdate: func(depth int, bytes int64, level queue.PressureLevel) {
			e.bus.Publish(notify.Event{
				Kind:     notify.QueueUpdate,
				ScanID:   scanID,
				Depth:    depth,
				Bytes:    bytes,
				Pressure: level.String(),
			})

			if e.metrics != nil {
				e.metrics.RecordQueueSample(ctx, depth, bytes, level.String())
			}
		},
	})
	defer q.Close()

	e.registry.SubscribeAll(e.bus)

	drainDone := make(chan struct{})
	go func() {
		defer close(drainDone)

		for {
			if _, ok := q.Dequeue(); !ok {
				return
			}
		}
	}()

	dispatcher := newDispatcher(e.registry)

	sc := scanner.New(repo, e.bus, checkoutMgr, scanID)

	sink := func(msg message.Message) error {
		dispatcher.dispatch(msg)

		return q.Enqueue(ctx, msg)
	}

	scanResult, scanErr := sc.Scan(ctx, profile, sink)

	q.Close()
	<-drainDone

	gracefulDeadline := parseDeadline(cfg.Pipeline.GracefulDeadline, 30*time.Second)
	shutdownForced := e.gracefulShutdown(ctx, gracefulDeadline)

	dispatcher.finaliseAggregators(e.registry)

	for _, err := range e.registry.FinaliseAll() {
		slog.Warn("pipelineengine: plugin cleanup error", "error", err)
	}

	if e.metrics != nil {
		e.metrics.RecordScan(ctx, ScanStats{
			Commits:      int64(scanResult.CommitsVisited),
			FilesChanged: int64(scanResult.FilesChanged),
			Duration:     scanResult.Duration,
			Warnings:     int64(scanResult.Warnings),
		})
	}

	result := Result{
		ScanID:         scanID,
		CommitsVisited: scanResult.CommitsVisited,
		FilesChanged:   dispatcher.fileChangeCount(),
		Warnings:       scanResult.Warnings,
		Duration:       scanResult.Duration,
		ShutdownForced: shutdownForced,
	}

	if scanErr != nil {
		return result, fmt.Errorf("pipelineengine: scan failed: %w", scanErr)
	}

	return result, nil
}

// gracefulShutdown waits for every active plugin to return to an idle
// state. It returns true if the deadline was exceeded and shutdown was
// forced.
func (e *Engine) gracefulShutdown(ctx context.Context, deadline time.Duration) bool {
	if e.registry.Idle() {
		return false
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	poll := time.NewTicker(10 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-poll.C:
			if e.registry.Idle() {
				return false
			}
		case <-timer.C:
			e.bus.Publish(notify.Event{Kind: notify.ScanWarning, Message: "graceful shutdown deadline exceeded", Recoverable: false})

			return true
		case <-ctx.Done():
			return true
		}
	}
}

func parseDeadline(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}

	return d
}

// dispatcher routes each scanner message to every registered plugin
// according to its declared Kind.
type dispatcher struct {
	mu               sync.Mutex
	streamProcessors []plugin.StreamProcessor
	aggregators      []plugin.TerminalAggregator
	fileChanges      int
}

func newDispatcher(reg *plugin.Registry) *dispatcher {
	d := &dispatcher{}

	for _, p := range reg.All() {
		if sp, ok := p.(plugin.StreamProcessor); ok {
			d.streamProcessors = append(d.streamProcessors, sp)
		}

		if ta, ok := p.(plugin.TerminalAggregator); ok {
			d.aggregators = append(d.aggregators, ta)
		}
	}

	return d
}

func (d *dispatcher) dispatch(msg message.Message) {
	if _, ok := msg.Body.(message.FileChange); ok {
		d.mu.Lock()
		d.fileChanges++
		d.mu.Unlock()
	}

	for _, sp := range d.streamProcessors {
		derived, err := sp.ProcessMessage(msg)
		if err != nil {
			slog.Warn("pipelineengine: stream processor error", "plugin", sp.ID(), "error", err)

			continue
		}

		for _, out := range derived {
			for _, agg := range d.aggregators {
				if err := agg.ProcessMessage(out); err != nil {
					slog.Warn("pipelineengine: aggregator error", "plugin", agg.ID(), "error", err)
				}
			}
		}
	}

	for _, agg := range d.aggregators {
		if err := agg.ProcessMessage(msg); err != nil {
			slog.Warn("pipelineengine: aggregator error", "plugin", agg.ID(), "error", err)
		}
	}
}

func (d *dispatcher) fileChangeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.fileChanges
}

// finaliseAggregators calls Finish on every terminal aggregator except the
// export plugin (matched by ID, since it must render last, after seeing
// every other aggregator's summary), forwarding each summary message to
// the remaining aggregators (no notification event is published), then calls
// Finish on export last.
func (d *dispatcher) finaliseAggregators(reg *plugin.Registry) {
	var exportPlugin plugin.TerminalAggregator

	for _, agg := range d.aggregators {
		if agg.ID() == "export" {
			exportPlugin = agg

			continue
		}

		d.finishOne(reg, agg)
	}

	if exportPlugin != nil {
		d.finishOne(reg, exportPlugin)
	}
}

func (d *dispatcher) finishOne(reg *plugin.Registry, agg plugin.TerminalAggregator) {
	summary, err := agg.Finish()
	if err != nil {
		slog.Warn("pipelineengine: plugin finish error", "plugin", agg.ID(), "error", err)

		_ = reg.Transition(agg.ID(), plugin.Error)

		return
	}

	for _, other := range d.aggregators {
		if other.ID() == agg.ID() {
			continue
		}

		_ = other.ProcessMessage(summary)
	}
}
