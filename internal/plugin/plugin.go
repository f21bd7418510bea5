// Package plugin implements the plugin lifecycle registry: descriptor
// storage, API-version compatibility checks, the lifecycle state machine,
// and routing of notification bus events to subscribed plugins.
package plugin

import (
	"fmt"
	"sync"

	"github.com/codefang-dev/codefang/internal/apiversion"
	"github.com/codefang-dev/codefang/internal/message"
	"github.com/codefang-dev/codefang/internal/notify"
)

// LifecycleState is a plugin's position in the registry state machine.
type LifecycleState int

const (
	Registered LifecycleState = iota
	Initialised
	Processing
	Terminating
	Finalised
	Error
)

// String renders the state for logging.
func (s LifecycleState) String() string {
	switch s {
	case Registered:
		return "Registered"
	case Initialised:
		return "Initialised"
	case Processing:
		return "Processing"
	case Terminating:
		return "Terminating"
	case Finalised:
		return "Finalised"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// Idle reports whether s is a state the shutdown coordinator treats as
// idle: only Initialised and Error.
func (s LifecycleState) Idle() bool {
	return s == Initialised || s == Error
}

// legalTransitions encodes Registered -> Initialised -> Processing <->
// Initialised -> Terminating -> Finalised, with any state able to move to
// Error.
var legalTransitions = map[LifecycleState]map[LifecycleState]bool{
	Registered:  {Initialised: true},
	Initialised: {Processing: true, Terminating: true},
	Processing:  {Initialised: true},
	Terminating: {Finalised: true},
	Finalised:   {},
	Error:       {},
}

// ErrIllegalTransition is returned by Registry.Transition for a move not
// permitted by the state machine.
type ErrIllegalTransition struct {
	PluginID string
	From, To LifecycleState
}

// Error implements error.
func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("plugin %s: illegal transition %s -> %s", e.PluginID, e.From, e.To)
}

// Kind distinguishes the two dispatch patterns a plugin can implement.
type Kind int

const (
	// StreamProcessorKind plugins receive one ProcessMessage call per
	// scanner message and may emit derived messages.
	StreamProcessorKind Kind = iota
	// TerminalAggregatorKind plugins accumulate and return a single
	// summary message from Finish at end of stream.
	TerminalAggregatorKind
)

// DataRequirements declares what a plugin needs from the scan. The union
// across active plugins determines the runtime scan profile.
type DataRequirements struct {
	NeedsCurrentContent    bool
	NeedsHistoricalContent bool
	HandlesBinary          bool
	MaxFileSize            *int64
	PreferredBuffer        int
}

// Union merges two DataRequirements: logical-or for content needs,
// minimum of MaxFileSize across plugins that set it.
func Union(a, b DataRequirements) DataRequirements {
	out := DataRequirements{
		NeedsCurrentContent:    a.NeedsCurrentContent || b.NeedsCurrentContent,
		NeedsHistoricalContent: a.NeedsHistoricalContent || b.NeedsHistoricalContent,
		HandlesBinary:          a.HandlesBinary || b.HandlesBinary,
		PreferredBuffer:        maxInt(a.PreferredBuffer, b.PreferredBuffer),
	}

	switch {
	case a.MaxFileSize == nil:
		out.MaxFileSize = b.MaxFileSize
	case b.MaxFileSize == nil:
		out.MaxFileSize = a.MaxFileSize
	default:
		m := minInt64(*a.MaxFileSize, *b.MaxFileSize)
		out.MaxFileSize = &m
	}

	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}

	return b
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}

	return b
}

// Context is the runtime context passed to Plugin.Initialise.
type Context struct {
	RepoPath    string
	Config      map[string]any
}

// Plugin is the narrow base capability every plugin implements.
type Plugin interface {
	ID() string
	PluginVersion() string
	MinAPIVersion() int
	Kind() Kind
	DataRequirements() DataRequirements
	NotificationPreferences() notify.Preferences
	Initialise(ctx Context) error
	Cleanup() error
}

// StreamProcessor is an optional mix-in capability for plugins that
// process messages as they arrive.
type StreamProcessor interface {
	Plugin
	ProcessMessage(msg message.Message) ([]message.Message, error)
}

// TerminalAggregator is an optional mix-in capability for plugins that
// accumulate state across the whole stream and emit a single result.
type TerminalAggregator interface {
	Plugin
	ProcessMessage(msg message.Message) error
	Finish() (message.Message, error)
}

// EventHandler is an optional mix-in capability for plugins that react to
// notification bus events.
type EventHandler interface {
	Plugin
	HandleEvent(e notify.Event)
}

// entry is the registry's internal bookkeeping for one plugin.
type entry struct {
	plugin Plugin
	state  LifecycleState
	errMsg string
}

// Registry stores plugin instances, their lifecycle state, and routes
// notification bus events to them. Reads (active-set queries, event
// routing) take a shared lock; writes (registration, transitions) take an
// exclusive lock.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// ErrIncompatible is returned by Register when a plugin's minimum required
// API version exceeds the runtime's.
type ErrIncompatible struct {
	Reason string
}

// Error implements error.
func (e *ErrIncompatible) Error() string { return e.Reason }

// Register checks API compatibility and inserts p's descriptor in
// Registered state. An incompatible plugin is refused but does not fail
// the run.
func (r *Registry) Register(p Plugin) error {
	if !apiversion.Compatible(p.MinAPIVersion()) {
		return &ErrIncompatible{Reason: apiversion.RejectionReason(p.ID(), p.MinAPIVersion())}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[p.ID()] = &entry{plugin: p, state: Registered}

	return nil
}

// InitialiseAll transitions every registered plugin to Initialised,
// isolating per-plugin failures to that plugin (moved to Error instead of
// aborting the run).
func (r *Registry) InitialiseAll(ctx Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if err := e.plugin.Initialise(ctx); err != nil {
			e.state = Error
			e.errMsg = err.Error()

			continue
		}

		e.state = Initialised
	}
}

// RequirementsUnion returns the logical union of DataRequirements across
// every plugin not in Error state.
func (r *Registry) RequirementsUnion() DataRequirements {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var union DataRequirements

	for _, e := range r.entries {
		if e.state == Error {
			continue
		}

		union = Union(union, e.plugin.DataRequirements())
	}

	return union
}

// Transition moves pluginID to newState, validated against the lifecycle
// state machine.
func (r *Registry) Transition(pluginID string, newState LifecycleState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[pluginID]
	if !ok {
		return fmt.Errorf("plugin %s: not registered", pluginID)
	}

	if newState == Error {
		e.state = Error
		return nil
	}

	if !legalTransitions[e.state][newState] {
		return &ErrIllegalTransition{PluginID: pluginID, From: e.state, To: newState}
	}

	e.state = newState

	return nil
}

// State returns pluginID's current lifecycle state.
func (r *Registry) State(pluginID string) (LifecycleState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[pluginID]
	if !ok {
		return 0, false
	}

	return e.state, true
}

// ActiveIDs returns the IDs of every plugin not in Error state.
func (r *Registry) ActiveIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string

	for id, e := range r.entries {
		if e.state != Error {
			ids = append(ids, id)
		}
	}

	return ids
}

// Idle reports whether every active plugin is in an idle state
// (Initialised or Error).
func (r *Registry) Idle() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.entries {
		if !e.state.Idle() {
			return false
		}
	}

	return true
}

// Get returns the plugin registered under id.
func (r *Registry) Get(id string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}

	return e.plugin, true
}

// All returns every registered plugin, in no particular order.
func (r *Registry) All() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Plugin, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.plugin)
	}

	return out
}

// SubscribeAll attaches each registered plugin implementing EventHandler to
// bus with its declared notification preferences, spawning one goroutine
// per plugin to drain its subscription channel.
func (r *Registry) SubscribeAll(bus *notify.Bus) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, e := range r.entries {
		handler, ok := e.plugin.(EventHandler)
		if !ok {
			continue
		}

		ch := bus.Subscribe(id, e.plugin.NotificationPreferences())

		go func(h EventHandler, events <-chan notify.Event) {
			for ev := range events {
				h.HandleEvent(ev)
			}
		}(handler, ch)
	}
}

// FinaliseAll transitions every plugin to Finalised and invokes Cleanup,
// collecting individual cleanup errors into the returned slice rather than
// stopping at the first: plugin errors are isolated from each other.
func (r *Registry) FinaliseAll() []error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error

	for id, e := range r.entries {
		if e.state != Error {
			e.state = Terminating
		}

		if err := e.plugin.Cleanup(); err != nil {
			errs = append(errs, fmt.Errorf("plugin %s cleanup: %w", id, err))
		}

		if e.state != Error {
			e.state = Finalised
		}
	}

	return errs
}
