package pipelineengine_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefang-dev/codefang/internal/config"
	"github.com/codefang-dev/codefang/internal/message"
	"github.com/codefang-dev/codefang/internal/notify"
	"github.com/codefang-dev/codefang/internal/pipelineengine"
	"github.com/codefang-dev/codefang/internal/plugin"
)

var testSignature = &object.Signature{
	Name:  "Test Author",
	Email: "test@example.com",
	When:  time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
}

func newTestRepoDir(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()

	raw, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	wt, err := raw.Worktree()
	require.NoError(t, err)

	full := filepath.Join(dir, "a.go")
	require.NoError(t, os.WriteFile(full, []byte("package a\n"), 0o644))

	_, err = wt.Add("a.go")
	require.NoError(t, err)

	_, err = wt.Commit("initial", &git.CommitOptions{Author: testSignature})
	require.NoError(t, err)

	return dir
}

func baseConfig() *config.Config {
	return &config.Config{
		Pipeline: config.PipelineConfig{QueueCeilingBytes: 1 << 20},
		Notify:   config.NotifyConfig{GlobalRatePerSecond: 0},
	}
}

// countingAggregator is a minimal TerminalAggregator used to exercise
// registration, initialisation, and finalisation without pulling in a
// real plugin's domain logic.
type countingAggregator struct {
	id            string
	minAPIVersion int
	initErr       error
	received      int
	finished      bool
}

func (c *countingAggregator) ID() string           { return c.id }
func (c *countingAggregator) PluginVersion() string { return "0.0.1" }
func (c *countingAggregator) MinAPIVersion() int    { return c.minAPIVersion }
func (c *countingAggregator) Kind() plugin.Kind     { return plugin.TerminalAggregatorKind }
func (c *countingAggregator) DataRequirements() plugin.DataRequirements {
	return plugin.DataRequirements{}
}
func (c *countingAggregator) NotificationPreferences() notify.Preferences {
	return notify.Preferences{}
}
func (c *countingAggregator) Initialise(plugin.Context) error { return c.initErr }
func (c *countingAggregator) Cleanup() error                  { return nil }
func (c *countingAggregator) ProcessMessage(msg message.Message) error {
	c.received++
	return nil
}
func (c *countingAggregator) Finish() (message.Message, error) {
	c.finished = true
	return message.Message{Body: message.MetricInfo{Subject: "repository", Name: "seen", Value: float64(c.received)}}, nil
}

func TestRun_ScansRepositoryAndFinalisesPlugins(t *testing.T) {
	t.Parallel()

	dir := newTestRepoDir(t)

	engine := pipelineengine.New(0, nil)
	agg := &countingAggregator{id: "counter"}
	require.NoError(t, engine.Register(agg))

	result, err := engine.Run(context.Background(), dir, baseConfig())

	require.NoError(t, err)
	assert.Equal(t, 1, result.CommitsVisited)
	assert.Equal(t, 1, result.FilesChanged)
	assert.False(t, result.ShutdownForced)
	assert.True(t, agg.finished)
	assert.Positive(t, agg.received)
}

func TestRun_NoActivePluginsReturnsErrNoPluginsActive(t *testing.T) {
	t.Parallel()

	dir := newTestRepoDir(t)

	engine := pipelineengine.New(0, nil)
	agg := &countingAggregator{id: "broken", initErr: errors.New("boom")}
	require.NoError(t, engine.Register(agg))

	_, err := engine.Run(context.Background(), dir, baseConfig())

	assert.ErrorIs(t, err, pipelineengine.ErrNoPluginsActive)
}

func TestRun_ExposesBusAndRegistry(t *testing.T) {
	t.Parallel()

	engine := pipelineengine.New(0, nil)

	assert.NotNil(t, engine.Bus())
	assert.NotNil(t, engine.Registry())
}

func TestRegister_RefusesIncompatiblePlugin(t *testing.T) {
	t.Parallel()

	engine := pipelineengine.New(0, nil)
	agg := &countingAggregator{id: "future", minAPIVersion: 99999999}

	err := engine.Register(agg)

	var incompatible *plugin.ErrIncompatible
	assert.ErrorAs(t, err, &incompatible)
}
