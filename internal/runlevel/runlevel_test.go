//go:build linux

package runlevel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subsentient/epoch/internal/executor"
	"github.com/subsentient/epoch/internal/object"
	"github.com/subsentient/epoch/internal/objectstore"
)

func newEngine(t *testing.T) (*Engine, *objectstore.Store) {
	t.Helper()
	store := objectstore.New(nil)
	exec := executor.New(nil, store, nil)
	return New(nil, store, exec), store
}

func serviceObj(id, rl string, priority uint32) *object.Object {
	o := object.New(id)
	o.StartCmd = "/bin/true"
	o.StopCmd = "/bin/true"
	o.StopMode = object.StopCommand
	o.StartPriority = priority
	o.StopPriority = priority
	o.Enabled = true
	o.AddRunlevel(rl)
	return o
}

func TestSwitchRejectsUnknownRunlevel(t *testing.T) {
	e, _ := newEngine(t)
	err := e.Switch(context.Background(), "ghost")
	assert.Error(t, err)
}

func TestSwitchStartsMembersAndStopsNonMembers(t *testing.T) {
	e, store := newEngine(t)

	base := serviceObj("base-svc", "base", 1)
	def := serviceObj("default-svc", "default", 1)
	require.NoError(t, store.Add(base))
	require.NoError(t, store.Add(def))

	require.NoError(t, e.Switch(context.Background(), "base"))
	assert.True(t, base.Started)
	assert.False(t, def.Started)
	assert.Equal(t, "base", store.CurrentRunlevel())

	require.NoError(t, e.Switch(context.Background(), "default"))
	assert.False(t, base.Started)
	assert.True(t, def.Started)
}

func TestSwitchLeavesPersistentObjectsRunning(t *testing.T) {
	e, store := newEngine(t)

	persistent := serviceObj("sticky", "base", 1)
	persistent.Opts.Persistent = true
	other := serviceObj("other", "default", 1)
	require.NoError(t, store.Add(persistent))
	require.NoError(t, store.Add(other))

	require.NoError(t, e.Switch(context.Background(), "base"))
	require.NoError(t, e.Switch(context.Background(), "default"))

	assert.True(t, persistent.Started)
}

func TestRunAllStartingSkipsDisabledAndHaltOnly(t *testing.T) {
	e, store := newEngine(t)

	enabled := serviceObj("on", "default", 1)
	disabled := serviceObj("off", "default", 1)
	disabled.Enabled = false
	haltOnly := serviceObj("halt-only", "default", 1)
	haltOnly.Opts.HaltOnly = true

	require.NoError(t, store.Add(enabled))
	require.NoError(t, store.Add(disabled))
	require.NoError(t, store.Add(haltOnly))

	e.RunAll(context.Background(), true)

	assert.True(t, enabled.Started)
	assert.False(t, disabled.Started)
	assert.False(t, haltOnly.Started)
}

func TestRunAllStoppingStopsEvenDisabledObjects(t *testing.T) {
	e, store := newEngine(t)

	disabled := serviceObj("off", "default", 1)
	disabled.Enabled = false
	disabled.Started = true
	require.NoError(t, store.Add(disabled))

	e.RunAll(context.Background(), false)

	assert.False(t, disabled.Started)
}
