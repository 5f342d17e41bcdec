//go:build linux

package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subsentient/epoch/internal/clock"
	"github.com/subsentient/epoch/internal/config"
	"github.com/subsentient/epoch/internal/executor"
	"github.com/subsentient/epoch/internal/haltschedule"
	"github.com/subsentient/epoch/internal/membus/protocol"
	"github.com/subsentient/epoch/internal/object"
	"github.com/subsentient/epoch/internal/objectstore"
	"github.com/subsentient/epoch/internal/runlevel"
)

func withFrozenClock(t *testing.T, at time.Time) {
	t.Helper()
	orig := clock.Now
	clock.Now = func() time.Time { return at }
	t.Cleanup(func() { clock.Now = orig })
}

func newLoop(t *testing.T) (*Loop, *objectstore.Store, *executor.Executor) {
	t.Helper()
	store := objectstore.New(nil)
	exec := executor.New(nil, store, nil)
	engine := runlevel.New(nil, store, exec)
	halt := haltschedule.New()
	loader := config.NewLoader(store, nil)
	proto := protocol.New(nil, store, exec, engine, halt, loader, "/nonexistent.conf")
	return New(nil, store, exec, engine, halt, nil, proto), store, exec
}

func TestHandleSigintRequiresTwoWithinWindow(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	withFrozenClock(t, now)

	l, _, exec := newLoop(t)

	l.HandleSigint()
	_, active := exec.Current.Active()
	assert.False(t, active)

	withFrozenClock(t, now.Add(time.Second))
	l.HandleSigint()
}

func TestHandleSigintIgnoredWhileShuttingDown(t *testing.T) {
	l, _, _ := newLoop(t)
	l.SetShuttingDown(true)
	assert.True(t, l.ShuttingDown())
	l.HandleSigint()
}

func TestEvaluateHaltTriggersShutdownHook(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	withFrozenClock(t, now)

	l, _, _ := newLoop(t)
	_, err := l.halt.Set(haltschedule.ModeReboot, now.Add(-time.Second))
	require.NoError(t, err)

	var gotMode haltschedule.Mode
	called := false
	l.proto.RequestShutdown = func(m haltschedule.Mode) {
		called = true
		gotMode = m
	}

	l.evaluateHalt(context.Background())
	assert.True(t, called)
	assert.Equal(t, haltschedule.ModeReboot, gotMode)
	assert.True(t, l.ShuttingDown())
}

func TestAutoRestartScanSkipsObjectsNotMarkedAutoRestart(t *testing.T) {
	l, store, _ := newLoop(t)
	obj := object.New("svc")
	obj.Started = true
	obj.StartCmd = "/bin/true"
	require.NoError(t, store.Add(obj))

	l.autoRestartScan(context.Background())
	assert.Equal(t, uint32(0), obj.PID)
}

func TestAutoRestartScanGuardsAgainstRestartLoop(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	withFrozenClock(t, now)

	l, store, _ := newLoop(t)
	obj := object.New("svc")
	obj.Started = true
	obj.StartCmd = "/bin/true"
	obj.Opts.AutoRestart = true
	obj.Opts.AutoRestartMinSeconds = 60
	obj.StartedSince = now.Unix()
	require.NoError(t, store.Add(obj))

	l.autoRestartScan(context.Background())
	assert.False(t, obj.Started)
	assert.Equal(t, uint32(0), obj.PID)
}

func TestDrainRunlevelRequest(t *testing.T) {
	l, _, _ := newLoop(t)
	_, ok := l.DrainRunlevelRequest()
	assert.False(t, ok)

	l.RequestedRunlevel <- "default"
	rl, ok := l.DrainRunlevelRequest()
	assert.True(t, ok)
	assert.Equal(t, "default", rl)
}
