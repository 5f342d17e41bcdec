//go:build linux

package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subsentient/epoch/internal/object"
	"github.com/subsentient/epoch/internal/objectstore"
	"github.com/subsentient/epoch/internal/outcome"
)

func newExecutor() *Executor {
	return New(nil, objectstore.New(nil), nil)
}

func TestExecuteStartSuccess(t *testing.T) {
	e := newExecutor()
	obj := object.New("svc")
	obj.StartCmd = "/bin/true"

	code := e.Execute(context.Background(), obj, PhaseStart)
	assert.Equal(t, outcome.Success, code)
	assert.True(t, obj.Started)
	assert.NotZero(t, obj.StartedSince)
}

func TestExecuteStartFailure(t *testing.T) {
	e := newExecutor()
	obj := object.New("svc")
	obj.StartCmd = "/bin/false"

	code := e.Execute(context.Background(), obj, PhaseStart)
	assert.Equal(t, outcome.Failure, code)
}

func TestExecuteExitMapOverride(t *testing.T) {
	e := newExecutor()
	obj := object.New("svc")
	obj.StartCmd = "/bin/false"
	require.NoError(t, obj.SetExitMapping(1, outcome.Warning))

	code := e.Execute(context.Background(), obj, PhaseStart)
	assert.Equal(t, outcome.Warning, code)
}

func TestExecutePrestartNoopIsSuccess(t *testing.T) {
	e := newExecutor()
	obj := object.New("svc")

	code := e.Execute(context.Background(), obj, PhasePrestart)
	assert.Equal(t, outcome.Success, code)
}

func TestExecuteStopCommandEmptyIsWarning(t *testing.T) {
	e := newExecutor()
	obj := object.New("svc")
	obj.StopMode = object.StopCommand

	code := e.Execute(context.Background(), obj, PhaseStop)
	assert.Equal(t, outcome.Warning, code)
}

func TestExecuteStopByPIDNotRunning(t *testing.T) {
	e := newExecutor()
	obj := object.New("svc")
	obj.StopMode = object.StopPID
	obj.PID = 0

	code := e.Execute(context.Background(), obj, PhaseStop)
	assert.Equal(t, outcome.Warning, code)
	assert.False(t, obj.Started)
}
