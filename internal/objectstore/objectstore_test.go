package objectstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subsentient/epoch/internal/object"
	"github.com/subsentient/epoch/internal/outcome"
)

func newObj(id string, priority uint32) *object.Object {
	o := object.New(id)
	o.StartCmd = "/bin/true"
	o.StartPriority = priority
	o.StopPriority = priority
	o.Enabled = true
	return o
}

func TestAddRejectsDuplicateID(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Add(newObj("a", 1)))
	assert.Error(t, s.Add(newObj("a", 2)))
}

func TestLookupAndDelete(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Add(newObj("a", 1)))

	_, ok := s.Lookup("a")
	assert.True(t, ok)

	s.Delete("a")
	_, ok = s.Lookup("a")
	assert.False(t, ok)
	assert.Len(t, s.All(), 0)
}

func TestBelongsDirectAndInherited(t *testing.T) {
	s := New(nil)
	a := newObj("a", 1)
	a.AddRunlevel("base")
	require.NoError(t, s.Add(a))

	assert.Equal(t, Direct, s.Belongs("base", a))
	assert.Equal(t, NotMember, s.Belongs("default", a))

	s.AddInherit("default", "base")
	assert.Equal(t, Inherited, s.Belongs("default", a))
}

func TestBelongsInheritanceCycleDoesNotHang(t *testing.T) {
	s := New(nil)
	a := newObj("a", 1)
	require.NoError(t, s.Add(a))

	s.AddInherit("x", "y")
	s.AddInherit("y", "x")

	assert.Equal(t, NotMember, s.Belongs("x", a))
}

func TestHighestPriorityAndByPriority(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Add(newObj("low", 1)))
	require.NoError(t, s.Add(newObj("high", 5)))

	assert.Equal(t, uint32(5), s.HighestPriority(true))

	obj := s.ByPriority("", nil, true, 5)
	require.NotNil(t, obj)
	assert.Equal(t, "high", obj.ID)

	assert.Nil(t, s.ByPriority("", obj, true, 5))
}

func TestSnapshotRestoreRoundTrips(t *testing.T) {
	s := New(nil)
	a := newObj("a", 1)
	a.Started = true
	a.PID = 42
	require.NoError(t, s.Add(a))

	snap := s.Snapshot()
	s.Shutdown()
	assert.Len(t, s.All(), 0)

	s.Restore(snap)
	restored, ok := s.Lookup("a")
	require.True(t, ok)
	assert.True(t, restored.Started)
	assert.Equal(t, uint32(42), restored.PID)
}

func TestIntegrityScanDisablesObjectsWithNoStartCommand(t *testing.T) {
	s := New(nil)
	a := object.New("a")
	a.Enabled = true
	require.NoError(t, s.Add(a))

	code := s.IntegrityScan("")
	assert.Equal(t, outcome.Warning, code)
	assert.False(t, a.Enabled)
}

func TestIntegrityScanFailsOnMissingDefaultRunlevel(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Add(newObj("a", 1)))

	code := s.IntegrityScan("nonexistent")
	assert.Equal(t, outcome.Failure, code)
}

func TestIntegrityScanDowngradesBadPIDFileStopMode(t *testing.T) {
	s := New(nil)
	a := newObj("a", 1)
	a.StopMode = object.StopPIDFile
	a.PIDFile = ""
	require.NoError(t, s.Add(a))

	s.IntegrityScan("")
	assert.Equal(t, object.StopPID, a.StopMode)
}

func TestEnvVarAddAndDel(t *testing.T) {
	s := New(nil)
	s.EnvVarAdd(nil, "FOO=bar")
	assert.Equal(t, []string{"FOO=bar"}, s.GlobalEnvVars())

	assert.True(t, s.EnvVarDel(nil, "FOO"))
	assert.Empty(t, s.GlobalEnvVars())
	assert.False(t, s.EnvVarDel(nil, "FOO"))
}
