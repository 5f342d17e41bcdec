//go:build linux

package protocol

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subsentient/epoch/internal/config"
	"github.com/subsentient/epoch/internal/executor"
	"github.com/subsentient/epoch/internal/haltschedule"
	"github.com/subsentient/epoch/internal/object"
	"github.com/subsentient/epoch/internal/objectstore"
	"github.com/subsentient/epoch/internal/runlevel"
)

func newHandler(t *testing.T) (*Handler, *objectstore.Store) {
	t.Helper()
	store := objectstore.New(nil)
	exec := executor.New(nil, store, nil)
	engine := runlevel.New(nil, store, exec)
	halt := haltschedule.New()
	loader := config.NewLoader(store, nil)
	h := New(nil, store, exec, engine, halt, loader, "/nonexistent.conf")
	return h, store
}

func TestDispatchUnknownVerbIsBadParam(t *testing.T) {
	h, _ := newHandler(t)
	assert.Equal(t, "BADPARAM NOSUCHVERB", h.Dispatch("NOSUCHVERB"))
}

func TestDispatchEmptyRequestIsBadParam(t *testing.T) {
	h, _ := newHandler(t)
	assert.Equal(t, PrefixBadParam, h.Dispatch("  "))
}

func TestDispatchGetRLReturnsCurrentRunlevel(t *testing.T) {
	h, store := newHandler(t)
	store.SetCurrentRunlevel("default")
	assert.Equal(t, "OK GETRL default", h.Dispatch("GETRL"))
}

func TestDispatchObjStartUnknownObjectFails(t *testing.T) {
	h, _ := newHandler(t)
	resp := h.Dispatch("OBJSTART ghost")
	assert.Contains(t, resp, PrefixFail)
	assert.Contains(t, resp, "no such object")
}

func TestDispatchObjStartSuccess(t *testing.T) {
	h, store := newHandler(t)
	obj := object.New("svc")
	obj.StartCmd = "/bin/true"
	require.NoError(t, store.Add(obj))

	resp := h.Dispatch("OBJSTART svc")
	assert.Equal(t, "OK OBJSTART svc", resp)
	assert.True(t, obj.Started)
}

func TestDispatchObjEnableDisableTogglesAndReturnsOK(t *testing.T) {
	h, store := newHandler(t)
	path := filepath.Join(t.TempDir(), "epoch.conf")
	require.NoError(t, os.WriteFile(path, []byte("ObjectID svc\nObjectEnabled false\n"), 0o644))
	obj := object.New("svc")
	obj.Enabled = false
	obj.ConfigFile = path
	require.NoError(t, store.Add(obj))

	resp := h.Dispatch("OBJENABLE svc")
	assert.Contains(t, resp, PrefixOK)
	assert.True(t, obj.Enabled)

	resp = h.Dispatch("OBJDISABLE svc")
	assert.Contains(t, resp, PrefixOK)
	assert.False(t, obj.Enabled)
}

func TestDispatchRunlevelSwitchRejectsUnknownRunlevel(t *testing.T) {
	h, _ := newHandler(t)
	resp := h.Dispatch("RUNLEVEL ghost")
	assert.Contains(t, resp, PrefixFail)
}

func TestDispatchRunlevelSwitchAcceptsKnownRunlevel(t *testing.T) {
	h, store := newHandler(t)
	obj := object.New("svc")
	obj.AddRunlevel("default")
	require.NoError(t, store.Add(obj))

	resp := h.Dispatch("RUNLEVEL default")
	assert.Equal(t, "OK RUNLEVEL default", resp)
}

func TestDispatchObjrlsCheckReportsDirectMembership(t *testing.T) {
	h, store := newHandler(t)
	obj := object.New("svc")
	obj.AddRunlevel("default")
	require.NoError(t, store.Add(obj))

	assert.Equal(t, "OK OBJRLS_CHECK svc default 1", h.Dispatch("OBJRLS_CHECK svc default"))
	assert.Equal(t, "OK OBJRLS_CHECK svc other 0", h.Dispatch("OBJRLS_CHECK svc other"))
}

func TestDispatchInitHaltNoArgSetsPendingAck(t *testing.T) {
	h, _ := newHandler(t)
	resp := h.Dispatch("INIT_HALT")
	assert.Equal(t, "OK INIT_HALT", resp)
	assert.True(t, h.HasPendingAck())
}

func TestDispatchInitHaltWithArgSchedules(t *testing.T) {
	h, _ := newHandler(t)
	target := time.Now().Add(time.Hour).Format("15:04:05 01/02/2006")
	resp := h.Dispatch("INIT_HALT " + target)
	assert.Equal(t, "OK INIT_HALT", resp)
	assert.False(t, h.HasPendingAck())
}

func TestDispatchInitAbortHaltWithNoScheduleFails(t *testing.T) {
	h, _ := newHandler(t)
	resp := h.Dispatch("INIT_ABORTHALT")
	assert.Contains(t, resp, PrefixFail)
}

func TestDispatchCadOnOff(t *testing.T) {
	h, _ := newHandler(t)
	assert.Equal(t, "OK CADOFF", h.Dispatch("CADOFF"))
	assert.False(t, h.CADEnabled)
	assert.Equal(t, "OK CADON", h.Dispatch("CADON"))
	assert.True(t, h.CADEnabled)
}

func TestDispatchLsobjsFallsThroughWithoutBus(t *testing.T) {
	h, _ := newHandler(t)
	resp := h.Dispatch("LSOBJS")
	assert.Contains(t, resp, PrefixFail)
}

func TestDispatchSendPidReturnsZeroWhenNotRunning(t *testing.T) {
	h, store := newHandler(t)
	obj := object.New("svc")
	require.NoError(t, store.Add(obj))

	assert.Equal(t, "OK SENDPID svc 0", h.Dispatch("SENDPID svc"))
}

func TestDispatchKillObjNotRunningFails(t *testing.T) {
	h, store := newHandler(t)
	obj := object.New("svc")
	require.NoError(t, store.Add(obj))

	resp := h.Dispatch("KILLOBJ svc")
	assert.Contains(t, resp, PrefixFail)
	assert.Contains(t, resp, "not running")
}

func TestReinitCollapsesConcurrentRequests(t *testing.T) {
	h, _ := newHandler(t)

	results := make(chan string, 4)
	for i := 0; i < 4; i++ {
		go func() { results <- h.reinit("EPOCH_REINIT") }()
	}

	deadline := time.After(5 * time.Second)
	for i := 0; i < 4; i++ {
		select {
		case resp := <-results:
			assert.Contains(t, resp, PrefixFail)
		case <-deadline:
			t.Fatal("reinit calls did not complete in time")
		}
	}
}

func TestEncodeOptionFlagsTerminatesWithZero(t *testing.T) {
	opts := object.OptFlags{HaltOnly: true, IsService: true}
	out := encodeOptionFlags(opts)
	require.NotEmpty(t, out)
	assert.Equal(t, byte(0), out[len(out)-1])
	assert.Contains(t, out[:len(out)-1], byte(1))
	assert.Contains(t, out[:len(out)-1], byte(12))
}

func TestEncodeExitMapOrdersValueBeforeStatus(t *testing.T) {
	var m [8]object.ExitMapping
	m[0] = object.ExitMapping{Set: true, Value: 3, Status: 2}

	out := encodeExitMap(m)
	// 4-byte little-endian count, then int32 value, then 1-byte status.
	require.Len(t, out, 4+4+1)
	assert.Equal(t, byte(1), out[0])
	assert.Equal(t, byte(3), out[4])
	assert.Equal(t, byte(2), out[8])
}
