//go:build linux

package membus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testKey picks a SysV key well away from the real Key constant so these
// tests never collide with a running epoch instance on the same host.
func testKey(t *testing.T) int {
	t.Helper()
	return Key + 1 + int(time.Now().UnixNano()%1000)
}

func newPair(t *testing.T) (server, client *Bus) {
	t.Helper()
	key := testKey(t)

	server, err := NewServer(key)
	require.NoError(t, err)
	t.Cleanup(func() { server.Shutdown() })

	client, err = NewClient(key)
	require.NoError(t, err)
	t.Cleanup(func() { client.Shutdown() })

	return server, client
}

func TestWriteReadServerToClient(t *testing.T) {
	server, client := newPair(t)

	require.NoError(t, server.Write("RUNLEVEL default", false))
	msg, ok := client.Read(false)
	require.True(t, ok)
	assert.Equal(t, "RUNLEVEL default", msg)
}

func TestWriteReadClientToServer(t *testing.T) {
	server, client := newPair(t)

	require.NoError(t, client.Write("HALT", true))
	msg, ok := server.Read(true)
	require.True(t, ok)
	assert.Equal(t, "HALT", msg)
}

func TestBinWriteBinRead(t *testing.T) {
	server, client := newPair(t)

	payload := []byte{1, 2, 3, 0, 4, 5}
	require.NoError(t, server.BinWrite(payload, false))
	data, ok := client.BinRead(false)
	require.True(t, ok)
	assert.Equal(t, payload, data)
}

func TestReadWithNothingPendingReturnsFalse(t *testing.T) {
	_, client := newPair(t)
	_, ok := client.Read(false)
	assert.False(t, ok)
}

func TestPingRoundTrips(t *testing.T) {
	server, client := newPair(t)

	done := make(chan error, 1)
	go func() { done <- client.Ping() }()

	deadline := time.Now().Add(2 * time.Second)
	for server.SlotStatus(true) != StatusPingNoMsg {
		if time.Now().After(deadline) {
			t.Fatal("server slot never observed ping")
		}
		time.Sleep(time.Millisecond)
	}
	server.HandlePings()

	require.NoError(t, <-done)
}

func TestCheckIntegrityReleasesStaleLock(t *testing.T) {
	server, _ := newPair(t)

	server.setLockPID(1234)
	server.setLockTime(uint64(time.Now().Add(-2 * time.Minute).Unix()))

	released := server.CheckIntegrity(time.Now())
	assert.True(t, released)
	assert.Equal(t, uint64(0), server.lockPID())
}

func TestCheckIntegrityLeavesFreshLockAlone(t *testing.T) {
	server, _ := newPair(t)

	server.setLockPID(1234)
	server.setLockTime(uint64(time.Now().Unix()))

	assert.False(t, server.CheckIntegrity(time.Now()))
}

func TestValidStatus(t *testing.T) {
	assert.True(t, ValidStatus(byte(StatusNoMsg)))
	assert.True(t, ValidStatus(byte(StatusMsg)))
	assert.False(t, ValidStatus(99))
}
