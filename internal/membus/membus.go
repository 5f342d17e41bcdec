//go:build linux

// Package membus is Epoch's MemBus Transport (spec.md §4.6): a bespoke
// duplex protocol over one System V shared-memory region, connecting the
// init server to a co-resident CLI client.
//
// Grounded on original_source/src/epoch.h's _MemBusInterface layout
// (Root/LockPID/LockTime header, then a Server and a Client slot, each
// holding a status byte and a payload) and spec.md §4.6's write/read/
// bin_write/bin_read primitives. The region is obtained through
// golang.org/x/sys/unix's real SysV shm syscalls (SysvShmGet/Attach/
// Detach/Ctl) rather than a socket, because spec.md gives exact byte
// offsets and sizes that map onto those syscalls directly. Bus is a
// concrete struct; no interface separates its callers from this SysV
// implementation.
package membus

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Status is one side's message-pending byte. Values are exactly
// original_source's MEMBUS_NOMSG/MSG/CHECKALIVE_* constants; any other
// byte found in the region is region corruption (spec.md §7).
type Status byte

const (
	StatusNoMsg       Status = 25
	StatusMsg         Status = 100
	StatusPingNoMsg   Status = 34
	StatusPingMsg     Status = 43
)

// ValidStatus reports whether b is one of the four defined status values.
func ValidStatus(b byte) bool {
	switch Status(b) {
	case StatusNoMsg, StatusMsg, StatusPingNoMsg, StatusPingMsg:
		return true
	default:
		return false
	}
}

// Key is the SysV shared-memory key Epoch's primary bus uses, derived
// exactly as spec.md §6 specifies: (sum of 'EPOCH'+'WhiteRat') * 7.
var Key = func() int {
	sum := 0
	for _, c := range "EPOCH" + "WhiteRat" {
		sum += int(c)
	}
	return sum * 7
}()

// MsgSize is the maximum payload size per side (spec.md §4.6, §6).
const MsgSize = 2047

// Region layout offsets. lockPID and lockTime are two 8-byte fields
// (platform long-sized in the source; Go standardizes on uint64 here),
// followed by one (status byte + MsgSize payload) block per side.
const (
	offLockPID       = 0
	offLockTime      = 8
	offServerStatus  = 16
	offServerPayload = offServerStatus + 1
	offClientStatus  = offServerPayload + MsgSize
	offClientPayload = offClientStatus + 1

	// RegionSize is spec.md §6's "4096 + 16 bytes": a 16-byte lock
	// header plus two 2048-byte (1 status + 2047 payload) slots.
	RegionSize = offClientPayload + MsgSize
)

const (
	pollInterval = time.Millisecond
	opTimeout    = 10 * time.Second
	// StaleLockSeconds is spec.md §4.4's "held the lock for > 60s" forced
	// release threshold.
	StaleLockSeconds = 60
)

// Bus is one attached end of the membus region, server or client.
type Bus struct {
	region   []byte
	shmID    int
	key      int
	isServer bool
}

// NewServer creates (or reuses) the shared region at key, zeroes it, and
// marks the server slot idle (spec.md §4.6).
func NewServer(key int) (*Bus, error) {
	id, err := unix.SysvShmGet(key, RegionSize, unix.IPC_CREAT|0660)
	if err != nil {
		return nil, fmt.Errorf("membus: shmget: %w", err)
	}
	region, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("membus: shmat: %w", err)
	}
	for i := range region {
		region[i] = 0
	}
	b := &Bus{region: region, shmID: id, key: key, isServer: true}
	b.setStatus(true, StatusNoMsg)
	b.setStatus(false, StatusNoMsg)
	return b, nil
}

// NewClient attaches to an already-initialized region at key. It refuses
// to operate if the lock is held by a different pid, or if the server
// slot hasn't initialized (become a valid status byte) within 10s
// (spec.md §4.6).
func NewClient(key int) (*Bus, error) {
	id, err := unix.SysvShmGet(key, RegionSize, 0)
	if err != nil {
		return nil, fmt.Errorf("membus: shmget (no server running?): %w", err)
	}
	region, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("membus: shmat: %w", err)
	}
	b := &Bus{region: region, shmID: id, key: key, isServer: false}

	self := uint64(unix.Getpid())
	if lockPID := b.lockPID(); lockPID != 0 && lockPID != self {
		unix.SysvShmDetach(region)
		return nil, fmt.Errorf("membus: locked by another client (pid %d)", lockPID)
	}

	deadline := time.Now().Add(opTimeout)
	for {
		if ValidStatus(byte(b.status(true))) {
			break
		}
		if time.Now().After(deadline) {
			unix.SysvShmDetach(region)
			return nil, fmt.Errorf("membus: server slot did not initialize within %s", opTimeout)
		}
		time.Sleep(pollInterval)
	}
	return b, nil
}

// Ping implements the client liveness probe (spec.md §4.6): write a
// PING_* variant into the server slot preserving its real MSG/NO_MSG
// state, then wait up to 10s for the server's heavy tick to flip it back
// (HandlePings, called on the server side). On success it stamps the
// lock fields with this process's pid and the current time.
func (b *Bus) Ping() error {
	orig := b.status(true)
	var pingVal Status
	switch orig {
	case StatusNoMsg:
		pingVal = StatusPingNoMsg
	case StatusMsg:
		pingVal = StatusPingMsg
	default:
		return fmt.Errorf("membus: server slot in unexpected state %d", orig)
	}
	b.setStatus(true, pingVal)

	deadline := time.Now().Add(opTimeout)
	for b.status(true) == pingVal {
		if time.Now().After(deadline) {
			return fmt.Errorf("membus: server did not acknowledge ping within %s", opTimeout)
		}
		time.Sleep(pollInterval)
	}

	b.setLockPID(uint64(unix.Getpid()))
	b.setLockTime(uint64(time.Now().Unix()))
	return nil
}

// SlotStatus peeks a side's status byte without consuming a message. Used
// by the supervisor to detect that a client has consumed a response (its
// slot status falls back to NoMsg) before treating a pending shutdown
// acknowledgement as observed.
func (b *Bus) SlotStatus(serverSide bool) Status {
	return b.status(serverSide)
}

// HandlePings is the server's handle_membus_pings heavy-tick step
// (spec.md §4.4): flip a still-pending ping marker back to its
// underlying real status.
func (b *Bus) HandlePings() {
	switch b.status(true) {
	case StatusPingMsg:
		b.setStatus(true, StatusMsg)
	case StatusPingNoMsg:
		b.setStatus(true, StatusNoMsg)
	}
}

// CheckIntegrity is the server's check_membus_integrity heavy-tick step
// (spec.md §4.4, §7): force-release and wipe both slots if the lock has
// been held for longer than StaleLockSeconds.
func (b *Bus) CheckIntegrity(now time.Time) bool {
	pid := b.lockPID()
	if pid == 0 {
		return false
	}
	if uint64(now.Unix())-b.lockTime() <= StaleLockSeconds {
		return false
	}
	b.setLockPID(0)
	b.setLockTime(0)
	b.setStatus(true, StatusNoMsg)
	b.setStatus(false, StatusNoMsg)
	return true
}

// Write sends a NUL-terminated text message to the given side, waiting
// (polling) for that side's status to go idle first (spec.md §4.6).
func (b *Bus) Write(msg string, serverSide bool) error {
	return b.binWrite([]byte(msg), serverSide, true)
}

// Read receives a pending text message from the given side, if any.
func (b *Bus) Read(serverSide bool) (string, bool) {
	data, ok := b.binRead(serverSide)
	if !ok {
		return "", false
	}
	return string(data), true
}

// BinWrite sends an explicit-length binary message (spec.md §4.6), used
// for status-report records and re-exec state frames.
func (b *Bus) BinWrite(data []byte, serverSide bool) error {
	return b.binWrite(data, serverSide, false)
}

// BinRead receives an explicit-length binary message.
func (b *Bus) BinRead(serverSide bool) ([]byte, bool) {
	return b.binRead(serverSide)
}

func (b *Bus) binWrite(data []byte, serverSide, nulTerminate bool) error {
	if len(data) > MsgSize-1 {
		return fmt.Errorf("membus: message of %d bytes exceeds max %d", len(data), MsgSize-1)
	}

	deadline := time.Now().Add(opTimeout)
	for b.status(serverSide) != StatusNoMsg {
		if time.Now().After(deadline) {
			return fmt.Errorf("membus: write timed out waiting for idle slot")
		}
		time.Sleep(pollInterval)
	}

	payload := b.payload(serverSide)
	n := copy(payload, data)
	if nulTerminate && n < len(payload) {
		payload[n] = 0
	}
	b.setStatus(serverSide, StatusMsg)
	return nil
}

func (b *Bus) binRead(serverSide bool) ([]byte, bool) {
	// A server reads messages written to its own slot (the client writes
	// with serverSide=true meaning "destined for the server"); a client
	// symmetrically reads its own slot. The side actually doing the
	// reading is always "its own", so Read always inspects `serverSide`
	// as passed by the caller representing which slot they own.
	if b.status(serverSide) != StatusMsg {
		return nil, false
	}
	payload := b.payload(serverSide)
	end := len(payload)
	for i, c := range payload {
		if c == 0 {
			end = i
			break
		}
	}
	out := make([]byte, end)
	copy(out, payload[:end])
	b.setStatus(serverSide, StatusNoMsg)
	return out, true
}

// Shutdown tears down this end of the bus. The server marks both slots
// idle and schedules the region for removal once all attachments detach;
// the client simply releases its lock if it holds one.
func (b *Bus) Shutdown() error {
	if b.isServer {
		b.setStatus(true, StatusNoMsg)
		b.setStatus(false, StatusNoMsg)
		var desc unix.SysvShmDesc
		if _, err := unix.SysvShmCtl(b.shmID, unix.IPC_RMID, &desc); err != nil {
			return fmt.Errorf("membus: ipc_rmid: %w", err)
		}
	} else if b.lockPID() == uint64(unix.Getpid()) {
		b.setLockPID(0)
		b.setLockTime(0)
	}
	return unix.SysvShmDetach(b.region)
}

func (b *Bus) payload(serverSide bool) []byte {
	if serverSide {
		return b.region[offServerPayload : offServerPayload+MsgSize]
	}
	return b.region[offClientPayload : offClientPayload+MsgSize]
}

func (b *Bus) status(serverSide bool) Status {
	if serverSide {
		return Status(b.region[offServerStatus])
	}
	return Status(b.region[offClientStatus])
}

func (b *Bus) setStatus(serverSide bool, s Status) {
	if serverSide {
		b.region[offServerStatus] = byte(s)
	} else {
		b.region[offClientStatus] = byte(s)
	}
}

func (b *Bus) lockPID() uint64  { return b.getU64(offLockPID) }
func (b *Bus) lockTime() uint64 { return b.getU64(offLockTime) }

func (b *Bus) setLockPID(v uint64)  { b.setU64(offLockPID, v) }
func (b *Bus) setLockTime(v uint64) { b.setU64(offLockTime, v) }

func (b *Bus) getU64(off int) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b.region[off+i]) << (8 * i)
	}
	return v
}

func (b *Bus) setU64(off int, v uint64) {
	for i := 0; i < 8; i++ {
		b.region[off+i] = byte(v >> (8 * i))
	}
}
