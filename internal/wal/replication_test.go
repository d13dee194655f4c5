package wal

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velozfi/veloz/internal/config"
	"github.com/velozfi/veloz/internal/runtime"
	"github.com/velozfi/veloz/internal/types"
)

func TestReplication_SyncSendIsAckedByReceiver(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	var applied []types.WalEntry
	recv, err := NewReceiver(addr, func(e types.WalEntry) error {
		applied = append(applied, e)
		return nil
	})
	require.NoError(t, err)
	defer recv.Close()
	go recv.Serve()

	time.Sleep(20 * time.Millisecond)

	sender, err := NewSender(runtime.New(&config.Config{}), config.ReplicationConfig{
		Peer:         addr,
		Mode:         config.ReplicationSync,
		AckTimeoutMs: 1000,
	})
	require.NoError(t, err)
	defer sender.Close()

	err = sender.Send(types.WalEntry{Sequence: 1, Type: types.WalOrderAccepted, Payload: []byte(`{}`)})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(applied) == 1 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, applied[0].Sequence)
}

func TestReplication_AsyncSend_OverflowsWhenBufferFull(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	defer ln.Close()

	sender, err := NewSender(runtime.New(&config.Config{}), config.ReplicationConfig{
		Peer:       addr,
		Mode:       config.ReplicationAsync,
		MaxPending: 1,
	})
	require.NoError(t, err)
	defer sender.Close()

	// the drain goroutine may pull the first frame out immediately, so push
	// until an overflow is observed rather than asserting on a fixed count.
	var lastErr error
	for i := 0; i < 100; i++ {
		lastErr = sender.Send(types.WalEntry{Sequence: uint64(i), Type: types.WalOrderAccepted, Payload: []byte(`{}`)})
		if lastErr != nil {
			break
		}
	}
	assert.ErrorIs(t, lastErr, ErrOverflow)
}

func TestRoleGate_StartsStandby(t *testing.T) {
	g := NewRoleGate()
	assert.Equal(t, RoleStandby, g.Role())
	assert.ErrorIs(t, g.RequirePrimary(), ErrNotPrimary)
}

func TestRoleGate_BecomePrimary_RunsRecoverFirst(t *testing.T) {
	g := NewRoleGate()
	var recovered bool

	err := g.BecomePrimary(func() error {
		recovered = true
		assert.Equal(t, RoleStandby, g.Role(), "role must not flip until recoverFn returns")
		return nil
	})

	require.NoError(t, err)
	assert.True(t, recovered)
	assert.Equal(t, RolePrimary, g.Role())
	assert.NoError(t, g.RequirePrimary())
}

func TestRoleGate_BecomePrimary_StaysStandbyOnRecoverError(t *testing.T) {
	g := NewRoleGate()

	err := g.BecomePrimary(func() error { return assertErr })

	assert.Error(t, err)
	assert.Equal(t, RoleStandby, g.Role())
}

func TestRoleGate_BecomeStandby_RevertsImmediately(t *testing.T) {
	g := NewRoleGate()
	require.NoError(t, g.BecomePrimary(nil))

	g.BecomeStandby()

	assert.Equal(t, RoleStandby, g.Role())
}

var assertErr = &testError{"recover failed"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
