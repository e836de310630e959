package endpoint_test

import (
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secsecsec/meshd/internal/endpoint"
	"github.com/secsecsec/meshd/internal/netaddr"
)

func pipeFd(t *testing.T) int {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return int(r.Fd())
}

func TestNewPeerConn_AllocatesRings(t *testing.T) {
	addr, err := netaddr.FromIP(net.ParseIP("10.0.0.2"))
	require.NoError(t, err)

	ep := endpoint.NewPeerConn(pipeFd(t), addr, netaddr.FamilyV4, true)
	assert.Equal(t, endpoint.RolePeerConn, ep.Role)
	assert.True(t, ep.Alive)
	assert.Equal(t, endpoint.PeerRingSize, ep.Rx.Size())
	assert.Equal(t, endpoint.PeerRingSize, ep.Tx.Size())
	assert.True(t, ep.Outbound)
	assert.Equal(t, addr, ep.Peer)
}

func TestNewTun_AllocatesTxRingAndAssembly(t *testing.T) {
	ep := endpoint.NewTun(pipeFd(t))
	assert.Equal(t, endpoint.RoleTun, ep.Role)
	assert.Equal(t, endpoint.TunTxRingSize, ep.TunTx.Size())
	assert.NotNil(t, ep.ReadAsm)
	assert.NotNil(t, ep.WriteAsm)
}

func TestClose_IdempotentAgainstDoubleDestroy(t *testing.T) {
	ep := endpoint.NewListener(pipeFd(t))
	require.NoError(t, ep.Close())
	assert.False(t, ep.Alive)
	assert.Equal(t, -1, ep.Fd)
	// Second close must be a no-op, not an error, per spec.md §3.
	assert.NoError(t, ep.Close())
}
