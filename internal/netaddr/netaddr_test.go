package netaddr_test

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secsecsec/meshd/internal/netaddr"
)

func TestFromIP(t *testing.T) {
	a, err := netaddr.FromIP(net.ParseIP("10.0.0.1"))
	require.NoError(t, err)
	assert.Equal(t, netaddr.FamilyV4, a.Family())
	assert.Equal(t, "10.0.0.1", a.String())

	b, err := netaddr.FromIP(net.ParseIP("fd00::1"))
	require.NoError(t, err)
	assert.Equal(t, netaddr.FamilyV6, b.Family())
}

func TestFromIP_Invalid(t *testing.T) {
	_, err := netaddr.FromIP(net.IP{1, 2, 3})
	assert.Error(t, err)
}

func TestLessAndGreater(t *testing.T) {
	lo, err := netaddr.FromIP(net.ParseIP("10.0.0.1"))
	require.NoError(t, err)
	hi, err := netaddr.FromIP(net.ParseIP("10.0.0.2"))
	require.NoError(t, err)

	assert.True(t, lo.Less(hi))
	assert.False(t, hi.Less(lo))
	assert.True(t, hi.Greater(lo))
	assert.False(t, lo.Greater(hi))
	assert.False(t, lo.Less(lo))
}

func TestComparableAsMapKey(t *testing.T) {
	a, _ := netaddr.FromIP(net.ParseIP("10.0.0.1"))
	b, _ := netaddr.FromIP(net.ParseIP("10.0.0.1"))
	m := map[netaddr.Addr]int{a: 1}
	m[b] = 2
	assert.Len(t, m, 1)
	assert.Equal(t, 2, m[a])
}
