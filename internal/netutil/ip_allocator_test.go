package netutil

import (
	"net/netip"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSubnet(t *testing.T) netip.Prefix {
	t.Helper()
	p, err := netip.ParsePrefix("10.11.0.0/16")
	require.NoError(t, err)
	return p
}

func TestAllocateSequential(t *testing.T) {
	a, err := NewIPAllocator(testSubnet(t), filepath.Join(t.TempDir(), "ips.txt"))
	require.NoError(t, err)

	first, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, "10.11.0.2", first.String())

	second, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, "10.11.0.3", second.String())
}

func TestAllocateSkipsReleased(t *testing.T) {
	a, err := NewIPAllocator(testSubnet(t), filepath.Join(t.TempDir(), "ips.txt"))
	require.NoError(t, err)

	first, err := a.Allocate()
	require.NoError(t, err)
	_, err = a.Allocate()
	require.NoError(t, err)

	require.NoError(t, a.Release(first))
	assert.False(t, a.Allocated(first))

	third, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, "10.11.0.4", third.String())
}

func TestAllocateSpecificRejectsOutOfSubnet(t *testing.T) {
	a, err := NewIPAllocator(testSubnet(t), filepath.Join(t.TempDir(), "ips.txt"))
	require.NoError(t, err)

	outside := netip.MustParseAddr("10.12.0.5")
	err = a.AllocateSpecific(outside)
	require.Error(t, err)
	var nerr *Error
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, CodeIpAllocationFailed, nerr.Code)
}

func TestAllocateSpecificRejectsDuplicate(t *testing.T) {
	a, err := NewIPAllocator(testSubnet(t), filepath.Join(t.TempDir(), "ips.txt"))
	require.NoError(t, err)

	addr := netip.MustParseAddr("10.11.5.5")
	require.NoError(t, a.AllocateSpecific(addr))
	err = a.AllocateSpecific(addr)
	require.Error(t, err)
}

func TestAllocatorPersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ips.txt")
	a, err := NewIPAllocator(testSubnet(t), path)
	require.NoError(t, err)

	addr, err := a.Allocate()
	require.NoError(t, err)

	reloaded, err := NewIPAllocator(testSubnet(t), path)
	require.NoError(t, err)
	assert.True(t, reloaded.Allocated(addr))

	next, err := reloaded.Allocate()
	require.NoError(t, err)
	assert.NotEqual(t, addr, next)
}

func TestAllocateExhaustion(t *testing.T) {
	small, err := netip.ParsePrefix("10.99.0.0/30")
	require.NoError(t, err)
	a, err := NewIPAllocator(small, filepath.Join(t.TempDir(), "ips.txt"))
	require.NoError(t, err)

	// only offset 2 is allocatable in a /30 (0=network, 1=gateway, 3=broadcast).
	_, err = a.Allocate()
	require.NoError(t, err)

	_, err = a.Allocate()
	require.Error(t, err)
	var nerr *Error
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, CodeIpExhausted, nerr.Code)
}
