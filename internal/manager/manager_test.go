package manager

import (
	"net/netip"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2a46m4/kawakaze/internal/bootstrap"
	"github.com/2a46m4/kawakaze/internal/build"
	"github.com/2a46m4/kawakaze/internal/jail"
	"github.com/2a46m4/kawakaze/internal/netutil"
	"github.com/2a46m4/kawakaze/internal/store"
	"github.com/2a46m4/kawakaze/internal/types"
	"github.com/2a46m4/kawakaze/internal/zfs"
)

type fakeRunner struct {
	responses map[string]string
}

func newFakeRunner() *fakeRunner { return &fakeRunner{responses: make(map[string]string)} }

func (f *fakeRunner) key(name string, args ...string) string {
	return strings.Join(append([]string{name}, args...), " ")
}

func (f *fakeRunner) on(name string, args []string, out string) {
	f.responses[f.key(name, args...)] = out
}

func (f *fakeRunner) Run(name string, args ...string) (string, error) {
	if out, ok := f.responses[f.key(name, args...)]; ok {
		return out, nil
	}
	if name == "zpool" {
		return "zroot", nil
	}
	// ifconfig epair create prints the new pair's "a" side on FreeBSD.
	if f.key(name, args...) == "ifconfig epair create" {
		return "epair0a\n", nil
	}
	return "", nil
}

func (f *fakeRunner) RunWithInput(_ string, name string, args ...string) (string, error) {
	return f.Run(name, args...)
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	runner := newFakeRunner()
	z, err := zfs.NewWithRunner("zroot/kawakaze", runner)
	require.NoError(t, err)

	st, err := store.Open(filepath.Join(t.TempDir(), "kawakaze.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	jailMgr := jail.NewManagerWithRunner(nil, runner)
	netMgr := netutil.NewManagerWithRunner("kawakaze-bridge", "em0", runner)
	builder := build.New(build.Deps{
		Zfs: z, Store: st, Bootstrap: bootstrap.New(t.TempDir()), BuildMountRoot: t.TempDir(),
	})
	ips, err := netutil.NewIPAllocator(netip.MustParsePrefix("10.11.0.0/24"), filepath.Join(t.TempDir(), "ips"))
	require.NoError(t, err)

	m := New(Deps{
		Store: st, Zfs: z, Net: netMgr, Jail: jailMgr, Bootstrap: bootstrap.New(t.TempDir()),
		Builder: builder, IPs: ips, ContainerCIDR: "10.11.0.0/24", JailRoot: t.TempDir(),
	})
	require.NoError(t, m.Reconcile())
	return m
}

func TestCreateJailRejectsInvalidName(t *testing.T) {
	m := newTestManager(t)
	_, err := m.CreateJail(JailRequest{Name: "bad name"})
	require.Error(t, err)
	var merr *Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, CodeInvalidName, merr.Code)
}

func TestCreateJailRejectsDuplicate(t *testing.T) {
	m := newTestManager(t)
	_, err := m.CreateJail(JailRequest{Name: "c1"})
	require.NoError(t, err)

	_, err = m.CreateJail(JailRequest{Name: "c1"})
	require.Error(t, err)
	var merr *Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, CodeAlreadyExists, merr.Code)
}

func TestCreateJailWithIPReservesAddressAndEpair(t *testing.T) {
	m := newTestManager(t)

	j, err := m.CreateJail(JailRequest{Name: "net1", IPv4: "10.11.0.9"})
	require.NoError(t, err)
	assert.Equal(t, "epair0b", j.VnetInterface)
	assert.True(t, m.deps.IPs.Allocated(netip.MustParseAddr("10.11.0.9")))

	// removing the jail must hand the address back.
	require.NoError(t, m.RemoveJail("net1"))
	assert.False(t, m.deps.IPs.Allocated(netip.MustParseAddr("10.11.0.9")))
}

func TestCreateJailWithIPOutsideSubnetFails(t *testing.T) {
	m := newTestManager(t)
	_, err := m.CreateJail(JailRequest{Name: "net1", IPv4: "192.168.1.9"})
	require.Error(t, err)
	var merr *Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, CodeInvalidState, merr.Code)
}

func TestGetJailNotFound(t *testing.T) {
	m := newTestManager(t)
	_, err := m.GetJail("ghost")
	require.Error(t, err)
	var merr *Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, CodeNotFound, merr.Code)
}

func TestListJailsReturnsSnapshotNotAliased(t *testing.T) {
	m := newTestManager(t)
	j, err := m.CreateJail(JailRequest{Name: "c1"})
	require.NoError(t, err)

	list := m.ListJails()
	require.Len(t, list, 1)
	list[0].State = types.JailRunning // mutate the copy

	again, err := m.GetJail("c1")
	require.NoError(t, err)
	assert.Equal(t, types.JailCreated, again.State)
	assert.Equal(t, types.JailCreated, j.State)
}

func TestResolveImageByIDNameAndPrefix(t *testing.T) {
	m := newTestManager(t)
	img := &types.Image{ID: "abcdef12", Name: "myimage", State: types.ImageAvailable, Snapshot: "zroot/kawakaze/images/myimage@v1"}
	require.NoError(t, m.deps.Store.InsertImage(img))
	m.images[img.ID] = img

	byID, err := m.ResolveImage("abcdef12")
	require.NoError(t, err)
	assert.Equal(t, img.ID, byID.ID)

	byName, err := m.ResolveImage("myimage")
	require.NoError(t, err)
	assert.Equal(t, img.ID, byName.ID)

	byPrefix, err := m.ResolveImage("abcd")
	require.NoError(t, err)
	assert.Equal(t, img.ID, byPrefix.ID)

	_, err = m.ResolveImage("nope")
	require.Error(t, err)
}

func TestDeleteImageRejectsWhenContainerDependsOnIt(t *testing.T) {
	m := newTestManager(t)
	img := &types.Image{ID: "img-1", Name: "base", State: types.ImageAvailable, Snapshot: "zroot/kawakaze/images/base@v1"}
	require.NoError(t, m.deps.Store.InsertImage(img))
	m.images[img.ID] = img
	m.containers["c-1"] = &types.Container{ID: "c-1", ImageID: img.ID}

	err := m.DeleteImage("img-1")
	require.Error(t, err)
	var merr *Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, CodeInvalidState, merr.Code)
}

func TestDeleteImageRejectsWhenContainerDependsOnItInStoreOnly(t *testing.T) {
	// The dependent container here lives only in the store, not in
	// m.containers, covering the ListContainersByImage check that backs
	// up the in-memory map for rows loaded before the daemon's current
	// run (§9 open question 2).
	m := newTestManager(t)
	img := &types.Image{ID: "img-1", Name: "base", State: types.ImageAvailable, Snapshot: "zroot/kawakaze/images/base@v1"}
	require.NoError(t, m.deps.Store.InsertImage(img))
	m.images[img.ID] = img
	require.NoError(t, m.deps.Store.InsertContainer(&types.Container{
		ID: "c-1", ImageID: img.ID, JailName: "kawakaze-c1", State: types.ContainerStopped, RestartPolicy: types.RestartNo,
	}))

	err := m.DeleteImage("img-1")
	require.Error(t, err)
	var merr *Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, CodeInvalidState, merr.Code)
}

func TestCreateContainerRejectsUnavailableImage(t *testing.T) {
	m := newTestManager(t)
	img := &types.Image{ID: "img-1", Name: "building", State: types.ImageBuilding}
	require.NoError(t, m.deps.Store.InsertImage(img))
	m.images[img.ID] = img

	_, err := m.CreateContainer("", "building", nil, nil, types.RestartNo, nil)
	require.Error(t, err)
	var merr *Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, CodeImageNotAvailable, merr.Code)
}

func TestRemoveContainerRejectsWhileRunning(t *testing.T) {
	m := newTestManager(t)
	c := &types.Container{ID: "c-1", ImageID: "img-1", JailName: "kawakaze-c1", State: types.ContainerRunning}
	m.containers[c.ID] = c

	err := m.RemoveContainer("c-1")
	require.Error(t, err)
	var merr *Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, CodeInvalidState, merr.Code)
}

func TestBuildImageRejectsConcurrentBuildOfSameName(t *testing.T) {
	m := newTestManager(t)
	m.buildsInProgress["dup"] = true

	err := m.BuildImage(build.Request{ImageName: "dup", Dockerfile: "FROM scratch\n"})
	require.Error(t, err)
	var merr *Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, CodeBuildInProgress, merr.Code)
}

func TestReconcileDemotesRunningJailWithNoLiveJID(t *testing.T) {
	runner := newFakeRunner()
	z, err := zfs.NewWithRunner("zroot/kawakaze", runner)
	require.NoError(t, err)
	st, err := store.Open(filepath.Join(t.TempDir(), "kawakaze.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.InsertJail(&types.Jail{Name: "stale", State: types.JailRunning, JID: 9}))

	jailMgr := jail.NewManagerWithRunner(nil, runner) // GetJID falls back to `jls`, which the fake runner answers with ""
	m := New(Deps{Store: st, Zfs: z, Jail: jailMgr, JailRoot: t.TempDir()})
	require.NoError(t, m.Reconcile())

	j, err := m.GetJail("stale")
	require.NoError(t, err)
	assert.Equal(t, types.JailStopped, j.State)
	assert.Equal(t, -1, j.JID)
}

func TestReconcileLoadsJailsFromEveryState(t *testing.T) {
	// Reconcile now loads jails state-by-state via ListJailsByState rather
	// than a single ListJails call; confirm jails persisted in each of the
	// three states are all picked up into m.jails.
	runner := newFakeRunner()
	z, err := zfs.NewWithRunner("zroot/kawakaze", runner)
	require.NoError(t, err)
	st, err := store.Open(filepath.Join(t.TempDir(), "kawakaze.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.InsertJail(&types.Jail{Name: "stopped-one", State: types.JailStopped, JID: -1}))
	require.NoError(t, st.InsertJail(&types.Jail{Name: "created-one", State: types.JailCreated, JID: -1}))
	require.NoError(t, st.InsertJail(&types.Jail{Name: "running-one", State: types.JailRunning, JID: 0}))

	jailMgr := jail.NewManagerWithRunner(nil, runner)
	m := New(Deps{Store: st, Zfs: z, Jail: jailMgr, JailRoot: t.TempDir()})
	require.NoError(t, m.Reconcile())

	for _, name := range []string{"stopped-one", "created-one", "running-one"} {
		_, err := m.GetJail(name)
		require.NoErrorf(t, err, "expected jail %q to be loaded by Reconcile", name)
	}
}
