package jail

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	calls     [][]string
	responses map[string]fakeResponse
}

type fakeResponse struct {
	out string
	err error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{responses: make(map[string]fakeResponse)}
}

func (f *fakeRunner) key(name string, args ...string) string {
	return name + " " + strings.Join(args, " ")
}

func (f *fakeRunner) on(name string, args []string, out string, err error) {
	f.responses[f.key(name, args...)] = fakeResponse{out: out, err: err}
}

func (f *fakeRunner) Run(name string, args ...string) (string, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if resp, ok := f.responses[f.key(name, args...)]; ok {
		return resp.out, resp.err
	}
	return "", nil
}

type fakeBackend struct {
	createCalls []Spec
	removeCalls []int
	jidByName   map[string]int
	createErr   error
}

func (b *fakeBackend) CreateNonVNET(spec Spec) (int, error) {
	b.createCalls = append(b.createCalls, spec)
	if b.createErr != nil {
		return 0, b.createErr
	}
	return 42, nil
}

func (b *fakeBackend) Remove(jid int) error {
	b.removeCalls = append(b.removeCalls, jid)
	return nil
}

func (b *fakeBackend) GetJID(name string) (int, error) {
	if jid, ok := b.jidByName[name]; ok {
		return jid, nil
	}
	return 0, nil
}

func TestCreateVNETUsesJailCLI(t *testing.T) {
	runner := newFakeRunner()
	runner.on("jail", []string{
		"-c", "name=c1", "path=/var/db/kawakaze/containers/c1", "host.hostname=c1",
		"vnet", "vnet.interface=epair0b", "allow.raw_sockets=1", "persist",
	}, "", nil)
	runner.on("jls", []string{"-j", "c1", "jid"}, "7\n", nil)

	m := newManagerWithRunner(nil, runner)
	jid, err := m.CreateVNET(Spec{Name: "c1", Path: "/var/db/kawakaze/containers/c1", Hostname: "c1"}, "epair0b")
	require.NoError(t, err)
	assert.Equal(t, 7, jid)
}

func TestCreateNonVNETPrefersBackendWhenPresent(t *testing.T) {
	runner := newFakeRunner()
	backend := &fakeBackend{}
	m := newManagerWithRunner(backend, runner)

	jid, err := m.CreateNonVNET(Spec{Name: "c1", Path: "/jails/c1", Hostname: "c1", IPv4: "10.11.0.5"})
	require.NoError(t, err)
	assert.Equal(t, 42, jid)
	require.Len(t, backend.createCalls, 1)
	assert.Equal(t, "10.11.0.5", backend.createCalls[0].IPv4)
	assert.Empty(t, runner.calls)
}

func TestCreateNonVNETFallsBackToCLIWithoutBackend(t *testing.T) {
	runner := newFakeRunner()
	runner.on("jail", []string{
		"-c", "name=c1", "path=/jails/c1", "host.hostname=c1", "ip4.addr=10.11.0.5", "persist",
	}, "", nil)
	runner.on("jls", []string{"-j", "c1", "jid"}, "3\n", nil)

	m := newManagerWithRunner(nil, runner)
	jid, err := m.CreateNonVNET(Spec{Name: "c1", Path: "/jails/c1", Hostname: "c1", IPv4: "10.11.0.5"})
	require.NoError(t, err)
	assert.Equal(t, 3, jid)
}

func TestGetJIDReturnsZeroWhenNotFound(t *testing.T) {
	runner := newFakeRunner()
	runner.on("jls", []string{"-j", "ghost", "jid"}, "", fmt.Errorf("jls: no such jail: ghost"))
	m := newManagerWithRunner(nil, runner)

	jid, err := m.GetJID("ghost")
	require.NoError(t, err)
	assert.Equal(t, 0, jid)
}

func TestDestroyUsesBackendRemoveAndUnmountsDevfs(t *testing.T) {
	runner := newFakeRunner()
	backend := &fakeBackend{}
	m := newManagerWithRunner(backend, runner)

	require.NoError(t, m.Destroy(42, "/jails/c1"))
	assert.Equal(t, []int{42}, backend.removeCalls)

	var sawUmount bool
	for _, call := range runner.calls {
		if len(call) >= 3 && call[0] == "umount" && call[1] == "-f" && call[2] == "/jails/c1/dev" {
			sawUmount = true
		}
	}
	assert.True(t, sawUmount)
}

func TestMountFsReadOnlyPassesRoOption(t *testing.T) {
	runner := newFakeRunner()
	m := newManagerWithRunner(nil, runner)
	dest := t.TempDir()

	require.NoError(t, m.MountFs("nullfs", "/data/src", dest, true))
	require.Len(t, runner.calls, 1)
	assert.Equal(t, []string{"mount", "-t", "nullfs", "-o", "ro", "/data/src", dest}, runner.calls[0])
}

func TestUnmountFsToleratesNotMounted(t *testing.T) {
	runner := newFakeRunner()
	runner.on("umount", []string{"-f", "/jails/c1/data"}, "", fmt.Errorf("umount: /jails/c1/data: not a file system root directory, not currently mounted"))
	m := newManagerWithRunner(nil, runner)
	require.NoError(t, m.UnmountFs("/jails/c1/data"))
}

func TestApplyResourceLimitsNilIsNoop(t *testing.T) {
	runner := newFakeRunner()
	m := newManagerWithRunner(nil, runner)
	m.ApplyResourceLimits("c1", nil)
	assert.Empty(t, runner.calls)
}

func TestApplyResourceLimitsContinuesOnRctlFailure(t *testing.T) {
	runner := newFakeRunner()
	runner.on("rctl", []string{"-a", "jail:c1:memoryuse:deny=1048576"}, "", fmt.Errorf("rctl: rctl is not available"))
	m := newManagerWithRunner(nil, runner)

	// must not panic and must not return an error (ApplyResourceLimits is void).
	m.ApplyResourceLimits("c1", &ResourceLimits{MemoryBytes: 1 << 20})
	require.Len(t, runner.calls, 1)
}

func TestExecArgvWithoutWorkdir(t *testing.T) {
	args := execArgv("c1", []string{"echo", "hi"}, "")
	assert.Equal(t, []string{"c1", "echo", "hi"}, args)
}

func TestExecArgvWithWorkdirWrapsInShell(t *testing.T) {
	args := execArgv("c1", []string{"echo", "hi"}, "/srv/app")
	require.Equal(t, []string{"c1", "/bin/sh", "-c", "cd '/srv/app' && exec \"$@\"", "sh", "echo", "hi"}, args)
}

func TestExecRejectsEmptyCommand(t *testing.T) {
	m := newManagerWithRunner(nil, newFakeRunner())
	_, err := m.Exec("c1", nil, nil, "")
	require.Error(t, err)
	var jerr *Error
	require.ErrorAs(t, err, &jerr)
	assert.Equal(t, CodeInvalidState, jerr.Code)
}
