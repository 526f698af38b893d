package rpc

import (
	"bufio"
	"encoding/json"
	"net"
	"net/netip"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2a46m4/kawakaze/internal/bootstrap"
	"github.com/2a46m4/kawakaze/internal/build"
	"github.com/2a46m4/kawakaze/internal/jail"
	"github.com/2a46m4/kawakaze/internal/manager"
	"github.com/2a46m4/kawakaze/internal/netutil"
	"github.com/2a46m4/kawakaze/internal/store"
	"github.com/2a46m4/kawakaze/internal/zfs"
)

type fakeRunner struct {
	responses map[string]string
}

func newFakeRunner() *fakeRunner { return &fakeRunner{responses: make(map[string]string)} }

func (f *fakeRunner) key(name string, args ...string) string {
	return strings.Join(append([]string{name}, args...), " ")
}

func (f *fakeRunner) Run(name string, args ...string) (string, error) {
	if out, ok := f.responses[f.key(name, args...)]; ok {
		return out, nil
	}
	if name == "zpool" {
		return "zroot", nil
	}
	return "", nil
}

func (f *fakeRunner) RunWithInput(_ string, name string, args ...string) (string, error) {
	return f.Run(name, args...)
}

func newTestManager(t *testing.T) *manager.Manager {
	t.Helper()
	runner := newFakeRunner()
	z, err := zfs.NewWithRunner("zroot/kawakaze", runner)
	require.NoError(t, err)

	st, err := store.Open(filepath.Join(t.TempDir(), "kawakaze.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	jailMgr := jail.NewManagerWithRunner(nil, runner)
	netMgr := netutil.NewManager("kawakaze-bridge", "em0")
	builder := build.New(build.Deps{
		Zfs: z, Store: st, Bootstrap: bootstrap.New(t.TempDir()), BuildMountRoot: t.TempDir(),
	})
	ips, err := netutil.NewIPAllocator(netip.MustParsePrefix("10.11.0.0/24"), filepath.Join(t.TempDir(), "ips"))
	require.NoError(t, err)

	m := manager.New(manager.Deps{
		Store: st, Zfs: z, Net: netMgr, Jail: jailMgr, Bootstrap: bootstrap.New(t.TempDir()),
		Builder: builder, IPs: ips, ContainerCIDR: "10.11.0.0/24", JailRoot: t.TempDir(),
	})
	require.NoError(t, m.Reconcile())
	return m
}

// newTestServer starts a Server on a temp-dir Unix socket backed by a
// fresh test manager, and returns it alongside a roundTrip helper that
// sends one request and decodes the matching response, mirroring how a
// real client is expected to use the socket (§4.6: one request/response
// per connection).
func newTestServer(t *testing.T) (*Server, func(req Request) Response) {
	t.Helper()
	mgr := newTestManager(t)
	socketPath := filepath.Join(t.TempDir(), "kawakazed.sock")
	s := NewServer(mgr, socketPath)
	require.NoError(t, s.Listen())
	go s.Serve()
	t.Cleanup(func() { s.Close() })

	roundTrip := func(req Request) Response {
		conn, err := net.Dial("unix", socketPath)
		require.NoError(t, err)
		defer conn.Close()

		enc, err := json.Marshal(req)
		require.NoError(t, err)
		_, err = conn.Write(append(enc, '\n'))
		require.NoError(t, err)

		line, err := bufio.NewReader(conn).ReadString('\n')
		require.NoError(t, err)

		var resp Response
		require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(line)), &resp))
		return resp
	}
	return s, roundTrip
}

func TestJailLifecycleOverSocket(t *testing.T) {
	_, roundTrip := newTestServer(t)

	created := roundTrip(Request{Method: "post", Endpoint: "jails", Body: json.RawMessage(`{"name":"c1"}`)})
	require.Equal(t, 201, created.Status)
	require.Nil(t, created.Error)

	listed := roundTrip(Request{Method: "get", Endpoint: "jails"})
	assert.Equal(t, 200, listed.Status)

	got := roundTrip(Request{Method: "get", Endpoint: "jails/c1"})
	assert.Equal(t, 200, got.Status)

	deleted := roundTrip(Request{Method: "delete", Endpoint: "jails/c1"})
	assert.Equal(t, 200, deleted.Status)

	missing := roundTrip(Request{Method: "get", Endpoint: "jails/c1"})
	require.NotNil(t, missing.Error)
	assert.Equal(t, 404, missing.Status)
	assert.Equal(t, "JAIL_NOT_FOUND", missing.Error.Code)
}

func TestCreateJailDuplicateIsConflict(t *testing.T) {
	_, roundTrip := newTestServer(t)

	first := roundTrip(Request{Method: "post", Endpoint: "jails", Body: json.RawMessage(`{"name":"c1"}`)})
	require.Equal(t, 201, first.Status)

	dup := roundTrip(Request{Method: "post", Endpoint: "jails", Body: json.RawMessage(`{"name":"c1"}`)})
	require.NotNil(t, dup.Error)
	assert.Equal(t, 409, dup.Status)
	assert.Equal(t, "JAIL_ALREADY_EXISTS", dup.Error.Code)
}

func TestCreateJailInvalidNameIsBadRequest(t *testing.T) {
	_, roundTrip := newTestServer(t)

	resp := roundTrip(Request{Method: "post", Endpoint: "jails", Body: json.RawMessage(`{"name":"bad name"}`)})
	require.NotNil(t, resp.Error)
	assert.Equal(t, 400, resp.Status)
	assert.Equal(t, "BAD_REQUEST", resp.Error.Code)
}

func TestUnknownEndpointIsBadRequest(t *testing.T) {
	_, roundTrip := newTestServer(t)

	resp := roundTrip(Request{Method: "get", Endpoint: "widgets"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, 400, resp.Status)
	assert.Equal(t, "BAD_REQUEST", resp.Error.Code)
}

func TestMalformedJSONIsBadRequest(t *testing.T) {
	s, _ := newTestServer(t)

	// roundTrip re-encodes the request with json.Marshal, which rejects
	// an invalid RawMessage, so the malformed line is written directly.
	conn, err := net.Dial("unix", s.socketPath)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte(`{"method":"post","endpoint":"jails","body":not json}` + "\n"))
	require.NoError(t, err)
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	var resp Response
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(line)), &resp))

	require.NotNil(t, resp.Error)
	assert.Equal(t, 400, resp.Status)
}

func TestImageListAndNotFound(t *testing.T) {
	_, roundTrip := newTestServer(t)

	listed := roundTrip(Request{Method: "get", Endpoint: "images"})
	assert.Equal(t, 200, listed.Status)

	missing := roundTrip(Request{Method: "get", Endpoint: "images/ghost"})
	require.NotNil(t, missing.Error)
	assert.Equal(t, 404, missing.Status)
	assert.Equal(t, "IMAGE_NOT_FOUND", missing.Error.Code)
}

func TestBuildImageMissingNameIsBadRequest(t *testing.T) {
	_, roundTrip := newTestServer(t)

	resp := roundTrip(Request{Method: "post", Endpoint: "images/build", Body: json.RawMessage(`{"dockerfile":"FROM scratch"}`)})
	require.NotNil(t, resp.Error)
	assert.Equal(t, 400, resp.Status)
}

func TestContainerCreateRequiresImage(t *testing.T) {
	_, roundTrip := newTestServer(t)

	resp := roundTrip(Request{Method: "post", Endpoint: "containers/create", Body: json.RawMessage(`{"name":"c1"}`)})
	require.NotNil(t, resp.Error)
	assert.Equal(t, 400, resp.Status)
}

func TestContainerExecNotFoundIsMapped(t *testing.T) {
	_, roundTrip := newTestServer(t)

	resp := roundTrip(Request{
		Method: "post", Endpoint: "containers/ghost/exec",
		Body: json.RawMessage(`{"command":["echo","hi"]}`),
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, 404, resp.Status)
}

func TestBuildStatusUnknownImageIs404(t *testing.T) {
	_, roundTrip := newTestServer(t)

	resp := roundTrip(Request{Method: "get", Endpoint: "images/ghost/build/status"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, 404, resp.Status)
}

func TestBootstrapStatusWithoutRunIs404(t *testing.T) {
	_, roundTrip := newTestServer(t)

	created := roundTrip(Request{Method: "post", Endpoint: "jails", Body: json.RawMessage(`{"name":"c1"}`)})
	require.Equal(t, 201, created.Status)

	resp := roundTrip(Request{Method: "get", Endpoint: "jails/c1/bootstrap/status"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, 404, resp.Status)
}

func TestSystemInfoReportsCounts(t *testing.T) {
	_, roundTrip := newTestServer(t)

	created := roundTrip(Request{Method: "post", Endpoint: "jails", Body: json.RawMessage(`{"name":"c1"}`)})
	require.Equal(t, 201, created.Status)

	resp := roundTrip(Request{Method: "get", Endpoint: "system/info"})
	require.Nil(t, resp.Error)
	assert.Equal(t, 200, resp.Status)

	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, manager.Version, data["version"])
	assert.EqualValues(t, 1, data["jail_count"])
}

func TestCreateJailWithResourceLimits(t *testing.T) {
	_, roundTrip := newTestServer(t)

	resp := roundTrip(Request{
		Method: "post", Endpoint: "jails",
		Body: json.RawMessage(`{"name":"c1","resource_limits":{"memory_bytes":134217728}}`),
	})
	require.Nil(t, resp.Error)
	assert.Equal(t, 201, resp.Status)

	got := roundTrip(Request{Method: "get", Endpoint: "jails/c1"})
	assert.Equal(t, 200, got.Status)
	data, ok := got.Data.(map[string]interface{})
	require.True(t, ok)
	limits, ok := data["resource_limits"].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 134217728, limits["memory_bytes"])
}

func TestMapErrorPrefersConflictOverGenericInvalid(t *testing.T) {
	// manager error messages embed the error code name (e.g.
	// "InvalidState") in their text; a bare substring match on "invalid"
	// must not shadow the more specific in-progress/running/conflict
	// checks.
	resp := mapError(&testError{"manager: InvalidState: bootstrap already in progress for jail c1"}, "JAIL")
	assert.Equal(t, 409, resp.Status)
	assert.Equal(t, "CONFLICT", resp.Error.Code)
}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
