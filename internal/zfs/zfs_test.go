package zfs

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

func newTestZfs(t *testing.T, runner *fakeRunner) *Zfs {
	t.Helper()
	z, err := newWithRunner("zroot/kawakaze", runner)
	require.NoError(t, err)
	return z
}

func TestNewVerifiesPool(t *testing.T) {
	runner := newFakeRunner()
	newTestZfs(t, runner)
	require.Len(t, runner.calls, 1)
	assert.Equal(t, []string{"zpool", "list", "-H", "zroot"}, runner.calls[0])
}

func TestNewFailsWhenPoolMissing(t *testing.T) {
	runner := newFakeRunner()
	runner.on("zpool", []string{"list", "-H", "zroot"}, "", fmt.Errorf("no such pool"))
	_, err := newWithRunner("zroot/kawakaze", runner)
	require.Error(t, err)
}

func TestDatasetExistsNeverErrors(t *testing.T) {
	runner := newFakeRunner()
	z := newTestZfs(t, runner)
	runner.on("zfs", []string{"list", "-H", "zroot/kawakaze/images/x"}, "", fmt.Errorf("dataset does not exist"))
	assert.False(t, z.DatasetExists("zroot/kawakaze/images/x"))
}

func TestCreateSnapshot(t *testing.T) {
	runner := newFakeRunner()
	z := newTestZfs(t, runner)
	snap, err := z.CreateSnapshot("zroot/kawakaze/images/x", "v1")
	require.NoError(t, err)
	assert.Equal(t, "zroot/kawakaze/images/x@v1", snap)
}

func TestCloneSnapshotRejectsNonSnapshot(t *testing.T) {
	runner := newFakeRunner()
	z := newTestZfs(t, runner)
	err := z.CloneSnapshot("zroot/kawakaze/images/x", "zroot/kawakaze/containers/y")
	require.Error(t, err)
	var zerr *Error
	require.ErrorAs(t, err, &zerr)
	assert.Equal(t, CodeInvalidSnapshot, zerr.Code)
}

func TestParseSizeSuffixes(t *testing.T) {
	cases := map[string]uint64{
		"0":     0,
		"-":     0,
		"1024":  1024,
		"1K":    1024,
		"1M":    1 << 20,
		"1.5G":  uint64(1.5 * (1 << 30)),
	}
	for raw, want := range cases {
		got, err := parseSize(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
}

func TestGetUsedSpaceParsesSize(t *testing.T) {
	runner := newFakeRunner()
	z := newTestZfs(t, runner)
	runner.on("zfs", []string{"get", "-Hp", "-o", "value", "used", "zroot/kawakaze/images/x"}, "1048576\n", nil)
	used, err := z.GetUsedSpace("zroot/kawakaze/images/x")
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<20), used)
}

func TestDatasetPathHelpersUseRootDataset(t *testing.T) {
	runner := newFakeRunner()
	z := newTestZfs(t, runner)
	assert.Equal(t, "zroot/kawakaze/images/myapp", z.ImageDataset("myapp"))
	assert.Equal(t, "zroot/kawakaze/containers/abc12345", z.ContainerDataset("abc12345"))
	assert.Equal(t, "zroot/kawakaze/build-myapp", z.BuildDataset("myapp"))
}

func TestClassifyErrorCodes(t *testing.T) {
	assert.Equal(t, CodeDatasetNotFound, classifyError("cannot open 'x': dataset does not exist", fmt.Errorf("x")).(*Error).Code)
	assert.Equal(t, CodeDatasetExists, classifyError("cannot create 'x': dataset already exists", fmt.Errorf("x")).(*Error).Code)
	assert.Equal(t, CodeCommandFailed, classifyError("boom", fmt.Errorf("x")).(*Error).Code)
}
