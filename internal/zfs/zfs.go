// Package zfs is a thin, synchronous wrapper around the zfs(8)/zpool(8)
// command-line tools (spec §4.1). It never shell-interprets its
// arguments: every invocation is exec.Command(name, args...), the same
// discipline the reference pack uses for btrfs
// (orbstack-swift-nio/scon/util/btrfs) and for every other
// externally-shelled-out tool (orbstack-swift-nio/scon/util/exec.go).
package zfs

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// ErrorCode enumerates the ZFS driver's closed error taxonomy (§7).
type ErrorCode string

const (
	CodeCommandFailed    ErrorCode = "CommandFailed"
	CodeDatasetNotFound  ErrorCode = "DatasetNotFound"
	CodeDatasetExists    ErrorCode = "DatasetExists"
	CodeSnapshotNotFound ErrorCode = "SnapshotNotFound"
	CodeInvalidPath      ErrorCode = "InvalidPath"
	CodeInvalidSnapshot  ErrorCode = "InvalidSnapshot"
	CodeIO               ErrorCode = "Io"
	CodeUtf8Error        ErrorCode = "Utf8Error"
)

// Error is the typed error returned by driver operations.
type Error struct {
	Code   ErrorCode
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("zfs: %s: %s", e.Code, e.Detail)
}

func newErr(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Runner executes a command and returns its combined stdout+stderr.
// Production code uses execRunner; tests substitute a fake, the same
// seam the reference pack gets for free by routing everything through
// util.Run/util.RunWithOutput.
type Runner interface {
	Run(name string, args ...string) (output string, err error)
}

type execRunner struct{}

func (execRunner) Run(name string, args ...string) (string, error) {
	logrus.WithField("args", args).Debugf("run: %s", name)
	cmd := exec.Command(name, args...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// Zfs is a handle bound to a root dataset (e.g. zroot/kawakaze); the
// pool it lives in is verified to exist at construction time, and all
// image/container/build dataset paths are derived under the root.
type Zfs struct {
	pool   string
	root   string
	runner Runner
}

// New verifies that the pool named by the first path component of
// rootDataset exists, then returns a handle scoped to it.
func New(rootDataset string) (*Zfs, error) {
	return newWithRunner(rootDataset, execRunner{})
}

// NewWithRunner is the test-injectable constructor, exported so other
// packages' tests can exercise real callers of *Zfs against a fake
// Runner without shelling out to zfs(8)/zpool(8).
func NewWithRunner(rootDataset string, runner Runner) (*Zfs, error) {
	return newWithRunner(rootDataset, runner)
}

func newWithRunner(rootDataset string, runner Runner) (*Zfs, error) {
	pool := strings.SplitN(rootDataset, "/", 2)[0]
	if pool == "" {
		return nil, newErr(CodeInvalidPath, "empty pool name")
	}
	z := &Zfs{pool: pool, root: strings.Trim(rootDataset, "/"), runner: runner}
	if err := z.verifyPool(); err != nil {
		return nil, err
	}
	return z, nil
}

func (z *Zfs) verifyPool() error {
	_, err := z.runner.Run("zpool", "list", "-H", z.pool)
	if err != nil {
		return newErr(CodeCommandFailed, "pool %q not found: %v", z.pool, err)
	}
	return nil
}

// Pool returns the pool name this handle is bound to.
func (z *Zfs) Pool() string { return z.pool }

// Root returns the root dataset this handle derives paths under.
func (z *Zfs) Root() string { return z.root }

func (z *Zfs) run(args ...string) (string, error) {
	out, err := z.runner.Run("zfs", args...)
	if err != nil {
		return out, classifyError(out, err)
	}
	return out, nil
}

func classifyError(output string, err error) error {
	lower := strings.ToLower(output)
	switch {
	case strings.Contains(lower, "dataset does not exist"):
		return newErr(CodeDatasetNotFound, strings.TrimSpace(output))
	case strings.Contains(lower, "already exists"):
		return newErr(CodeDatasetExists, strings.TrimSpace(output))
	case strings.Contains(lower, "could not find any snapshots"):
		return newErr(CodeSnapshotNotFound, strings.TrimSpace(output))
	case strings.Contains(lower, "invalid dataset name"):
		return newErr(CodeInvalidPath, strings.TrimSpace(output))
	default:
		return newErr(CodeCommandFailed, "%v: %s", err, strings.TrimSpace(output))
	}
}

func ancestors(datasetPath string) []string {
	parts := strings.Split(datasetPath, "/")
	var out []string
	for i := 1; i < len(parts); i++ {
		out = append(out, strings.Join(parts[:i], "/"))
	}
	return out
}

// CreateDataset creates datasetPath with canmount=off, creating any
// missing ancestor datasets first (also canmount=off, §4.1).
func (z *Zfs) CreateDataset(datasetPath string) error {
	for _, ancestor := range ancestors(datasetPath) {
		if z.DatasetExists(ancestor) {
			continue
		}
		if _, err := z.run("create", "-o", "canmount=off", ancestor); err != nil {
			var zerr *Error
			if errors.As(err, &zerr) && zerr.Code == CodeDatasetExists {
				continue
			}
			return err
		}
	}
	_, err := z.run("create", "-o", "canmount=off", datasetPath)
	return err
}

// MountDataset mounts datasetPath at mountpoint, ensuring the directory
// exists and tolerating an "already mounted" error.
func (z *Zfs) MountDataset(datasetPath, mountpoint string) error {
	if err := os.MkdirAll(mountpoint, 0o755); err != nil {
		return newErr(CodeIO, "mkdir %s: %v", mountpoint, err)
	}
	if _, err := z.run("set", "mountpoint="+mountpoint, datasetPath); err != nil {
		return err
	}
	if _, err := z.run("set", "canmount=on", datasetPath); err != nil {
		return err
	}
	_, err := z.run("mount", datasetPath)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "already mounted") {
		return nil
	}
	return err
}

// UnmountDataset unmounts datasetPath and sets canmount=off.
func (z *Zfs) UnmountDataset(datasetPath string) error {
	_, err := z.run("unmount", datasetPath)
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "not currently mounted") {
		return err
	}
	_, err = z.run("set", "canmount=off", datasetPath)
	return err
}

// CreateSnapshot creates datasetPath@snapName.
func (z *Zfs) CreateSnapshot(datasetPath, snapName string) (string, error) {
	snap := datasetPath + "@" + snapName
	_, err := z.run("snapshot", snap)
	if err != nil {
		return "", err
	}
	return snap, nil
}

// CloneSnapshot clones snapshot ("dataset@snap") into targetPath.
func (z *Zfs) CloneSnapshot(snapshot, targetPath string) error {
	if !strings.Contains(snapshot, "@") {
		return newErr(CodeInvalidSnapshot, "%q is not a snapshot", snapshot)
	}
	_, err := z.run("clone", snapshot, targetPath)
	return err
}

// Destroy recursively destroys datasetOrSnapshot.
func (z *Zfs) Destroy(datasetOrSnapshot string) error {
	_, err := z.run("destroy", "-r", datasetOrSnapshot)
	return err
}

// Rename renames a dataset.
func (z *Zfs) Rename(oldPath, newPath string) error {
	_, err := z.run("rename", oldPath, newPath)
	return err
}

// Promote promotes a cloned dataset, reparenting it with its origin.
func (z *Zfs) Promote(datasetPath string) error {
	_, err := z.run("promote", datasetPath)
	return err
}

// Rollback recursively rolls a dataset back to snapshot.
func (z *Zfs) Rollback(snapshot string) error {
	_, err := z.run("rollback", "-r", snapshot)
	return err
}

// GetMountpoint returns the mountpoint property of datasetPath.
func (z *Zfs) GetMountpoint(datasetPath string) (string, error) {
	return z.GetProperty(datasetPath, "mountpoint")
}

// GetUsedSpace returns the "used" property of datasetPath in bytes,
// asking zfs for parsable (-p) output and falling back to suffix
// parsing for odd values.
func (z *Zfs) GetUsedSpace(datasetPath string) (uint64, error) {
	return z.getSpaceProperty(datasetPath, "used")
}

// GetAvailableSpace returns the "available" property of datasetPath in
// bytes.
func (z *Zfs) GetAvailableSpace(datasetPath string) (uint64, error) {
	return z.getSpaceProperty(datasetPath, "available")
}

func (z *Zfs) getSpaceProperty(datasetPath, key string) (uint64, error) {
	out, err := z.run("get", "-Hp", "-o", "value", key, datasetPath)
	if err != nil {
		return 0, err
	}
	return parseSize(strings.TrimSpace(out))
}

// parseSize parses a ZFS human-readable size (e.g. "1.5G", "512K",
// "1024", "-") into bytes.
func parseSize(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "-" {
		return 0, nil
	}
	multiplier := uint64(1)
	suffix := raw[len(raw)-1]
	numPart := raw
	switch suffix {
	case 'K', 'k':
		multiplier = 1 << 10
		numPart = raw[:len(raw)-1]
	case 'M', 'm':
		multiplier = 1 << 20
		numPart = raw[:len(raw)-1]
	case 'G', 'g':
		multiplier = 1 << 30
		numPart = raw[:len(raw)-1]
	case 'T', 't':
		multiplier = 1 << 40
		numPart = raw[:len(raw)-1]
	}
	f, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, newErr(CodeCommandFailed, "unparsable size %q: %v", raw, err)
	}
	return uint64(f * float64(multiplier)), nil
}

// ListSnapshots lists snapshots of datasetPath.
func (z *Zfs) ListSnapshots(datasetPath string) ([]string, error) {
	out, err := z.run("list", "-H", "-t", "snapshot", "-o", "name", "-r", datasetPath)
	if err != nil {
		return nil, err
	}
	var snaps []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			snaps = append(snaps, line)
		}
	}
	return snaps, nil
}

// DatasetExists reports whether datasetPath exists. Existence checks
// never return errors (§4.1).
func (z *Zfs) DatasetExists(datasetPath string) bool {
	_, err := z.runner.Run("zfs", "list", "-H", datasetPath)
	return err == nil
}

// SnapshotExists reports whether the snapshot exists.
func (z *Zfs) SnapshotExists(snapshot string) bool {
	_, err := z.runner.Run("zfs", "list", "-H", "-t", "snapshot", snapshot)
	return err == nil
}

// SetProperty sets a ZFS property on datasetPath.
func (z *Zfs) SetProperty(datasetPath, key, value string) error {
	_, err := z.run("set", key+"="+value, datasetPath)
	return err
}

// GetProperty reads a ZFS property from datasetPath.
func (z *Zfs) GetProperty(datasetPath, key string) (string, error) {
	out, err := z.run("get", "-H", "-o", "value", key, datasetPath)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ImageDataset returns the canonical dataset path for an image name
// under the root dataset (§6 persisted state layout).
func (z *Zfs) ImageDataset(sanitizedName string) string {
	return path.Join(z.root, "images", sanitizedName)
}

// ContainerDataset returns the canonical dataset path for a container
// id-prefix under the root dataset.
func (z *Zfs) ContainerDataset(idPrefix string) string {
	return path.Join(z.root, "containers", idPrefix)
}

// BuildDataset returns the canonical scratch dataset path for a build
// in progress under the root dataset.
func (z *Zfs) BuildDataset(sanitizedName string) string {
	return path.Join(z.root, "build-"+sanitizedName)
}
