// Package jail drives the FreeBSD jail lifecycle (spec §4.1 "jail
// facade" / §4.6 lifecycle operations): creation (VNET and non-VNET
// paths), start/stop, devfs mounting, and optional rctl resource
// limits. The command-wrapper discipline and the split between a
// syscall fast path and a CLI fallback mirror the teacher's general
// approach of keeping every OS interaction behind a small seam
// (orbstack-swift-nio/scon/util/exec.go for the CLI side; LXC's own
// cgo bindings play the role our jail_set/jail_get syscalls play,
// abstracted the same way behind the teacher's util.Run calls).
package jail

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// ErrorCode enumerates the jail facade's closed error taxonomy (§7).
type ErrorCode string

const (
	CodeCreationFailed ErrorCode = "CreationFailed"
	CodeStartFailed    ErrorCode = "StartFailed"
	CodeStopFailed     ErrorCode = "StopFailed"
	CodeDestroyFailed  ErrorCode = "DestroyFailed"
	CodeInvalidState   ErrorCode = "InvalidState"
	CodeInvalidPath    ErrorCode = "InvalidPath"
)

// Error is the typed error returned by jail facade operations.
type Error struct {
	Code   ErrorCode
	Detail string
}

func (e *Error) Error() string { return fmt.Sprintf("jail: %s: %s", e.Code, e.Detail) }

func newErr(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Spec describes the parameters needed to create a jail.
type Spec struct {
	Name     string
	Path     string
	Hostname string
	VNET     bool
	// IPv4 is used for the non-VNET ip4.addr parameter set; ignored
	// when VNET is true (the address is instead assigned to the
	// jail-side epair interface after creation, see internal/netutil).
	IPv4 string
}

// ResourceLimits mirrors types.ResourceLimits; duplicated here to
// avoid an import cycle since internal/types has no business knowing
// about rctl syntax.
type ResourceLimits struct {
	MemoryBytes uint64
	CPUSet      string
}

// Runner executes a command and returns its combined stdout+stderr,
// the same seam used throughout this module's OS-facing packages.
type Runner interface {
	Run(name string, args ...string) (output string, err error)
}

type execRunner struct{}

func (execRunner) Run(name string, args ...string) (string, error) {
	logrus.WithField("args", args).Debugf("run: %s", name)
	out, err := exec.Command(name, args...).CombinedOutput()
	return string(out), err
}

// Backend is the low-level jail creation/teardown primitive, split
// out so non-VNET jails can use the jail_set(2)/jail_get(2)/
// jail_remove(2) syscalls directly (internal/jail/syscall_freebsd.go)
// while VNET jails — which need an interface reparented into the
// jail's network stack before jail_set can succeed — go through the
// jail(8) CLI, which handles that ordering internally via its exec.*
// hooks.
type Backend interface {
	// CreateNonVNET creates a jail without its own network stack and
	// returns its kernel JID.
	CreateNonVNET(spec Spec) (jid int, err error)
	// Remove tears down the jail identified by jid.
	Remove(jid int) error
	// GetJID looks up the live kernel JID for a jail by name, or
	// returns 0, nil if no such jail is currently running.
	GetJID(name string) (jid int, err error)
}

// Manager owns jail creation/start/stop/destroy and devfs mounting.
type Manager struct {
	runner  Runner
	backend Backend
}

// NewManager constructs a Manager. backend may be nil on non-FreeBSD
// build targets used only for unit testing the CLI-driven paths.
func NewManager(backend Backend) *Manager {
	return &Manager{runner: execRunner{}, backend: backend}
}

func newManagerWithRunner(backend Backend, runner Runner) *Manager {
	return &Manager{runner: runner, backend: backend}
}

// NewManagerWithRunner is the test-injectable constructor, exported so
// other packages' tests can exercise real callers of *Manager against
// a fake Runner without shelling out to jail(8)/jls(8).
func NewManagerWithRunner(backend Backend, runner Runner) *Manager {
	return newManagerWithRunner(backend, runner)
}

// MountDevfs mounts a devfs at path/dev with the jail ruleset applied,
// a prerequisite for almost any usable jail (§4.1).
func (m *Manager) MountDevfs(jailPath string) error {
	devPath := filepath.Join(jailPath, "dev")
	if err := os.MkdirAll(devPath, 0o755); err != nil {
		return newErr(CodeCreationFailed, "mkdir %s: %v", devPath, err)
	}
	_, err := m.runner.Run("mount", "-t", "devfs", "devfs", devPath)
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "already mounted") {
		return newErr(CodeCreationFailed, "mount devfs at %s: %v", devPath, err)
	}
	_, err = m.runner.Run("devfs", "-m", devPath, "rule", "-s", "4", "applyset")
	if err != nil {
		return newErr(CodeCreationFailed, "apply devfs ruleset at %s: %v", devPath, err)
	}
	return nil
}

// UnmountDevfs reverses MountDevfs, forcing the unmount and tolerating
// an already-unmounted devfs (§4.6: umount -f, ignore "not mounted").
func (m *Manager) UnmountDevfs(jailPath string) error {
	devPath := filepath.Join(jailPath, "dev")
	_, err := m.runner.Run("umount", "-f", devPath)
	if err != nil && !notMounted(err) {
		return newErr(CodeStopFailed, "unmount devfs at %s: %v", devPath, err)
	}
	return nil
}

func notMounted(err error) bool {
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "not currently mounted") || strings.Contains(lower, "not mounted") ||
		strings.Contains(lower, "no such file")
}

// MountFs mounts source onto dest with the given filesystem type
// (nullfs or zfs for container mounts), creating dest if needed.
func (m *Manager) MountFs(fsType, source, dest string, readOnly bool) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return newErr(CodeCreationFailed, "mkdir %s: %v", dest, err)
	}
	args := []string{"-t", fsType}
	if readOnly {
		args = append(args, "-o", "ro")
	}
	args = append(args, source, dest)
	if _, err := m.runner.Run("mount", args...); err != nil {
		return newErr(CodeCreationFailed, "mount %s on %s: %v", source, dest, err)
	}
	return nil
}

// UnmountFs reverses MountFs, tolerating an already-unmounted target.
func (m *Manager) UnmountFs(dest string) error {
	_, err := m.runner.Run("umount", "-f", dest)
	if err != nil && !notMounted(err) {
		return newErr(CodeStopFailed, "unmount %s: %v", dest, err)
	}
	return nil
}

// CreateVNET creates a VNET-enabled jail via the jail(8) CLI (the
// kernel requires the epair's jail-side interface to already exist
// before jail_set runs with vnet, so the CLI's own "exec.prestart"-
// style ordering is simpler to lean on here than reimplementing it
// over raw jail_set).
func (m *Manager) CreateVNET(spec Spec, jailSideIface string) (int, error) {
	args := []string{
		"-c",
		"name=" + spec.Name,
		"path=" + spec.Path,
		"host.hostname=" + spec.Hostname,
		"vnet",
		"vnet.interface=" + jailSideIface,
		"allow.raw_sockets=1",
		"persist",
	}
	if _, err := m.runner.Run("jail", args...); err != nil {
		return 0, newErr(CodeCreationFailed, "jail -c %s: %v", spec.Name, err)
	}
	return m.GetJID(spec.Name)
}

// CreateNonVNET creates a jail sharing the host's network stack
// (ip4.addr pinned to spec.IPv4), via the Backend's syscall path when
// available, falling back to the jail(8) CLI otherwise.
func (m *Manager) CreateNonVNET(spec Spec) (int, error) {
	if m.backend != nil {
		jid, err := m.backend.CreateNonVNET(spec)
		if err != nil {
			return 0, newErr(CodeCreationFailed, "jail_set %s: %v", spec.Name, err)
		}
		return jid, nil
	}

	args := []string{
		"-c",
		"name=" + spec.Name,
		"path=" + spec.Path,
		"host.hostname=" + spec.Hostname,
		"ip4.addr=" + spec.IPv4,
		"persist",
	}
	if _, err := m.runner.Run("jail", args...); err != nil {
		return 0, newErr(CodeCreationFailed, "jail -c %s: %v", spec.Name, err)
	}
	return m.GetJID(spec.Name)
}

// GetJID looks up the live kernel JID for name, returning 0 if the
// jail is not currently running (used during startup reconciliation).
func (m *Manager) GetJID(name string) (int, error) {
	if m.backend != nil {
		return m.backend.GetJID(name)
	}
	out, err := m.runner.Run("jls", "-j", name, "jid")
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "no such jail") {
			return 0, nil
		}
		return 0, newErr(CodeInvalidState, "jls %s: %v", name, err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return 0, nil
	}
	var jid int
	if _, err := fmt.Sscanf(out, "%d", &jid); err != nil {
		return 0, newErr(CodeInvalidState, "parse jls output %q: %v", out, err)
	}
	return jid, nil
}

// Destroy unmounts the jail's devfs and removes the kernel jail, in
// that order (§4.6: "On stop, unmount devfs ... then jail_remove").
func (m *Manager) Destroy(jid int, jailPath string) error {
	if err := m.UnmountDevfs(jailPath); err != nil {
		return err
	}
	if m.backend != nil {
		if err := m.backend.Remove(jid); err != nil {
			return newErr(CodeDestroyFailed, "jail_remove %d: %v", jid, err)
		}
		return nil
	}
	if _, err := m.runner.Run("jail", "-r", fmt.Sprintf("%d", jid)); err != nil {
		return newErr(CodeDestroyFailed, "jail -r %d: %v", jid, err)
	}
	return nil
}

// ExecResult is the captured outcome of a one-shot jexec invocation.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Exec runs argv inside the named jail via jexec(8), one-shot and
// capture-output only (§4.6 "Exec" / §9 "PTY / interactive exec" notes
// the daemon's own endpoint is never interactive). env is applied as
// additional KEY=VALUE pairs on top of the daemon's own environment;
// workdir, if set, is passed to jexec's -u/-d-equivalent via a `cd`
// prefix since jexec itself has no working-directory flag.
func (m *Manager) Exec(jailName string, argv []string, env map[string]string, workdir string) (ExecResult, error) {
	if len(argv) == 0 {
		return ExecResult{}, newErr(CodeInvalidState, "exec requires a non-empty command")
	}
	args := execArgv(jailName, argv, workdir)
	cmd := exec.Command("jexec", args...)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return ExecResult{}, newErr(CodeCreationFailed, "jexec %s: %v", jailName, err)
		}
	}
	return ExecResult{ExitCode: exitCode, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// execArgv builds the full `jexec` argv for running argv inside
// jailName, wrapping it in a `cd workdir && exec ...` shell prefix when
// a working directory is requested (jexec itself has no -d-equivalent
// flag). Pure and side-effect-free so it can be unit tested without
// spawning a process.
func execArgv(jailName string, argv []string, workdir string) []string {
	cmdArgv := argv
	if workdir != "" {
		cmdArgv = append([]string{"/bin/sh", "-c", fmt.Sprintf("cd %s && exec \"$@\"", shellQuote(workdir)), "sh"}, argv...)
	}
	return append([]string{jailName}, cmdArgv...)
}

// ApplyResourceLimits applies an optional best-effort rctl(8) resource
// rule set to a running jail (supplemented feature, carried over from
// original_source: a missing rctl binary or an unsupported kernel
// option logs and continues rather than failing jail creation).
func (m *Manager) ApplyResourceLimits(jailName string, limits *ResourceLimits) {
	if limits == nil {
		return
	}
	if limits.MemoryBytes > 0 {
		rule := fmt.Sprintf("jail:%s:memoryuse:deny=%d", jailName, limits.MemoryBytes)
		if _, err := m.runner.Run("rctl", "-a", rule); err != nil {
			logrus.WithError(err).WithField("jail", jailName).Warn("failed to apply memory rctl rule, continuing without it")
		}
	}
	if limits.CPUSet != "" {
		if _, err := m.runner.Run("cpuset", "-l", limits.CPUSet, "-j", jailName); err != nil {
			logrus.WithError(err).WithField("jail", jailName).Warn("failed to apply cpuset, continuing without it")
		}
	}
}
