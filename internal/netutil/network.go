package netutil

import (
	"fmt"
	"net/netip"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Runner executes a command and returns its combined stdout+stderr,
// without shell interpretation — the same seam used by internal/zfs.
type Runner interface {
	Run(name string, args ...string) (output string, err error)
	// RunWithInput behaves like Run but feeds input on the child's
	// stdin, used to hand a generated ruleset to pfctl -f -.
	RunWithInput(input string, name string, args ...string) (output string, err error)
}

type execRunner struct{}

func (execRunner) Run(name string, args ...string) (string, error) {
	logrus.WithField("args", args).Debugf("run: %s", name)
	cmd := exec.Command(name, args...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func (execRunner) RunWithInput(input string, name string, args ...string) (string, error) {
	logrus.WithField("args", args).Debugf("run (stdin): %s", name)
	cmd := exec.Command(name, args...)
	cmd.Stdin = strings.NewReader(input)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// DetectExternalInterface parses `netstat -nr -f inet` and returns the
// interface column (index 3) of the first row whose destination is
// "default" or "0.0.0.0" (§4.3: "<ext_if> is derived by parsing
// netstat -nr -f inet ... column index 3 of the first line starting
// with default or 0.0.0.0").
func DetectExternalInterface() (string, error) {
	return detectExternalInterface(execRunner{})
}

func detectExternalInterface(runner Runner) (string, error) {
	out, err := runner.Run("netstat", "-nr", "-f", "inet")
	if err != nil {
		return "", fmt.Errorf("netstat -nr -f inet: %w", err)
	}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		if fields[0] == "default" || fields[0] == "0.0.0.0" {
			return fields[3], nil
		}
	}
	return "", fmt.Errorf("no default route found in netstat output")
}

// Names of the anchors kawakazed owns within pf.conf (§4.3). The host's
// own pf.conf must "anchor" these names; kawakazed only ever loads
// rules into them, the way the reference pack scopes all of its
// firewall state to chains/tables it creates and tears down itself
// (orbstack-swift-nio/scon/nft/chain.go).
const (
	NatAnchor        = "kawakaze"
	ForwardingAnchor = "kawakaze_forwarding"
)

// PortForward describes one host-port -> container-port redirect rule.
type PortForward struct {
	HostPort      uint16
	ContainerIP   netip.Addr
	ContainerPort uint16
	Protocol      string // "tcp" or "udp"
}

func (p PortForward) rdrRule(bridgeName string) string {
	return fmt.Sprintf(
		"rdr pass on %s inet proto %s from any to any port %d -> %s port %d",
		bridgeName, p.Protocol, p.HostPort, p.ContainerIP, p.ContainerPort,
	)
}

// Manager owns the bridge interface, the pf anchors, and the set of
// active port forwards. Its shape — a struct bundling the OS-level
// handle with a mutex-guarded map of active rules plus
// EnableNAT/DisableNAT lifecycle methods — follows the reference pack's Network type
// (orbstack-swift-nio/scon/network.go), translated from
// netlink/iptables primitives to ifconfig/pfctl ones.
type Manager struct {
	runner     Runner
	bridgeName string
	extIface   string

	mu       sync.Mutex
	forwards map[uint16]PortForward
	started  bool
}

// NewManager constructs a Manager bound to bridgeName, using extIface
// as the egress interface for NAT and port forwarding.
func NewManager(bridgeName, extIface string) *Manager {
	return newManagerWithRunner(bridgeName, extIface, execRunner{})
}

// NewManagerWithRunner is the test-injectable constructor, exported so
// other packages' tests can exercise real callers of *Manager against
// a fake Runner without touching interfaces or pf.
func NewManagerWithRunner(bridgeName, extIface string, runner Runner) *Manager {
	return newManagerWithRunner(bridgeName, extIface, runner)
}

func newManagerWithRunner(bridgeName, extIface string, runner Runner) *Manager {
	return &Manager{
		runner:     runner,
		bridgeName: bridgeName,
		extIface:   extIface,
		forwards:   make(map[uint16]PortForward),
	}
}

// EnsureBridge creates the bridge interface if it does not already
// exist and assigns it gatewayCIDR (the first usable address in the
// container subnet, per §4.3).
func (m *Manager) EnsureBridge(gatewayCIDR string) error {
	out, err := m.runner.Run("ifconfig", m.bridgeName)
	if err == nil && strings.Contains(out, m.bridgeName) {
		return m.configureBridge(gatewayCIDR)
	}

	if _, err := m.runner.Run("ifconfig", "bridge", "create", "name", m.bridgeName); err != nil {
		return newErr(CodeBridgeCreationFailed, "create %s: %v", m.bridgeName, err)
	}
	return m.configureBridge(gatewayCIDR)
}

func (m *Manager) configureBridge(gatewayCIDR string) error {
	if _, err := m.runner.Run("ifconfig", m.bridgeName, "inet", gatewayCIDR); err != nil {
		return newErr(CodeBridgeCreationFailed, "assign %s to %s: %v", gatewayCIDR, m.bridgeName, err)
	}
	if _, err := m.runner.Run("ifconfig", m.bridgeName, "up"); err != nil {
		return newErr(CodeBridgeCreationFailed, "up %s: %v", m.bridgeName, err)
	}
	return nil
}

// DestroyBridge tears down the bridge interface.
func (m *Manager) DestroyBridge() error {
	_, err := m.runner.Run("ifconfig", m.bridgeName, "destroy")
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "no such") {
		return newErr(CodeBridgeCreationFailed, "destroy %s: %v", m.bridgeName, err)
	}
	return nil
}

// CreateEpair creates an epair(4) pair for a jail, attaches the "a"
// side to the bridge, and returns the "b" side's name (the one to be
// handed to the jail via vnet.interface). FreeBSD assigns the epairN
// name itself and prints the "a" side on create; kawakazed just reads
// back whatever it picked.
func (m *Manager) CreateEpair(idPrefix string) (hostSide, jailSide string, err error) {
	out, runErr := m.runner.Run("ifconfig", "epair", "create")
	if runErr != nil {
		return "", "", newErr(CodeEpairCreationFailed, "create epair for %s: %v", idPrefix, runErr)
	}
	created := strings.TrimSpace(out)
	if created == "" {
		return "", "", newErr(CodeEpairCreationFailed, "empty epair name for %s", idPrefix)
	}
	base := strings.TrimSuffix(created, "a")
	aSide := base + "a"
	bSide := base + "b"

	if _, err := m.runner.Run("ifconfig", aSide, "up"); err != nil {
		return "", "", newErr(CodeEpairCreationFailed, "up %s: %v", aSide, err)
	}
	if _, err := m.runner.Run("ifconfig", m.bridgeName, "addm", aSide); err != nil {
		return "", "", newErr(CodeEpairAttachmentFailed, "attach %s to %s: %v", aSide, m.bridgeName, err)
	}
	return aSide, bSide, nil
}

// EpairHostSide derives an epair's host-side ("a") interface name from
// its jail-side ("b") name, the inverse of the split CreateEpair does
// when it reads back whatever ifconfig picked. Used to release an
// epair knowing only the jail-side name persisted on the Jail record.
func EpairHostSide(jailSide string) string {
	return strings.TrimSuffix(jailSide, "b") + "a"
}

// DestroyEpair destroys the host side of an epair pair (FreeBSD tears
// down both sides together).
func (m *Manager) DestroyEpair(hostSide string) error {
	_, err := m.runner.Run("ifconfig", hostSide, "destroy")
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "no such") {
		return newErr(CodeEpairCreationFailed, "destroy %s: %v", hostSide, err)
	}
	return nil
}

// natRules renders the masquerade rule for the kawakaze NAT anchor.
func (m *Manager) natRules(subnetCIDR string) string {
	return fmt.Sprintf("nat on %s from %s to any -> (%s)\n", m.extIface, subnetCIDR, m.extIface)
}

// forwardingRules renders the rdr ruleset for the kawakaze_forwarding
// sub-anchor from the currently active port forwards, in host-port
// order so reloads are deterministic.
func (m *Manager) forwardingRules() string {
	ports := make([]int, 0, len(m.forwards))
	for p := range m.forwards {
		ports = append(ports, int(p))
	}
	sort.Ints(ports)
	var b strings.Builder
	for _, p := range ports {
		b.WriteString(m.forwards[uint16(p)].rdrRule(m.bridgeName))
		b.WriteByte('\n')
	}
	return b.String()
}

// applyForwarding replaces the kawakaze_forwarding anchor body with
// the current redirect set via a single pfctl -f - invocation — the
// rough equivalent of the reference pack's single ApplyConfig call
// that rewrites an entire nftables table atomically
// (orbstack-swift-nio/scon/nft/nft.go).
func (m *Manager) applyForwarding() error {
	_, err := m.runner.RunWithInput(m.forwardingRules(), "pfctl", "-a", ForwardingAnchor, "-f", "-")
	if err != nil {
		return newErr(CodePfError, "load anchor %s: %v", ForwardingAnchor, err)
	}
	return nil
}

// EnableNAT enables IP forwarding and pf, then loads the masquerade
// rule for subnetCIDR into the NAT anchor.
func (m *Manager) EnableNAT(subnetCIDR string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.runner.Run("sysctl", "net.inet.ip.forwarding=1"); err != nil {
		return newErr(CodePfError, "enable ip forwarding: %v", err)
	}
	if _, err := m.runner.Run("pfctl", "-e"); err != nil &&
		!strings.Contains(strings.ToLower(err.Error()), "already enabled") {
		return newErr(CodePfError, "enable pf: %v", err)
	}
	if _, err := m.runner.RunWithInput(m.natRules(subnetCIDR), "pfctl", "-a", NatAnchor, "-f", "-"); err != nil {
		return newErr(CodePfError, "load anchor %s: %v", NatAnchor, err)
	}
	m.started = true
	return nil
}

// DisableNAT flushes both kawakaze anchors. It does not disable pf
// globally, since other rules on the host may depend on it.
func (m *Manager) DisableNAT() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.runner.Run("pfctl", "-a", NatAnchor, "-F", "all"); err != nil {
		return newErr(CodePfError, "flush anchor %s: %v", NatAnchor, err)
	}
	if _, err := m.runner.Run("pfctl", "-a", ForwardingAnchor, "-F", "all"); err != nil {
		return newErr(CodePfError, "flush anchor %s: %v", ForwardingAnchor, err)
	}
	m.started = false
	return nil
}

// AddPortForward registers a host-port redirect and reloads the
// forwarding anchor. Fails if hostPort is already forwarded.
func (m *Manager) AddPortForward(fw PortForward) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.forwards[fw.HostPort]; exists {
		return newErr(CodePfError, "host port %d already forwarded", fw.HostPort)
	}
	m.forwards[fw.HostPort] = fw
	if err := m.applyForwarding(); err != nil {
		delete(m.forwards, fw.HostPort)
		return err
	}
	return nil
}

// RemovePortForward removes a host-port redirect and reloads the
// forwarding anchor.
func (m *Manager) RemovePortForward(hostPort uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.forwards[hostPort]; !ok {
		return nil
	}
	prev := m.forwards[hostPort]
	delete(m.forwards, hostPort)
	if err := m.applyForwarding(); err != nil {
		m.forwards[hostPort] = prev
		return err
	}
	return nil
}

// PortForwards returns a snapshot of active forwards.
func (m *Manager) PortForwards() []PortForward {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PortForward, 0, len(m.forwards))
	for _, fw := range m.forwards {
		out = append(out, fw)
	}
	return out
}

// ConfigureJailInterface brings up jailSide inside jailName's network stack
// and assigns ip/prefixLen plus the default route, retrying with
// exponential backoff since the interface may not be visible inside
// the jail's vnet immediately after jail creation (§4.3: 500ms base,
// 10 attempts, capped at 5s, retryable only on "not configured").
func (m *Manager) ConfigureJailInterface(jailName, jailSide string, addr netip.Addr, prefixLen int, gateway netip.Addr) error {
	cidr := fmt.Sprintf("%s/%d", addr, prefixLen)
	err := retryBackoff(func() error {
		_, err := m.runner.Run("jexec", jailName, "ifconfig", jailSide, "inet", cidr, "up")
		return err
	})
	if err != nil {
		return newErr(CodeEpairAttachmentFailed, "configure %s in jail %s: %v", jailSide, jailName, err)
	}

	_, err = m.runner.Run("jexec", jailName, "route", "add", "default", gateway.String())
	if err != nil {
		return newErr(CodeEpairAttachmentFailed, "add default route in jail %s: %v", jailName, err)
	}
	return nil
}

func retryableIfconfigErr(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "device not configured")
}

const (
	retryBaseDelay = 500 // milliseconds
	retryMaxDelay  = 5000
	retryAttempts  = 10
)

// sleepFn is a package variable so tests can replace the real sleeper
// with a no-op.
var sleepFn = func(ms int) {
	sleepMillis(ms)
}

func retryBackoff(op func() error) error {
	delay := retryBaseDelay
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !retryableIfconfigErr(lastErr) {
			return lastErr
		}
		sleepFn(delay)
		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
	return lastErr
}
