// Package manager is C6: jail create/start/stop, container
// create/start/stop/remove, startup reconciliation against live kernel
// state, and progress fan-out for long-running bootstrap and image
// build operations. It is the seam the RPC layer dispatches into,
// grounded on the reference pack's ConManager (orbstack-swift-nio/
// scon/manager.go): one coarse mutex over in-memory maps, background
// goroutines for slow operations, and progress published into shared
// maps that callers poll rather than stream.
package manager

import (
	"context"
	"fmt"
	"net/netip"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/2a46m4/kawakaze/internal/bootstrap"
	"github.com/2a46m4/kawakaze/internal/build"
	"github.com/2a46m4/kawakaze/internal/jail"
	"github.com/2a46m4/kawakaze/internal/netutil"
	"github.com/2a46m4/kawakaze/internal/store"
	"github.com/2a46m4/kawakaze/internal/types"
	"github.com/2a46m4/kawakaze/internal/zfs"
)

// ErrorCode enumerates the manager's closed error taxonomy (§7).
type ErrorCode string

const (
	CodeNotFound          ErrorCode = "NotFound"
	CodeAlreadyExists     ErrorCode = "AlreadyExists"
	CodeInvalidState      ErrorCode = "InvalidState"
	CodeInvalidName       ErrorCode = "InvalidName"
	CodeBuildInProgress   ErrorCode = "BuildInProgress"
	CodeImageNotAvailable ErrorCode = "ImageNotAvailable"
	CodeIO                ErrorCode = "Io"
)

// Error is the typed error returned by manager operations.
type Error struct {
	Code   ErrorCode
	Detail string
}

func (e *Error) Error() string { return fmt.Sprintf("manager: %s: %s", e.Code, e.Detail) }

func newErr(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// progressBuffer bounds the per-operation progress channels (§4.5:
// capacity 100). Sends that would block are dropped — progress is
// best-effort and never a correctness signal.
const progressBuffer = 100

// Deps are the collaborators the manager dispatches into. All are
// already-constructed, concrete handles; the manager owns no process
// or kernel resource directly, only coordinates those that do.
type Deps struct {
	Store     *store.Store
	Zfs       *zfs.Zfs
	Net       *netutil.Manager
	Jail      *jail.Manager
	Bootstrap *bootstrap.Engine
	Builder   *build.Builder
	IPs       *netutil.IPAllocator

	ContainerCIDR  string
	GatewayAddr    string // first usable address in ContainerCIDR, the bridge's own address
	JailRoot       string // parent directory containers' jail paths live under
	BuildMountRoot string
}

// Manager holds all daemon in-memory state behind a single mutex,
// never held across blocking I/O (§5): background goroutines copy out
// what they need, do the slow work unlocked, then re-acquire to commit
// results.
type Manager struct {
	deps Deps

	mu sync.Mutex

	jails      map[string]*types.Jail
	images     map[string]*types.Image
	containers map[string]*types.Container

	bootstrapProgress map[string]types.BootstrapProgress
	buildProgress     map[string]types.ImageBuildProgress

	buildsInProgress map[string]bool // image name -> build running (supplemented guard)

	startedAt time.Time
}

// Version is the daemon's reported build version, surfaced through
// SystemInfo (supplemented feature, SPEC_FULL.md "Supplemented
// Features" item 3: the prototype's `handler.rs` health/version
// endpoint).
const Version = "0.1.0"

// SystemInfo is the payload for the supplemented `GET system/info`
// endpoint: daemon version, uptime, and current object counts.
type SystemInfo struct {
	Version        string  `json:"version"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
	JailCount      int     `json:"jail_count"`
	ImageCount     int     `json:"image_count"`
	ContainerCount int     `json:"container_count"`
}

// SystemInfo reports daemon version, uptime, and object counts,
// mirroring the Rust prototype's `handler.rs` health/version endpoint
// (SPEC_FULL.md "Supplemented Features").
func (m *Manager) SystemInfo() SystemInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return SystemInfo{
		Version:        Version,
		UptimeSeconds:  time.Since(m.startedAt).Seconds(),
		JailCount:      len(m.jails),
		ImageCount:     len(m.images),
		ContainerCount: len(m.containers),
	}
}

// New constructs a Manager with empty in-memory state; call
// Reconcile to hydrate it from the store before serving requests.
func New(deps Deps) *Manager {
	return &Manager{
		deps:              deps,
		jails:             make(map[string]*types.Jail),
		images:            make(map[string]*types.Image),
		containers:        make(map[string]*types.Container),
		bootstrapProgress: make(map[string]types.BootstrapProgress),
		buildProgress:     make(map[string]types.ImageBuildProgress),
		buildsInProgress:  make(map[string]bool),
		startedAt:         time.Now(),
	}
}

// Reconcile loads every table from the store into memory and, for
// each jail, queries the live kernel for a matching JID. A jail with a
// live JID is marked Running with that JID; a jail persisted as Running
// with no live JID is demoted to Stopped and its JID cleared — the daemon trusts the kernel over its own last-known
// state on restart (§2, "On startup, C6 rehydrates C2's tables...").
func (m *Manager) Reconcile() error {
	// Jails are loaded state by state through ListJailsByState
	// (supplemented feature, SPEC_FULL.md "Supplemented Features" item
	// 2); every one of them is then checked against the kernel below.
	runningJails, err := m.deps.Store.ListJailsByState(types.JailRunning)
	if err != nil {
		return newErr(CodeIO, "list running jails: %v", err)
	}
	createdJails, err := m.deps.Store.ListJailsByState(types.JailCreated)
	if err != nil {
		return newErr(CodeIO, "list created jails: %v", err)
	}
	stoppedJails, err := m.deps.Store.ListJailsByState(types.JailStopped)
	if err != nil {
		return newErr(CodeIO, "list stopped jails: %v", err)
	}
	jails := make([]*types.Jail, 0, len(runningJails)+len(createdJails)+len(stoppedJails))
	jails = append(jails, runningJails...)
	jails = append(jails, createdJails...)
	jails = append(jails, stoppedJails...)

	images, err := m.deps.Store.ListImages()
	if err != nil {
		return newErr(CodeIO, "list images: %v", err)
	}
	containers, err := m.deps.Store.ListContainers()
	if err != nil {
		return newErr(CodeIO, "list containers: %v", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, img := range images {
		m.images[img.ID] = img
	}
	for _, c := range containers {
		m.containers[c.ID] = c
	}

	for _, j := range jails {
		jid, err := m.deps.Jail.GetJID(j.Name)
		if err != nil {
			logrus.WithError(err).WithField("jail", j.Name).Warn("reconcile: GetJID failed, assuming stopped")
			jid = 0
		}
		if jid >= 1 {
			if j.State != types.JailRunning || j.JID != jid {
				j.State = types.JailRunning
				j.JID = jid
				if err := m.deps.Store.UpdateJail(j); err != nil {
					logrus.WithError(err).WithField("jail", j.Name).Warn("reconcile: failed to persist promotion")
				}
			}
		} else if j.State == types.JailRunning {
			j.State = types.JailStopped
			j.JID = -1
			if err := m.deps.Store.UpdateJail(j); err != nil {
				logrus.WithError(err).WithField("jail", j.Name).Warn("reconcile: failed to persist demotion")
			}
		}
		m.jails[j.Name] = j
	}

	logrus.WithFields(logrus.Fields{
		"jails": len(m.jails), "images": len(m.images), "containers": len(m.containers),
	}).Info("reconciled state from store")
	return nil
}

// Shutdown stops every jail the manager believes is running,
// best-effort: failures are logged, never fatal, since the daemon is
// exiting regardless (§2 graceful shutdown).
func (m *Manager) Shutdown() {
	m.mu.Lock()
	running := make([]*types.Jail, 0)
	for _, j := range m.jails {
		if j.State == types.JailRunning {
			running = append(running, j)
		}
	}
	m.mu.Unlock()

	for _, j := range running {
		if err := m.deps.Jail.Destroy(j.JID, j.Path); err != nil {
			logrus.WithError(err).WithField("jail", j.Name).Warn("shutdown: failed to stop jail")
		}
	}
}

// ---- jails ----

// JailRequest is the subset of jail.Spec the RPC layer collects from
// a create request; VnetInterface, when set, is an epair jail-side
// name already created by the network manager (internal/netutil).
type JailRequest struct {
	Name           string
	Path           string
	IPv4           string
	VnetInterface  string
	ResourceLimits *types.ResourceLimits
}

// CreateJail registers a new, not-yet-running jail. A jail created
// with an IP gets the VNET treatment (§4.6): the requested address is
// reserved with the allocator and an epair is created up front, so the
// jail-side interface name is known by the time the jail starts.
func (m *Manager) CreateJail(req JailRequest) (*types.Jail, error) {
	if !types.ValidName(req.Name) {
		return nil, newErr(CodeInvalidName, "invalid jail name %q", req.Name)
	}
	m.mu.Lock()
	if _, exists := m.jails[req.Name]; exists {
		m.mu.Unlock()
		return nil, newErr(CodeAlreadyExists, "jail %q already exists", req.Name)
	}
	m.mu.Unlock()

	path := req.Path
	if path == "" {
		path = types.DefaultJailPath(req.Name)
	}

	vnetIface := req.VnetInterface
	var allocated *netip.Addr
	if req.IPv4 != "" && vnetIface == "" && m.deps.IPs != nil && m.deps.Net != nil {
		addr, err := netip.ParseAddr(req.IPv4)
		if err != nil {
			return nil, newErr(CodeInvalidName, "invalid jail ip %q", req.IPv4)
		}
		if err := m.deps.IPs.AllocateSpecific(addr); err != nil {
			return nil, newErr(CodeInvalidState, "reserve jail ip: %v", err)
		}
		allocated = &addr
		_, jailSide, err := m.deps.Net.CreateEpair(req.Name)
		if err != nil {
			m.releaseJailNetwork(req.Name, "", allocated)
			return nil, newErr(CodeIO, "create epair: %v", err)
		}
		vnetIface = jailSide
	}

	j := &types.Jail{
		Name: req.Name, Path: path, IPv4: req.IPv4,
		VnetInterface: vnetIface, State: types.JailCreated, JID: -1,
		ResourceLimits: req.ResourceLimits,
	}
	if err := m.deps.Store.InsertJail(j); err != nil {
		m.releaseJailNetwork(req.Name, vnetIface, allocated)
		return nil, newErr(CodeIO, "persist jail: %v", err)
	}

	m.mu.Lock()
	m.jails[j.Name] = j
	m.mu.Unlock()
	return j, nil
}

// releaseJailNetwork undoes a jail's epair and IP reservation,
// best-effort: used both for create-time rollback and removal.
func (m *Manager) releaseJailNetwork(name, vnetIface string, addr *netip.Addr) {
	if vnetIface != "" && m.deps.Net != nil {
		if err := m.deps.Net.DestroyEpair(netutil.EpairHostSide(vnetIface)); err != nil {
			logrus.WithError(err).WithField("jail", name).Warn("failed to destroy epair")
		}
	}
	if addr != nil && m.deps.IPs != nil {
		if err := m.deps.IPs.Release(*addr); err != nil {
			logrus.WithError(err).WithField("jail", name).Warn("failed to release ip")
		}
	}
}

// StartJail brings up a previously created jail: kernel jail first,
// then devfs, then best-effort resource limits and VNET interface
// configuration.
func (m *Manager) StartJail(name string) (*types.Jail, error) {
	m.mu.Lock()
	j, ok := m.jails[name]
	m.mu.Unlock()
	if !ok {
		return nil, newErr(CodeNotFound, "jail %q not found", name)
	}
	if j.State == types.JailRunning {
		return j, nil
	}

	var jid int
	var err error
	if j.VnetInterface != "" {
		jid, err = m.deps.Jail.CreateVNET(jail.Spec{Name: j.Name, Path: j.Path, Hostname: j.Name, VNET: true}, j.VnetInterface)
	} else {
		jid, err = m.deps.Jail.CreateNonVNET(jail.Spec{Name: j.Name, Path: j.Path, Hostname: j.Name, IPv4: j.IPv4})
	}
	if err != nil {
		return nil, newErr(CodeIO, "create jail: %v", err)
	}
	if err := m.deps.Jail.MountDevfs(j.Path); err != nil {
		if derr := m.deps.Jail.Destroy(jid, j.Path); derr != nil {
			logrus.WithError(derr).WithField("jail", j.Name).Warn("failed to tear down jail after devfs mount failure")
		}
		return nil, newErr(CodeIO, "mount devfs: %v", err)
	}
	if j.ResourceLimits != nil {
		m.deps.Jail.ApplyResourceLimits(j.Name, &jail.ResourceLimits{
			MemoryBytes: j.ResourceLimits.MemoryBytes, CPUSet: j.ResourceLimits.CPUSet,
		})
	}
	if j.VnetInterface != "" && j.IPv4 != "" && m.deps.Net != nil {
		if err := m.configureVnetInterface(j); err != nil {
			logrus.WithError(err).WithField("jail", j.Name).Warn("failed to configure jail network, continuing")
		}
	}

	j.State = types.JailRunning
	j.JID = jid
	if err := m.deps.Store.UpdateJail(j); err != nil {
		return nil, newErr(CodeIO, "persist jail: %v", err)
	}

	m.mu.Lock()
	m.jails[j.Name] = j
	m.mu.Unlock()
	return j, nil
}

// StopJail tears down the kernel jail but leaves the record present
// in state Stopped.
func (m *Manager) StopJail(name string) (*types.Jail, error) {
	m.mu.Lock()
	j, ok := m.jails[name]
	m.mu.Unlock()
	if !ok {
		return nil, newErr(CodeNotFound, "jail %q not found", name)
	}
	if j.State != types.JailRunning {
		return j, nil
	}
	if err := m.deps.Jail.Destroy(j.JID, j.Path); err != nil {
		return nil, newErr(CodeIO, "destroy jail: %v", err)
	}
	j.State = types.JailStopped
	j.JID = -1
	if err := m.deps.Store.UpdateJail(j); err != nil {
		return nil, newErr(CodeIO, "persist jail: %v", err)
	}
	m.mu.Lock()
	m.jails[j.Name] = j
	m.mu.Unlock()
	return j, nil
}

// configureVnetInterface assigns j's IP to its epair jail-side
// interface and default-routes it via the bridge gateway (§4.3
// "in-jail configuration").
func (m *Manager) configureVnetInterface(j *types.Jail) error {
	addr, err := netip.ParseAddr(j.IPv4)
	if err != nil {
		return fmt.Errorf("parse jail ip %q: %w", j.IPv4, err)
	}
	gateway, err := netip.ParseAddr(m.deps.GatewayAddr)
	if err != nil {
		return fmt.Errorf("parse gateway %q: %w", m.deps.GatewayAddr, err)
	}
	prefix, err := netip.ParsePrefix(m.deps.ContainerCIDR)
	if err != nil {
		return fmt.Errorf("parse container cidr %q: %w", m.deps.ContainerCIDR, err)
	}
	return m.deps.Net.ConfigureJailInterface(j.Name, j.VnetInterface, addr, prefix.Bits(), gateway)
}

// RemoveJail deletes a jail record, releasing any epair and IP it
// held; it must not be Running.
func (m *Manager) RemoveJail(name string) error {
	m.mu.Lock()
	j, ok := m.jails[name]
	m.mu.Unlock()
	if !ok {
		return newErr(CodeNotFound, "jail %q not found", name)
	}
	if j.State == types.JailRunning {
		return newErr(CodeInvalidState, "jail %q is running", name)
	}
	if err := m.deps.Store.DeleteJail(name); err != nil {
		return newErr(CodeIO, "delete jail: %v", err)
	}
	var addr *netip.Addr
	if j.IPv4 != "" {
		if a, err := netip.ParseAddr(j.IPv4); err == nil {
			addr = &a
		}
	}
	m.releaseJailNetwork(j.Name, j.VnetInterface, addr)
	m.mu.Lock()
	delete(m.jails, name)
	m.mu.Unlock()
	return nil
}

// GetJail returns a snapshot of a single jail's state.
func (m *Manager) GetJail(name string) (*types.Jail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jails[name]
	if !ok {
		return nil, newErr(CodeNotFound, "jail %q not found", name)
	}
	cp := *j
	return &cp, nil
}

// ListJails returns a snapshot of every known jail.
func (m *Manager) ListJails() []*types.Jail {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Jail, 0, len(m.jails))
	for _, j := range m.jails {
		cp := *j
		out = append(out, &cp)
	}
	return out
}

// ---- bootstrap ----

// BootstrapJail kicks off image/jail-root bootstrapping in a detached
// goroutine and returns immediately; progress is published under name
// and polled via BootstrapStatus (§2, long-running background tasks).
func (m *Manager) BootstrapJail(opts bootstrap.Options, name string) error {
	m.mu.Lock()
	if p, ok := m.bootstrapProgress[name]; ok && p.Status != types.BootstrapComplete && p.Status != types.BootstrapFailed {
		m.mu.Unlock()
		return newErr(CodeInvalidState, "bootstrap already in progress for %q", name)
	}
	m.bootstrapProgress[name] = types.BootstrapProgress{Status: types.BootstrapInitializing}
	m.mu.Unlock()

	// Bounded-channel fan-out (§4.6): the pipeline sends progress into
	// a capacity-100 channel (dropping on backpressure), and a second
	// goroutine drains it into the shared map in send order.
	go func() {
		ch := make(chan types.BootstrapProgress, progressBuffer)
		drained := make(chan struct{})
		go func() {
			defer close(drained)
			for p := range ch {
				m.mu.Lock()
				m.bootstrapProgress[name] = p
				m.mu.Unlock()
			}
		}()

		err := m.deps.Bootstrap.Run(context.Background(), opts, name, func(p types.BootstrapProgress) {
			select {
			case ch <- p:
			default: // best-effort, dropped under backpressure
			}
		})
		close(ch)
		<-drained
		if err != nil {
			logrus.WithError(err).WithField("jail", name).Warn("bootstrap failed")
			m.mu.Lock()
			m.bootstrapProgress[name] = types.BootstrapProgress{Status: types.BootstrapFailed, Message: err.Error()}
			m.mu.Unlock()
		}
	}()
	return nil
}

// BootstrapStatus returns the last known progress for a bootstrap run.
func (m *Manager) BootstrapStatus(name string) (types.BootstrapProgress, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.bootstrapProgress[name]
	return p, ok
}

// ---- images ----

// BuildImage starts an image build in a detached goroutine, rejecting
// a concurrent build of the same image name (supplemented guard,
// SPEC_FULL.md "Supplemented Features": the core spec never says two
// builds of one name can race, but the builder's rename-at-the-end
// step would corrupt state if they did).
func (m *Manager) BuildImage(req build.Request) error {
	m.mu.Lock()
	if m.buildsInProgress[req.ImageName] {
		m.mu.Unlock()
		return newErr(CodeBuildInProgress, "build already in progress for image %q", req.ImageName)
	}
	m.buildsInProgress[req.ImageName] = true
	m.buildProgress[req.ImageName] = types.ImageBuildProgress{Status: types.BuildBuilding}
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.buildsInProgress, req.ImageName)
			m.mu.Unlock()
		}()

		ch := make(chan types.ImageBuildProgress, progressBuffer)
		drained := make(chan struct{})
		go func() {
			defer close(drained)
			for p := range ch {
				m.mu.Lock()
				m.buildProgress[req.ImageName] = p
				m.mu.Unlock()
			}
		}()

		img, err := m.deps.Builder.Run(context.Background(), req, func(p types.ImageBuildProgress) {
			select {
			case ch <- p:
			default: // best-effort, dropped under backpressure
			}
		})
		close(ch)
		<-drained
		if err != nil {
			logrus.WithError(err).WithField("image", req.ImageName).Warn("build failed")
			m.mu.Lock()
			m.buildProgress[req.ImageName] = types.ImageBuildProgress{Status: types.BuildFailed, Message: err.Error()}
			m.mu.Unlock()
			return
		}
		m.mu.Lock()
		m.images[img.ID] = img
		m.mu.Unlock()
	}()
	return nil
}

// BuildStatus returns the last known progress for an image build,
// keyed by the image name passed to BuildImage.
func (m *Manager) BuildStatus(imageName string) (types.ImageBuildProgress, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.buildProgress[imageName]
	return p, ok
}

// ResolveImage resolves ref against known images by exact id, then
// exact name, then id-prefix — the same order the builder itself uses
// to resolve a FROM reference (internal/build.resolveImage), exposed
// here so the RPC layer's single-image lookups behave identically.
func (m *Manager) ResolveImage(ref string) (*types.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if img, ok := m.images[ref]; ok {
		cp := *img
		return &cp, nil
	}
	for _, img := range m.images {
		if img.Name == ref {
			cp := *img
			return &cp, nil
		}
	}
	var match *types.Image
	for _, img := range m.images {
		if len(ref) > 0 && len(img.ID) >= len(ref) && img.ID[:len(ref)] == ref {
			if match != nil {
				return nil, newErr(CodeNotFound, "ambiguous image reference %q", ref)
			}
			match = img
		}
	}
	if match == nil {
		return nil, newErr(CodeNotFound, "image %q not found", ref)
	}
	cp := *match
	return &cp, nil
}

// ListImages returns a snapshot of every known image.
func (m *Manager) ListImages() []*types.Image {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Image, 0, len(m.images))
	for _, img := range m.images {
		cp := *img
		out = append(out, &cp)
	}
	return out
}

// DeleteImage removes an image, refusing if any container still
// references it (ownership invariant, §3 "Ownership").
func (m *Manager) DeleteImage(ref string) error {
	img, err := m.ResolveImage(ref)
	if err != nil {
		return err
	}

	m.mu.Lock()
	for _, c := range m.containers {
		if c.ImageID == img.ID {
			m.mu.Unlock()
			return newErr(CodeInvalidState, "image %q has dependent containers", img.ID)
		}
	}
	m.mu.Unlock()

	// Also check rows the in-memory map wouldn't know about (a
	// container inserted by a previous daemon run that crashed before
	// Reconcile picked it up, §9 open question 2) — the store's own
	// ON DELETE RESTRICT would catch this too, but checking first gives
	// a clean CodeInvalidState instead of a raw FK-constraint error.
	if dependents, err := m.deps.Store.ListContainersByImage(img.ID); err != nil {
		return newErr(CodeIO, "check dependent containers: %v", err)
	} else if len(dependents) > 0 {
		return newErr(CodeInvalidState, "image %q has dependent containers", img.ID)
	}

	if err := m.deps.Store.DeleteImage(img.ID); err != nil {
		return newErr(CodeIO, "delete image: %v", err)
	}
	if img.Snapshot != "" {
		if err := m.deps.Zfs.Destroy(img.Snapshot); err != nil {
			logrus.WithError(err).WithField("image", img.ID).Warn("failed to destroy image snapshot")
		}
	}
	m.mu.Lock()
	delete(m.images, img.ID)
	m.mu.Unlock()
	return nil
}

// ---- containers ----

// CreateContainer clones imageRef's snapshot into a fresh dataset,
// allocates a jail and (optionally) a network identity, and persists
// a Created container. It does not start the jail.
func (m *Manager) CreateContainer(name, imageRef string, ports []types.PortMapping, mounts []types.Mount, restart types.RestartPolicy, limits *types.ResourceLimits) (*types.Container, error) {
	img, err := m.ResolveImage(imageRef)
	if err != nil {
		return nil, err
	}
	if img.State != types.ImageAvailable {
		return nil, newErr(CodeImageNotAvailable, "image %q is not available", img.ID)
	}

	id := uuid.NewString()
	idPrefix := id[:8]
	jailName := fmt.Sprintf("kawakaze-%s", idPrefix)

	m.mu.Lock()
	if name != "" {
		for _, c := range m.containers {
			if c.Name == name {
				m.mu.Unlock()
				return nil, newErr(CodeAlreadyExists, "container %q already exists", name)
			}
		}
	}
	m.mu.Unlock()

	dataset := m.deps.Zfs.ContainerDataset(idPrefix)
	if err := m.deps.Zfs.CloneSnapshot(img.Snapshot, dataset); err != nil {
		return nil, newErr(CodeIO, "clone image snapshot: %v", err)
	}
	jailPath := fmt.Sprintf("%s/%s", m.deps.JailRoot, idPrefix)
	if err := m.deps.Zfs.MountDataset(dataset, jailPath); err != nil {
		return nil, newErr(CodeIO, "mount container dataset: %v", err)
	}

	var ip string
	var jailSideIface string
	if m.deps.IPs != nil {
		addr, err := m.deps.IPs.Allocate()
		if err != nil {
			logrus.WithError(err).Warn("failed to allocate container ip")
		} else {
			ip = addr.String()
			if m.deps.Net != nil {
				_, jailSide, err := m.deps.Net.CreateEpair(idPrefix)
				if err != nil {
					logrus.WithError(err).WithField("container", id).Warn("failed to create epair, container will have no network")
					if relErr := m.deps.IPs.Release(addr); relErr != nil {
						logrus.WithError(relErr).Warn("failed to release ip after epair failure")
					}
					ip = ""
				} else {
					jailSideIface = jailSide
				}
			}
		}
	}

	jailRec := &types.Jail{
		Name: jailName, Path: jailPath, IPv4: ip, VnetInterface: jailSideIface,
		State: types.JailCreated, JID: -1, ResourceLimits: limits,
	}
	if err := m.deps.Store.InsertJail(jailRec); err != nil {
		return nil, newErr(CodeIO, "persist container jail: %v", err)
	}

	c := &types.Container{
		ID: id, Name: name, ImageID: img.ID, JailName: jailName, Dataset: dataset,
		State: types.ContainerCreated, RestartPolicy: restart, Ports: ports, Mounts: mounts, IP: ip,
		CreatedAt: time.Now(),
	}
	if err := m.deps.Store.InsertContainer(c); err != nil {
		return nil, newErr(CodeIO, "persist container: %v", err)
	}

	m.mu.Lock()
	m.jails[jailName] = jailRec
	m.containers[c.ID] = c
	m.mu.Unlock()
	return c, nil
}

// StartContainer starts the container's jail, recording started_at on
// first transition to Running (§3 invariant).
func (m *Manager) StartContainer(idRef string) (*types.Container, error) {
	c, err := m.resolveContainer(idRef)
	if err != nil {
		return nil, err
	}
	if c.State == types.ContainerRunning {
		return c, nil
	}

	m.mu.Lock()
	jailRec := m.jails[c.JailName]
	m.mu.Unlock()
	if jailRec != nil {
		for _, mnt := range c.Mounts {
			dest := filepath.Join(jailRec.Path, mnt.Destination)
			if err := m.deps.Jail.MountFs(string(mnt.Type), mnt.Source, dest, mnt.ReadOnly); err != nil {
				logrus.WithError(err).WithFields(logrus.Fields{"container": c.ID, "dest": mnt.Destination}).
					Warn("failed to attach container mount, continuing")
			}
		}
	}

	if _, err := m.StartJail(c.JailName); err != nil {
		return nil, newErr(CodeIO, "start container jail: %v", err)
	}

	if c.IP != "" && m.deps.Net != nil {
		addr, err := netip.ParseAddr(c.IP)
		if err == nil {
			for _, pm := range c.Ports {
				fw := netutil.PortForward{
					HostPort: pm.HostPort, ContainerIP: addr, ContainerPort: pm.ContainerPort,
					Protocol: string(pm.Protocol),
				}
				if err := m.deps.Net.AddPortForward(fw); err != nil {
					logrus.WithError(err).WithFields(logrus.Fields{"container": c.ID, "host_port": pm.HostPort}).
						Warn("failed to add port forward")
				}
			}
		}
	}

	now := time.Now()
	c.State = types.ContainerRunning
	if c.StartedAt == nil {
		c.StartedAt = &now
	}
	if err := m.deps.Store.UpdateContainer(c); err != nil {
		return nil, newErr(CodeIO, "persist container: %v", err)
	}
	m.mu.Lock()
	m.containers[c.ID] = c
	m.mu.Unlock()
	return c, nil
}

// StopContainer stops the container's jail, tearing down its port
// forwards and filesystem mounts.
func (m *Manager) StopContainer(idRef string) (*types.Container, error) {
	c, err := m.resolveContainer(idRef)
	if err != nil {
		return nil, err
	}
	if c.State != types.ContainerRunning {
		return c, nil
	}
	if _, err := m.StopJail(c.JailName); err != nil {
		return nil, newErr(CodeIO, "stop container jail: %v", err)
	}
	if m.deps.Net != nil {
		for _, pm := range c.Ports {
			if err := m.deps.Net.RemovePortForward(pm.HostPort); err != nil {
				logrus.WithError(err).WithField("container", c.ID).Warn("failed to remove port forward")
			}
		}
	}
	m.unmountContainerMounts(c)
	c.State = types.ContainerStopped
	if err := m.deps.Store.UpdateContainer(c); err != nil {
		return nil, newErr(CodeIO, "persist container: %v", err)
	}
	m.mu.Lock()
	m.containers[c.ID] = c
	m.mu.Unlock()
	return c, nil
}

// RemoveContainer destroys the container's jail and dataset and
// deletes its records; it must not be Running (§3 invariant).
func (m *Manager) RemoveContainer(idRef string) error {
	c, err := m.resolveContainer(idRef)
	if err != nil {
		return err
	}
	if c.State == types.ContainerRunning {
		return newErr(CodeInvalidState, "container %q is running", c.ID)
	}

	m.unmountContainerMounts(c)
	if err := m.deps.Zfs.UnmountDataset(c.Dataset); err != nil {
		logrus.WithError(err).WithField("container", c.ID).Warn("failed to unmount container dataset")
	}
	if err := m.deps.Zfs.Destroy(c.Dataset); err != nil {
		logrus.WithError(err).WithField("container", c.ID).Warn("failed to destroy container dataset")
	}
	m.mu.Lock()
	jailRec := m.jails[c.JailName]
	m.mu.Unlock()
	if jailRec != nil && jailRec.VnetInterface != "" && m.deps.Net != nil {
		hostSide := netutil.EpairHostSide(jailRec.VnetInterface)
		if err := m.deps.Net.DestroyEpair(hostSide); err != nil {
			logrus.WithError(err).WithField("container", c.ID).Warn("failed to destroy epair")
		}
	}
	if err := m.deps.Store.DeleteJail(c.JailName); err != nil {
		logrus.WithError(err).WithField("jail", c.JailName).Warn("failed to delete container jail record")
	}
	if c.IP != "" && m.deps.IPs != nil {
		if addr, perr := netip.ParseAddr(c.IP); perr == nil {
			if err := m.deps.IPs.Release(addr); err != nil {
				logrus.WithError(err).WithField("container", c.ID).Warn("failed to release container ip")
			}
		}
	}
	if err := m.deps.Store.DeleteContainer(c.ID); err != nil {
		return newErr(CodeIO, "delete container: %v", err)
	}

	m.mu.Lock()
	delete(m.containers, c.ID)
	delete(m.jails, c.JailName)
	m.mu.Unlock()
	return nil
}

// unmountContainerMounts detaches c's filesystem mounts from its jail
// root, best-effort.
func (m *Manager) unmountContainerMounts(c *types.Container) {
	if len(c.Mounts) == 0 {
		return
	}
	m.mu.Lock()
	jailRec := m.jails[c.JailName]
	m.mu.Unlock()
	if jailRec == nil {
		return
	}
	for _, mnt := range c.Mounts {
		dest := filepath.Join(jailRec.Path, mnt.Destination)
		if err := m.deps.Jail.UnmountFs(dest); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{"container": c.ID, "dest": mnt.Destination}).
				Warn("failed to detach container mount")
		}
	}
}

// ContainerExec runs a one-shot, capture-output command inside a
// running container's jail (§4.6 "Exec"). Interactive/PTY exec is
// explicitly CLI-local and out of scope for the core (§9).
func (m *Manager) ContainerExec(idRef string, argv []string, env map[string]string, workdir string) (jail.ExecResult, error) {
	c, err := m.resolveContainer(idRef)
	if err != nil {
		return jail.ExecResult{}, err
	}
	if c.State != types.ContainerRunning {
		return jail.ExecResult{}, newErr(CodeInvalidState, "container %q is not running", c.ID)
	}
	res, err := m.deps.Jail.Exec(c.JailName, argv, env, workdir)
	if err != nil {
		return jail.ExecResult{}, newErr(CodeIO, "exec: %v", err)
	}
	return res, nil
}

// GetContainer resolves and returns a snapshot of one container.
func (m *Manager) GetContainer(idRef string) (*types.Container, error) {
	return m.resolveContainer(idRef)
}

// ListContainers returns a snapshot of every known container.
func (m *Manager) ListContainers() []*types.Container {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Container, 0, len(m.containers))
	for _, c := range m.containers {
		cp := *c
		out = append(out, &cp)
	}
	return out
}

// resolveContainer resolves idRef by exact id, then exact name, then
// id-prefix, mirroring ResolveImage's order for consistency across
// every RPC lookup endpoint.
func (m *Manager) resolveContainer(idRef string) (*types.Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.containers[idRef]; ok {
		cp := *c
		return &cp, nil
	}
	for _, c := range m.containers {
		if c.Name == idRef {
			cp := *c
			return &cp, nil
		}
	}
	var match *types.Container
	for _, c := range m.containers {
		if len(idRef) > 0 && len(c.ID) >= len(idRef) && c.ID[:len(idRef)] == idRef {
			if match != nil {
				return nil, newErr(CodeNotFound, "ambiguous container reference %q", idRef)
			}
			match = c
		}
	}
	if match == nil {
		return nil, newErr(CodeNotFound, "container %q not found", idRef)
	}
	cp := *match
	return &cp, nil
}
