// Package types holds the shared data model described in the core spec:
// jails, images, containers and the value types they are built from.
// Nothing in this package talks to the kernel, the database or the
// network; it is pure data plus the small invariants that follow
// directly from the field definitions.
package types

import (
	"regexp"
	"time"

	"github.com/2a46m4/kawakaze/internal/dockerfile"
)

// NameRE is the validation pattern for jail and image names.
var NameRE = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidName reports whether s is a non-empty string matching NameRE.
func ValidName(s string) bool {
	return s != "" && NameRE.MatchString(s)
}

// JailState is the lifecycle state of a Jail.
type JailState string

const (
	JailCreated JailState = "created"
	JailRunning JailState = "running"
	JailStopped JailState = "stopped"
)

// Jail is a named FreeBSD jail sandbox.
//
// Invariant: State == JailRunning iff JID >= 1; JID == -1 otherwise.
type Jail struct {
	Name          string    `json:"name" db:"name"`
	Path          string    `json:"path,omitempty" db:"path"`
	IPv4          string    `json:"ipv4,omitempty" db:"ipv4"`
	VnetInterface string    `json:"vnet_interface,omitempty" db:"vnet_interface"`
	State         JailState `json:"state" db:"state"`
	JID           int       `json:"jid" db:"jid"`
	// ResourceLimits is an optional, best-effort rctl(8) resource cap
	// (supplements the core spec; see SPEC_FULL.md "Supplemented Features").
	ResourceLimits *ResourceLimits `json:"resource_limits,omitempty" db:"-"`
	UpdatedAt      int64           `json:"updated_at" db:"updated_at"`
}

// ResourceLimits is an optional rctl(8)-backed cap applied best-effort;
// absence (or a platform where rctl is unavailable) is silently skipped.
type ResourceLimits struct {
	MemoryBytes uint64 `json:"memory_bytes,omitempty"`
	CPUSet      string `json:"cpu_set,omitempty"`
}

// DefaultJailPath returns the default jail root for a jail named name.
func DefaultJailPath(name string) string {
	return "/tmp/" + name
}

// ImageState is the lifecycle state of an Image.
type ImageState string

const (
	ImageBuilding  ImageState = "building"
	ImageAvailable ImageState = "available"
	ImageDeleted   ImageState = "deleted"
)

// ImageConfig is the mutable build-time configuration an image carries
// forward to containers created from it.
type ImageConfig struct {
	Env        map[string]string `json:"env,omitempty"`
	Workdir    string            `json:"workdir,omitempty"`
	User       string            `json:"user,omitempty"`
	Ports      []uint16          `json:"ports,omitempty"`
	Volumes    []string          `json:"volumes,omitempty"`
	Entrypoint []string          `json:"entrypoint,omitempty"`
	Cmd        []string          `json:"cmd,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
	StopSignal string            `json:"stop_signal,omitempty"`
	Shell      []string          `json:"shell,omitempty"`
}

// Clone returns a deep copy of c, safe to mutate independently.
func (c ImageConfig) Clone() ImageConfig {
	out := c
	out.Env = cloneMap(c.Env)
	out.Labels = cloneMap(c.Labels)
	out.Ports = append([]uint16(nil), c.Ports...)
	out.Volumes = append([]string(nil), c.Volumes...)
	out.Entrypoint = append([]string(nil), c.Entrypoint...)
	out.Cmd = append([]string(nil), c.Cmd...)
	out.Shell = append([]string(nil), c.Shell...)
	return out
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Image is a content-addressed, layered filesystem artifact built from
// a chain of parsed Dockerfile instructions.
//
// Invariant: ParentID references an existing Image or is empty (FROM
// scratch). Snapshot is non-empty iff State == ImageAvailable.
type Image struct {
	ID           string                   `json:"id" db:"id"`
	Name         string                   `json:"name" db:"name"`
	ParentID     string                   `json:"parent_id,omitempty" db:"parent_id"`
	Snapshot     string                   `json:"snapshot,omitempty" db:"snapshot"`
	Instructions []dockerfile.Instruction `json:"instructions" db:"-"`
	Config       ImageConfig              `json:"config" db:"-"`
	SizeBytes    uint64                   `json:"size_bytes" db:"size_bytes"`
	State        ImageState               `json:"state" db:"state"`
	CreatedAt    time.Time                `json:"created_at" db:"created_at"`
}

// ContainerState is the lifecycle state of a Container.
type ContainerState string

const (
	ContainerCreated  ContainerState = "created"
	ContainerRunning  ContainerState = "running"
	ContainerStopped  ContainerState = "stopped"
	ContainerPaused   ContainerState = "paused"
	ContainerRemoving ContainerState = "removing"
)

// RestartPolicy controls whether a container is restarted by the
// daemon after it exits. The core spec does not mandate an active
// supervisor for this; the field is persisted and observed, actual
// automatic restart orchestration is out of scope for the core.
type RestartPolicy string

const (
	RestartNo        RestartPolicy = "no"
	RestartOnRestart RestartPolicy = "on-restart"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartAlways    RestartPolicy = "always"
)

// Protocol is a transport protocol for a PortMapping.
type Protocol string

const (
	ProtoTCP Protocol = "tcp"
	ProtoUDP Protocol = "udp"
)

// PortMapping maps a host port to a container port over a protocol.
type PortMapping struct {
	HostPort      uint16   `json:"host_port"`
	ContainerPort uint16   `json:"container_port"`
	Protocol      Protocol `json:"protocol"`
}

// MountType distinguishes how a Mount is attached.
type MountType string

const (
	MountZFS    MountType = "zfs"
	MountNullfs MountType = "nullfs"
)

// Mount is a filesystem mount attached to a container.
type Mount struct {
	Source      string    `json:"source"`
	Destination string    `json:"destination"`
	Type        MountType `json:"type"`
	ReadOnly    bool      `json:"read_only"`
}

// Container is a running or stopped instance of an Image.
//
// Invariant: exactly one Jail named JailName belongs to the container;
// removing the container removes that jail. Deletion requires
// State != ContainerRunning.
type Container struct {
	ID            string         `json:"id" db:"id"`
	Name          string         `json:"name,omitempty" db:"name"`
	ImageID       string         `json:"image_id" db:"image_id"`
	JailName      string         `json:"jail_name" db:"jail_name"`
	Dataset       string         `json:"dataset" db:"dataset"`
	State         ContainerState `json:"state" db:"state"`
	RestartPolicy RestartPolicy  `json:"restart_policy" db:"restart_policy"`
	Ports         []PortMapping  `json:"ports" db:"-"`
	Mounts        []Mount        `json:"mounts" db:"-"`
	IP            string         `json:"ip,omitempty" db:"ip"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty" db:"started_at"`
}

// BootstrapStatus is the phase of a bootstrap pipeline run.
type BootstrapStatus string

const (
	BootstrapInitializing BootstrapStatus = "initializing"
	BootstrapDownloading  BootstrapStatus = "downloading"
	BootstrapVerifying    BootstrapStatus = "verifying"
	BootstrapExtracting   BootstrapStatus = "extracting"
	BootstrapConfiguring  BootstrapStatus = "configuring"
	BootstrapComplete     BootstrapStatus = "complete"
	BootstrapFailed       BootstrapStatus = "failed"
)

// BootstrapProgress is a snapshot of an in-flight bootstrap run.
// Percent is monotonically non-decreasing within a single run until
// a terminal status (Complete or Failed) is reached.
type BootstrapProgress struct {
	Status          BootstrapStatus `json:"status"`
	Percent         int             `json:"percent"`
	StepDescription string          `json:"step_description"`
	Version         string          `json:"version"`
	Architecture    string          `json:"architecture"`
	Message         string          `json:"message,omitempty"`
}

// ImageBuildStatus is the phase of an in-flight image build.
type ImageBuildStatus string

const (
	BuildBuilding ImageBuildStatus = "building"
	BuildFailed   ImageBuildStatus = "failed"
	BuildComplete ImageBuildStatus = "complete"
)

// ImageBuildProgress is a snapshot of an in-flight image build.
type ImageBuildProgress struct {
	ImageID            string           `json:"image_id"`
	Step               int              `json:"step"`
	TotalSteps         int              `json:"total_steps"`
	CurrentInstruction string           `json:"current_instruction"`
	Status             ImageBuildStatus `json:"status"`
	Message            string           `json:"message,omitempty"`
}
