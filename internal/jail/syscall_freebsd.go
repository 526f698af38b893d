//go:build freebsd

package jail

import (
	"fmt"
	"net/netip"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Jail creation flags from <sys/jail.h>, not exposed by every
// golang.org/x/sys/unix release, so pinned here as the stable kernel
// ABI values they are.
const (
	jailCreate = 0x01
	jailUpdate = 0x02
)

// managedByMeta tags kawakaze-owned jails in the kernel's jail
// metadata. Older kernels reject the meta parameter with EINVAL, in
// which case creation is retried once without it.
const managedByMeta = `managed_by="kawakaze"`

// SyscallBackend implements Backend directly over jail_set(2)/
// jail_get(2)/jail_remove(2), avoiding a jail(8) subprocess for the
// common non-VNET path (spec §4.6: non-VNET jails go through jail_set
// with iovec parameters; only the VNET path shells out to jail(8)).
type SyscallBackend struct{}

// jailParam is one key/value iovec pair for jail_set/jail_get. A nil
// value encodes a boolean flag parameter (persist), which the kernel
// expects with a zero-length value.
type jailParam struct {
	key   string
	value []byte
}

func stringParam(key, value string) jailParam {
	b := append([]byte(value), 0)
	return jailParam{key: key, value: b}
}

func boolParam(key string) jailParam {
	return jailParam{key: key}
}

func paramIovecs(params []jailParam) ([]unix.Iovec, error) {
	iovecs := make([]unix.Iovec, 0, len(params)*2)
	for _, p := range params {
		keyBytes, err := unix.ByteSliceFromString(p.key)
		if err != nil {
			return nil, fmt.Errorf("encode key %q: %w", p.key, err)
		}
		kv := unix.Iovec{Base: &keyBytes[0], Len: uint64(len(keyBytes))}
		vv := unix.Iovec{}
		if len(p.value) > 0 {
			vv = unix.Iovec{Base: &p.value[0], Len: uint64(len(p.value))}
		}
		iovecs = append(iovecs, kv, vv)
	}
	return iovecs, nil
}

func jailSet(params []jailParam, flags int) (jid int, err error) {
	iovecs, err := paramIovecs(params)
	if err != nil {
		return 0, err
	}
	r1, _, errno := unix.Syscall(
		unix.SYS_JAIL_SET,
		uintptr(unsafe.Pointer(&iovecs[0])),
		uintptr(len(iovecs)),
		uintptr(flags),
	)
	if errno != 0 {
		return 0, errno
	}
	return int(r1), nil
}

// CreateNonVNET implements Backend. The managed_by metadata pair is
// opportunistic: on EINVAL (kernel without jail meta support) the call
// is retried once without it.
func (SyscallBackend) CreateNonVNET(spec Spec) (int, error) {
	params := []jailParam{
		stringParam("name", spec.Name),
		stringParam("path", spec.Path),
		stringParam("host.hostname", spec.Hostname),
		boolParam("persist"),
	}
	if spec.IPv4 != "" {
		addr, err := netip.ParseAddr(spec.IPv4)
		if err != nil || !addr.Is4() {
			return 0, fmt.Errorf("invalid ip4.addr %q", spec.IPv4)
		}
		v4 := addr.As4()
		params = append(params, jailParam{key: "ip4.addr", value: v4[:]})
	}

	jid, err := jailSet(append(params, stringParam("meta", managedByMeta)), jailCreate|jailUpdate)
	if err == unix.EINVAL {
		jid, err = jailSet(params, jailCreate|jailUpdate)
	}
	return jid, err
}

// Remove implements Backend.
func (SyscallBackend) Remove(jid int) error {
	_, _, errno := unix.Syscall(unix.SYS_JAIL_REMOVE, uintptr(jid), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// GetJID implements Backend by querying jail_get for a jail matching
// name, returning (0, nil) when none is currently running.
func (SyscallBackend) GetJID(name string) (int, error) {
	nameBytes, err := unix.ByteSliceFromString(name)
	if err != nil {
		return 0, err
	}
	keyBytes, err := unix.ByteSliceFromString("name")
	if err != nil {
		return 0, err
	}
	// errmsg buffer: jail_get fills it with a human-readable failure
	// reason (e.g. "jail not found") instead of returning one via errno.
	errmsgKey, err := unix.ByteSliceFromString("errmsg")
	if err != nil {
		return 0, err
	}
	errmsgBuf := make([]byte, 256)

	iovecs := []unix.Iovec{
		{Base: &keyBytes[0], Len: uint64(len(keyBytes))},
		{Base: &nameBytes[0], Len: uint64(len(nameBytes))},
		{Base: &errmsgKey[0], Len: uint64(len(errmsgKey))},
		{Base: &errmsgBuf[0], Len: uint64(len(errmsgBuf))},
	}

	r1, _, errno := unix.Syscall(
		unix.SYS_JAIL_GET,
		uintptr(unsafe.Pointer(&iovecs[0])),
		uintptr(len(iovecs)),
		0,
	)
	if errno == unix.ENOENT {
		return 0, nil
	}
	if errno != 0 {
		return 0, errno
	}
	return int(r1), nil
}
