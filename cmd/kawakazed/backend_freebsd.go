//go:build freebsd

package main

import "github.com/2a46m4/kawakaze/internal/jail"

// jailBackend returns the syscall-backed jail.Backend on FreeBSD, where
// jail_set(2)/jail_get(2)/jail_remove(2) are actually available.
func jailBackend() jail.Backend {
	return jail.SyscallBackend{}
}
