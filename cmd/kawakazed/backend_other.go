//go:build !freebsd

package main

import "github.com/2a46m4/kawakaze/internal/jail"

// jailBackend returns nil off FreeBSD, so internal/jail falls back to
// shelling out to jail(8)/jls(8) — useful for running the daemon's
// test suite and for local development on a non-FreeBSD workstation,
// never for production use (§1: "host-system prerequisites ... FreeBSD
// kernel" is explicitly out of scope, not something this daemon works
// around).
func jailBackend() jail.Backend {
	return nil
}
