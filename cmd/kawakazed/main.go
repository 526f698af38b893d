// Command kawakazed is the daemon entry point: it loads configuration,
// wires the six components of §2 together, reconciles persisted state
// against the live kernel, and serves the RPC socket until signaled to
// stop. Argument parsing, PTY-forwarding exec, and table rendering are
// explicitly CLI-local per §1 and are not implemented here.
package main

import (
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/2a46m4/kawakaze/internal/bootstrap"
	"github.com/2a46m4/kawakaze/internal/build"
	"github.com/2a46m4/kawakaze/internal/config"
	"github.com/2a46m4/kawakaze/internal/jail"
	"github.com/2a46m4/kawakaze/internal/logging"
	"github.com/2a46m4/kawakaze/internal/manager"
	"github.com/2a46m4/kawakaze/internal/netutil"
	"github.com/2a46m4/kawakaze/internal/rpc"
	"github.com/2a46m4/kawakaze/internal/store"
	"github.com/2a46m4/kawakaze/internal/zfs"
)

const jailRootDir = "/var/db/kawakaze/jails"
const buildMountRoot = "/var/db/kawakaze/builds"
const ipStateFile = "/var/db/kawakaze/ip_allocations.txt"

func main() {
	logging.Init()

	if err := run(); err != nil {
		logrus.WithError(err).Error("kawakazed: fatal startup error")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	zfsDriver, err := zfs.New(cfg.ZfsPool)
	if err != nil {
		return fmt.Errorf("init zfs driver: %w", err)
	}

	st, err := store.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	subnet, err := netip.ParsePrefix(cfg.Network.ContainerCIDR)
	if err != nil {
		return fmt.Errorf("parse container cidr: %w", err)
	}
	gateway := netutil.GatewayAddr(subnet)

	var ipAlloc *netutil.IPAllocator
	var netMgr *netutil.Manager
	if cfg.Network.NATEnabled {
		ipAlloc, err = netutil.NewIPAllocator(subnet, ipStateFile)
		if err != nil {
			return fmt.Errorf("init ip allocator: %w", err)
		}

		extIface, err := netutil.DetectExternalInterface()
		if err != nil {
			logrus.WithError(err).Warn("failed to detect external interface, NAT/port-forwarding will not work")
		}
		netMgr = netutil.NewManager(cfg.Network.BridgeName, extIface)
		if err := netMgr.EnsureBridge(fmt.Sprintf("%s/%d", gateway, subnet.Bits())); err != nil {
			logrus.WithError(err).Warn("failed to configure bridge, continuing without it")
		}
		if err := netMgr.EnableNAT(cfg.Network.ContainerCIDR); err != nil {
			logrus.WithError(err).Warn("failed to enable nat, continuing without it")
		}
	}

	jailMgr := jail.NewManager(jailBackend())
	bootstrapEngine := bootstrap.New(cfg.Storage.CachePath)
	builder := build.New(build.Deps{
		Zfs: zfsDriver, Store: st, Bootstrap: bootstrapEngine, BuildMountRoot: buildMountRoot,
	})

	mgr := manager.New(manager.Deps{
		Store: st, Zfs: zfsDriver, Net: netMgr, Jail: jailMgr,
		Bootstrap: bootstrapEngine, Builder: builder, IPs: ipAlloc,
		ContainerCIDR: cfg.Network.ContainerCIDR, GatewayAddr: gateway.String(),
		JailRoot: jailRootDir, BuildMountRoot: buildMountRoot,
	})

	if err := mgr.Reconcile(); err != nil {
		logrus.WithError(err).Warn("reconciliation reported errors, continuing with partial state")
	}

	server := rpc.NewServer(mgr, cfg.Storage.SocketPath)
	server.RequestTimeout = time.Duration(cfg.API.Timeout) * time.Second
	if err := server.Listen(); err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Storage.SocketPath, err)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logrus.WithField("socket", cfg.Storage.SocketPath).Info("kawakazed listening")

	select {
	case sig := <-sigCh:
		logrus.WithField("signal", sig).Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			logrus.WithError(err).Error("rpc server stopped unexpectedly")
		}
	}

	server.Close()
	mgr.Shutdown()
	return nil
}
