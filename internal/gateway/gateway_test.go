// Package gateway holds end-to-end tests that run a real client gateway
// against a real server gateway over loopback TCP, exercising the wire
// protocol the unit tests below the package boundary can't.
package gateway

import (
	"net"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/Xuanwo/djos-migrate/internal/config"
	"github.com/Xuanwo/djos-migrate/internal/gateway/client"
	"github.com/Xuanwo/djos-migrate/internal/gateway/server"
	"github.com/Xuanwo/djos-migrate/internal/kernel"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func startServer(t *testing.T, reg *kernel.Registry, cfg config.Config, addr string) *server.Server {
	t.Helper()
	srv, err := server.New(hclog.NewNullLogger(), reg, cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	go func() {
		if err := srv.ListenAndServe(addr); err != nil {
			t.Logf("server exited: %v", err)
		}
	}()
	t.Cleanup(func() { srv.Close() })
	time.Sleep(50 * time.Millisecond)
	return srv
}

// TestMigrateSuspendedEnvIsLeasedOnRemote drives a whole single migration
// through a real client and real server: allocate a local env, suspend it
// via Migrate, and confirm the remote registry ends up with one alien env.
func TestMigrateSuspendedEnvIsLeasedOnRemote(t *testing.T) {
	cfg := config.Default()
	cfg.Retries = 1

	serverAddr := freeAddr(t)
	remoteReg := kernel.NewRegistry(hclog.NewNullLogger())
	startServer(t, remoteReg, cfg, serverAddr)

	clientAddr := freeAddr(t)
	localReg := kernel.NewRegistry(hclog.NewNullLogger())
	c, err := client.New(hclog.NewNullLogger(), localReg, cfg, clientAddr, serverAddr)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	envID, err := localReg.Alloc(0)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if err := localReg.HandlePageFault(envID, kernel.UTEXT); err != nil {
		t.Fatalf("fault: %v", err)
	}
	// The env's thisenv global lives in its own mapped data page; the
	// server rewrites it in place on DONE_LEASE.
	if err := localReg.HandlePageFault(envID, 0x803000); err != nil {
		t.Fatalf("fault thisenv page: %v", err)
	}

	if err := localReg.Migrate(envID, 0x803000); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var status kernel.Status
	for time.Now().Before(deadline) {
		e, err := localReg.LookupByID(0, envID, false)
		if err != nil {
			t.Fatalf("lookup: %v", err)
		}
		status = e.Status
		if status == kernel.Leased {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if status != kernel.Leased {
		t.Fatalf("expected local env to settle at LEASED, got %v", status)
	}

	found := false
	for _, id := range remoteReg.AllocatedIDs() {
		e, err := remoteReg.LookupByID(0, id, false)
		if err != nil {
			continue
		}
		if e.Alien {
			found = true
			break
		}
	}
	if !found {
		t.Fatal("expected an alien env on the remote registry after migration")
	}
	_ = c
}
