package provider

import (
	"os"
	"testing"

	"github.com/mcs-systems/mcs/cmn"
)

func TestPublishDiscoverRoundTrip(t *testing.T) {
	dir := t.TempDir()
	addr := cmn.Address{Network: "tcp", Addr: "127.0.0.1:9000"}

	published, err := Publish(dir, addr)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got, err := Discover(dir)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if got.Descriptor.Address != addr {
		t.Fatalf("Address = %+v, want %+v", got.Descriptor.Address, addr)
	}
	if got.Descriptor.InstanceID != published.InstanceID {
		t.Fatalf("InstanceID = %q, want %q", got.Descriptor.InstanceID, published.InstanceID)
	}
	if got.PID != os.Getpid() {
		t.Fatalf("PID = %d, want %d", got.PID, os.Getpid())
	}
}

func TestPublishRegeneratesInstanceID(t *testing.T) {
	dir := t.TempDir()
	addr := cmn.Address{Network: "unix", Addr: "/tmp/sock"}

	first, err := Publish(dir, addr)
	if err != nil {
		t.Fatalf("Publish #1: %v", err)
	}
	second, err := Publish(dir, addr)
	if err != nil {
		t.Fatalf("Publish #2: %v", err)
	}
	if first.InstanceID == second.InstanceID {
		t.Fatal("two Publish calls should not share an instance id")
	}

	got, err := Discover(dir)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if got.Descriptor.InstanceID != second.InstanceID {
		t.Fatalf("Discover should read back the latest publish, got %q want %q", got.Descriptor.InstanceID, second.InstanceID)
	}
}

func TestDiscoverEmptyPrefixFails(t *testing.T) {
	if _, err := Discover(t.TempDir()); err == nil {
		t.Fatal("expected Discover on an empty prefix to fail")
	}
}
