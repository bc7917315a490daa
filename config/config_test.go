// SPDX-License-Identifier: GPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDocumentedDefaults(t *testing.T) {
	path := writeConfig(t, `
[core]
node_ids = ["dtn://node/"]
store = "/tmp/bpad-store"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Core.PollChannelDepth != 16 {
		t.Fatalf("poll_channel_depth = %d, want 16", cfg.Core.PollChannelDepth)
	}
	if cfg.Storage.LRUCapacity != 1024 {
		t.Fatalf("lru_capacity = %d, want 1024", cfg.Storage.LRUCapacity)
	}
	if cfg.Storage.MaxCachedBundleSize != 16*1024 {
		t.Fatalf("max_cached_bundle_size = %d, want 16384", cfg.Storage.MaxCachedBundleSize)
	}
	if cfg.Core.ProcessingPoolSize <= 0 {
		t.Fatalf("processing_pool_size = %d, want > 0", cfg.Core.ProcessingPoolSize)
	}
	if cfg.Core.StatusReports {
		t.Fatal("status_reports should default to false")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[core]
node_ids = ["dtn://node/"]
store = "/tmp/bpad-store"
status_reports = true
poll_channel_depth = 64
processing_pool_size = 8

[storage_config]
lru_capacity = 2048
max_cached_bundle_size = 4096
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Core.StatusReports {
		t.Fatal("expected status_reports = true")
	}
	if cfg.Core.PollChannelDepth != 64 {
		t.Fatalf("poll_channel_depth = %d, want 64", cfg.Core.PollChannelDepth)
	}
	if cfg.Core.ProcessingPoolSize != 8 {
		t.Fatalf("processing_pool_size = %d, want 8", cfg.Core.ProcessingPoolSize)
	}
	if cfg.Storage.LRUCapacity != 2048 {
		t.Fatalf("lru_capacity = %d, want 2048", cfg.Storage.LRUCapacity)
	}
	if cfg.Storage.MaxCachedBundleSize != 4096 {
		t.Fatalf("max_cached_bundle_size = %d, want 4096", cfg.Storage.MaxCachedBundleSize)
	}
}

func TestLoadRejectsMissingNodeIDs(t *testing.T) {
	path := writeConfig(t, `
[core]
status_reports = true
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for a config with no core.node_ids")
	}
}

func TestNodeEndpointsParsesEveryEntry(t *testing.T) {
	path := writeConfig(t, `
[core]
node_ids = ["dtn://node/", "ipn:1.1"]
store = "/tmp/bpad-store"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	eids, err := cfg.NodeEndpoints()
	if err != nil {
		t.Fatal(err)
	}
	if len(eids) != 2 {
		t.Fatalf("got %d endpoints, want 2", len(eids))
	}

	primary, err := cfg.PrimaryNodeEndpoint()
	if err != nil {
		t.Fatal(err)
	}
	if primary != eids[0] {
		t.Fatalf("primary = %v, want %v", primary, eids[0])
	}
}

func TestNodeEndpointsRejectsUnparseableEntry(t *testing.T) {
	path := writeConfig(t, `
[core]
node_ids = ["not-a-valid-eid"]
store = "/tmp/bpad-store"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cfg.NodeEndpoints(); err == nil {
		t.Fatal("expected an error parsing an invalid endpoint id")
	}
}

func TestLoadParsesRoutesAndPeers(t *testing.T) {
	path := writeConfig(t, `
[core]
node_ids = ["dtn://node/"]
store = "/tmp/bpad-store"

[[route]]
priority = 0
pattern = "dtn://blackhole/*"
action = "drop"

[[route]]
priority = 10
pattern = "dtn://relay/*"
action = "via"
via = "dtn://peer/"

[[peer]]
cla = "test-cla"
address = "addr-1"
node_ids = ["dtn://peer/"]
queue_count = 2
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Route) != 2 {
		t.Fatalf("got %d routes, want 2", len(cfg.Route))
	}
	if cfg.Route[0].Action != "drop" || cfg.Route[1].Action != "via" {
		t.Fatalf("routes = %+v", cfg.Route)
	}
	if len(cfg.Peer) != 1 || cfg.Peer[0].CLA != "test-cla" || cfg.Peer[0].QueueCount != 2 {
		t.Fatalf("peers = %+v", cfg.Peer)
	}
}

func TestRestEndpointRequiresConfiguration(t *testing.T) {
	path := writeConfig(t, `
[core]
node_ids = ["dtn://node/"]
store = "/tmp/bpad-store"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cfg.RestEndpoint(); err == nil {
		t.Fatal("expected an error when agents.rest_endpoint is unset")
	}
}

func TestRestEndpointParsesConfiguredValue(t *testing.T) {
	path := writeConfig(t, `
[core]
node_ids = ["dtn://node/"]
store = "/tmp/bpad-store"

[agents]
rest_address = "127.0.0.1:8080"
rest_endpoint = "dtn://node/app/"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	eid, err := cfg.RestEndpoint()
	if err != nil {
		t.Fatal(err)
	}
	if eid != mustEid(t, "dtn://node/app/") {
		t.Fatalf("rest endpoint = %v, want dtn://node/app/", eid)
	}
	if cfg.Agents.RestAddress != "127.0.0.1:8080" {
		t.Fatalf("rest address = %q", cfg.Agents.RestAddress)
	}
}

func TestDiscoveryDefaultsAndOverride(t *testing.T) {
	path := writeConfig(t, `
[core]
node_ids = ["dtn://node/"]
store = "/tmp/bpad-store"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Discovery.Enabled {
		t.Fatal("discovery should default to disabled")
	}
	if cfg.Interval() != 2*time.Second {
		t.Fatalf("interval = %v, want 2s", cfg.Interval())
	}

	path = writeConfig(t, `
[core]
node_ids = ["dtn://node/"]
store = "/tmp/bpad-store"

[discovery]
enabled = true
port = 9000
interval_ms = 500
ipv4 = true
`)
	cfg, err = Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Discovery.Enabled || cfg.Discovery.Port != 9000 || !cfg.Discovery.IPv4 {
		t.Fatalf("discovery = %+v", cfg.Discovery)
	}
	if cfg.Interval() != 500*time.Millisecond {
		t.Fatalf("interval = %v, want 500ms", cfg.Interval())
	}
}
