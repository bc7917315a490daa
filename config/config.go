// SPDX-License-Identifier: GPL-3.0-or-later

// Package config loads and hot-reloads the TOML configuration of a bundle
// protocol agent: the recognised core options, the storage cache sizing,
// logging, and the set of static routes and peers an operator declares
// ahead of time rather than learning via discovery.
package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/bpa-core/bpv7"
)

// CoreConf is the `[core]` TOML block: the recognised core options.
type CoreConf struct {
	// NodeIDs lists this node's administrative EIDs, one per scheme in use.
	// The first entry is this node's primary/singleton endpoint.
	NodeIDs []string `toml:"node_ids"`

	// StatusReports enables RFC 9171 status-report generation. Default false.
	StatusReports bool `toml:"status_reports"`

	// ProcessingPoolSize bounds concurrent bundle-processing work. Default
	// 4x the number of CPUs.
	ProcessingPoolSize int `toml:"processing_pool_size"`

	// PollChannelDepth sizes every hybrid channel's in-memory fast path.
	// Default 16.
	PollChannelDepth int `toml:"poll_channel_depth"`

	// Store is the directory bundle blobs and metadata are persisted
	// under. Required: there is no sane default for where a node's state
	// should live on disk.
	Store string `toml:"store"`
}

// StorageConf is the `[storage_config]` TOML block.
type StorageConf struct {
	// LRUCapacity is the number of bundle-data cache entries kept in
	// memory. Default 1024.
	LRUCapacity int `toml:"lru_capacity"`

	// MaxCachedBundleSize is the largest payload, in bytes, the cache will
	// hold on a save. Default 16 KiB.
	MaxCachedBundleSize int `toml:"max_cached_bundle_size"`
}

// LoggingConf is the `[logging]` TOML block, following the teacher's
// cmd/dtnd/configuration.go shape.
type LoggingConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// RouteConf is one `[[route]]` entry: a static pattern-table install.
type RouteConf struct {
	Priority uint32
	Pattern  string
	// Action is one of "drop", "reflect", "via".
	Action string
	// Via is the next-hop EID, used only when Action is "via".
	Via string
	// Reason is the RFC 9171 status report reason code attached to a drop
	// route. Defaults to NoRouteToDestination.
	Reason uint64
}

// PeerConf is one `[[peer]]` entry: a statically declared, always-on peer
// reachable through an already-registered CLA.
type PeerConf struct {
	CLA        string `toml:"cla"`
	Address    string
	NodeIDs    []string `toml:"node_ids"`
	QueueCount uint32   `toml:"queue_count"`
}

// AgentsConf is the `[agents]` TOML block: the reference REST/WebSocket
// application agent's listen address. Following the teacher's
// agentsConfig/agentsWebserverConfig shape, but for a single agent, since
// RestAgent already bundles both REST and WebSocket routes under one
// router.
type AgentsConf struct {
	// RestAddress, if non-empty, starts the reference RestAgent listening
	// on this address, registered under RestEndpoint.
	RestAddress string `toml:"rest_address"`

	// RestEndpoint is the EID the reference RestAgent registers under. Must
	// differ from every entry in core.node_ids: the RIB resolves an exact
	// AdminEndpoint match ahead of any DeliverTo at the same EID, so a REST
	// agent sharing the node's own admin endpoint would never receive
	// anything.
	RestEndpoint string `toml:"rest_endpoint"`
}

// DiscoveryConf is the `[discovery]` TOML block: Neighbour discovery over
// multicast for the loopback/example convergence layer.
type DiscoveryConf struct {
	// Enabled turns on periodic multicast announcements.
	Enabled bool

	// Port is the UDP port peers announce and listen on.
	Port uint16

	// IntervalMS is the delay between announcements, in milliseconds.
	// Default 2000.
	IntervalMS int `toml:"interval_ms"`

	// IPv4, IPv6 select which multicast groups to use. At least one must
	// be set for discovery to do anything.
	IPv4 bool `toml:"ipv4"`
	IPv6 bool `toml:"ipv6"`
}

// Config is the decoded TOML configuration document.
type Config struct {
	Core      CoreConf
	Storage   StorageConf `toml:"storage_config"`
	Logging   LoggingConf
	Agents    AgentsConf
	Discovery DiscoveryConf
	Route     []RouteConf
	Peer      []PeerConf
}

// defaults fills in the recognised options' documented defaults before the
// TOML file is decoded over them, so an absent key keeps its default rather
// than decoding to the zero value.
func defaults() Config {
	return Config{
		Core: CoreConf{
			ProcessingPoolSize: 4 * runtime.NumCPU(),
			PollChannelDepth:   16,
		},
		Storage: StorageConf{
			LRUCapacity:         1024,
			MaxCachedBundleSize: 16 * 1024,
		},
		Discovery: DiscoveryConf{
			IntervalMS: 2000,
		},
	}
}

// Interval returns discovery.interval_ms as a time.Duration.
func (c Config) Interval() time.Duration {
	return time.Duration(c.Discovery.IntervalMS) * time.Millisecond
}

// Load decodes the TOML file at path over the documented defaults and
// applies the logging configuration immediately.
func Load(path string) (Config, error) {
	cfg := defaults()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	if len(cfg.Core.NodeIDs) == 0 {
		return Config{}, fmt.Errorf("config: core.node_ids must list at least one endpoint")
	}
	if cfg.Core.Store == "" {
		return Config{}, fmt.Errorf("config: core.store must name a directory for bundle storage")
	}
	applyLogging(cfg.Logging)
	return cfg, nil
}

// applyLogging mirrors the teacher's cmd/dtnd/configuration.go logging
// setup: level, caller reporting, and text/json formatter selection.
func applyLogging(conf LoggingConf) {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("config: failed to set log level")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})
	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	default:
		log.Warn("config: unknown logging format")
	}
}

// NodeEndpoints parses every core.node_ids entry into a bpv7.EndpointID.
func (c Config) NodeEndpoints() ([]bpv7.EndpointID, error) {
	eids := make([]bpv7.EndpointID, 0, len(c.Core.NodeIDs))
	for _, raw := range c.Core.NodeIDs {
		eid, err := bpv7.NewEndpointID(raw)
		if err != nil {
			return nil, fmt.Errorf("config: core.node_ids %q: %w", raw, err)
		}
		eids = append(eids, eid)
	}
	return eids, nil
}

// PrimaryNodeEndpoint is this node's singleton endpoint, the first
// configured node id.
func (c Config) PrimaryNodeEndpoint() (bpv7.EndpointID, error) {
	eids, err := c.NodeEndpoints()
	if err != nil {
		return bpv7.EndpointID{}, err
	}
	if len(eids) == 0 {
		return bpv7.EndpointID{}, fmt.Errorf("config: core.node_ids is empty")
	}
	return eids[0], nil
}

// RestEndpoint parses agents.rest_endpoint, if set.
func (c Config) RestEndpoint() (bpv7.EndpointID, error) {
	if c.Agents.RestEndpoint == "" {
		return bpv7.EndpointID{}, fmt.Errorf("config: agents.rest_endpoint is not set")
	}
	return bpv7.NewEndpointID(c.Agents.RestEndpoint)
}
