// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/bpa-core/cla"
	"github.com/dtn7/bpa-core/cla/discovery"
	"github.com/dtn7/bpa-core/config"
	"github.com/dtn7/bpa-core/dispatch"
	"github.com/dtn7/bpa-core/filter"
	"github.com/dtn7/bpa-core/rib"
	"github.com/dtn7/bpa-core/service"
	"github.com/dtn7/bpa-core/store"
)

// node owns every long-lived component one configuration file wires
// together, following the teacher's cmd/dtnd/core.Core shape but spread
// across this module's packages rather than bundled into one struct.
type node struct {
	path string
	cfg  config.Config

	metadata *store.BadgerMetadataStorage
	st       *store.Store
	rib      *rib.Rib
	peers    *cla.PeerTable
	clas     *cla.Registry
	services *service.Registry
	dsp      *dispatch.Dispatcher
	watcher  *config.Watcher

	restServer *http.Server
	loopback   *loopbackCLA
	discoverer *discovery.Manager

	cancel context.CancelFunc
}

// newNode decodes path and constructs every component, but starts nothing:
// the caller starts the node's workers via run.
func newNode(path string) (*node, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	blobDir := filepath.Join(cfg.Core.Store, "blobs")
	metaDir := filepath.Join(cfg.Core.Store, "metadata")

	blobs, err := store.NewFileBundleStorage(blobDir)
	if err != nil {
		return nil, fmt.Errorf("bpad: bundle storage: %w", err)
	}
	metadata, err := store.NewBadgerMetadataStorage(metaDir)
	if err != nil {
		return nil, fmt.Errorf("bpad: metadata storage: %w", err)
	}

	r := rib.New(metadata)
	nodeEndpoints, err := cfg.NodeEndpoints()
	if err != nil {
		return nil, err
	}
	for _, eid := range nodeEndpoints {
		r.AddLocal(eid, rib.Admin())
	}

	peers := cla.NewPeerTable(r, metadata, cfg.Core.PollChannelDepth)
	filters := filter.NewRegistry()

	// store.New needs its ExpireFunc up front, but the natural callback is a
	// method on the Dispatcher, which in turn needs the Store to exist
	// first. dsp is assigned after dispatch.New returns, below; the reaper
	// never invokes onExpire until its own Run loop starts, well after this
	// function returns, so the nil check only ever matters during this
	// narrow construction window.
	var dsp *dispatch.Dispatcher
	onExpire := func(meta store.BundleMetadata) {
		if dsp != nil {
			dsp.HandleExpire(meta)
		}
	}

	st, err := store.New(blobs, metadata, store.Config{
		MaxCachedEntries: cfg.Storage.LRUCapacity,
		MaxCachedSize:    cfg.Storage.MaxCachedBundleSize,
		PollChannelDepth: cfg.Core.PollChannelDepth,
	}, onExpire)
	if err != nil {
		return nil, fmt.Errorf("bpad: store: %w", err)
	}

	primary, err := cfg.PrimaryNodeEndpoint()
	if err != nil {
		return nil, err
	}

	dsp = dispatch.New(dispatch.Config{
		NodeID:               primary,
		StatusReportsEnabled: cfg.Core.StatusReports,
		ProcessingPoolSize:   cfg.Core.ProcessingPoolSize,
		PollChannelDepth:     cfg.Core.PollChannelDepth,
	}, st, metadata, r, filters, peers)

	clas := cla.NewRegistry(peers, dsp)
	services := service.NewRegistry(r, dsp)
	dsp.SetCLARegistry(clas)
	dsp.SetServiceRegistry(services)

	loopback := &loopbackCLA{}
	if err := clas.Register("loopback", loopback); err != nil {
		return nil, fmt.Errorf("bpad: registering loopback convergence layer: %w", err)
	}

	n := &node{
		path:     path,
		cfg:      cfg,
		metadata: metadata,
		st:       st,
		rib:      r,
		peers:    peers,
		clas:     clas,
		services: services,
		dsp:      dsp,
		loopback: loopback,
	}

	if err := n.wireRestAgent(); err != nil {
		return nil, err
	}

	return n, nil
}

// wireRestAgent starts the reference application agent if agents.rest_address
// is configured, following the teacher's cmd/dtnd/configuration.go
// parseAgents shape: bind the router, start ListenAndServe in a goroutine,
// and give it a moment to report an immediate bind failure before returning.
func (n *node) wireRestAgent() error {
	if n.cfg.Agents.RestAddress == "" {
		return nil
	}

	endpoint, err := n.cfg.RestEndpoint()
	if err != nil {
		return fmt.Errorf("bpad: agents.rest_address is set but %w", err)
	}

	router := mux.NewRouter()
	restRouter := router.PathPrefix("/rest").Subrouter()
	ra := service.NewRestAgent(restRouter)
	if err := n.services.Register(endpoint, ra); err != nil {
		return fmt.Errorf("bpad: registering rest agent: %w", err)
	}

	httpServer := &http.Server{
		Addr:    n.cfg.Agents.RestAddress,
		Handler: router,
	}
	n.restServer = httpServer

	errChan := make(chan error, 1)
	go func() { errChan <- httpServer.ListenAndServe() }()

	select {
	case err := <-errChan:
		return fmt.Errorf("bpad: rest agent: %w", err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// run applies the static routes and peers, recovers the store's state from
// a prior run, and starts every worker. Errors encountered along the way are
// logged rather than returned: a daemon that fails recovery should still
// come up and serve whatever it can, rather than refuse to start at all.
func (n *node) run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	addedPeers, err := n.cfg.InstallStatic(n.rib, n.peers)
	if err != nil {
		log.WithError(err).Warn("bpad: failed to install static routes/peers")
	}
	for _, peer := range addedPeers {
		n.dsp.StartForwarding(peer)
	}

	n.watcher = config.NewWatcher(n.path, n.rib, n.peers, n.cfg)

	if n.cfg.Discovery.Enabled {
		payload := []byte(n.cfg.Agents.RestAddress)
		mgr, err := discovery.NewManager(n.loopback.Sink(), "loopback", payload, n.cfg.Discovery.Port,
			n.cfg.Interval(), n.cfg.Discovery.IPv4, n.cfg.Discovery.IPv6)
		if err != nil {
			log.WithError(err).Warn("bpad: failed to start neighbour discovery")
		} else {
			n.discoverer = mgr
		}
	}

	if err := n.dsp.RunRecovery(runCtx); err != nil {
		log.WithError(err).Warn("bpad: recovery encountered errors")
	}

	go n.dsp.RunDispatchWorker(runCtx)
	go n.dsp.RunWaitPoller(runCtx)
	go n.st.RunReaper(runCtx)
	go func() {
		if err := n.watcher.Run(runCtx); err != nil {
			log.WithError(err).Warn("bpad: config watcher stopped")
		}
	}()
}

// close shuts down every long-lived resource that outlives a context
// cancellation.
func (n *node) close() {
	if n.cancel != nil {
		n.cancel()
	}
	if n.discoverer != nil {
		n.discoverer.Close()
	}
	if n.restServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := n.restServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("bpad: rest agent shutdown")
		}
	}
	if err := n.metadata.Close(); err != nil {
		log.WithError(err).Warn("bpad: failed to close metadata storage")
	}
}
