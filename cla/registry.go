// SPDX-License-Identifier: GPL-3.0-or-later

package cla

import (
	"context"
	"fmt"
	"sync"

	"github.com/dtn7/bpa-core/bpv7"
	log "github.com/sirupsen/logrus"
)

type registeredCLA struct {
	name string
	cla  ConvergenceLayer
	sink *sink
}

// Registry is the core-side CLA registry: the set of currently attached
// convergence layer adapters, each handed a Sink scoped to its own name so
// it can only ever add, remove or dispatch through peers it registered
// itself.
type Registry struct {
	mu    sync.Mutex
	clas  map[string]*registeredCLA
	peers *PeerTable
	ingest Ingestor
}

// NewRegistry creates a Registry backed by the given peer table and
// dispatcher ingest hook.
func NewRegistry(peers *PeerTable, ingest Ingestor) *Registry {
	return &Registry{
		clas:   make(map[string]*registeredCLA),
		peers:  peers,
		ingest: ingest,
	}
}

// Register attaches a convergence layer adapter under name, handing it a
// Sink back into the core via ConvergenceLayer.OnRegister.
func (r *Registry) Register(name string, c ConvergenceLayer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.clas[name]; exists {
		return fmt.Errorf("cla: %q is already registered", name)
	}

	s := &sink{name: name, registry: r}
	rc := &registeredCLA{name: name, cla: c, sink: s}
	r.clas[name] = rc

	log.WithField("cla", name).Info("convergence layer adapter registered")
	c.OnRegister(s)
	return nil
}

// Unregister detaches the convergence layer adapter registered under name,
// notifying it via ConvergenceLayer.OnUnregister and withdrawing every peer
// it had registered.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	rc, ok := r.clas[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("cla: %q is not registered", name)
	}
	delete(r.clas, name)
	r.mu.Unlock()

	rc.cla.OnUnregister()
	r.peers.RemoveByCLA(name)
	log.WithField("cla", name).Info("convergence layer adapter unregistered")
	return nil
}

// Forward delegates to the named CLA's Forward method.
func (r *Registry) Forward(ctx context.Context, claName string, queue *uint32, address string, data []byte) (ForwardOutcome, error) {
	r.mu.Lock()
	rc, ok := r.clas[claName]
	r.mu.Unlock()
	if !ok {
		return NoNeighbour, fmt.Errorf("cla: %q is not registered", claName)
	}
	return rc.cla.Forward(ctx, queue, address, data)
}

// sink is the Sink handed to exactly one registered CLA. It carries only
// the CLA's own name, so every call it makes is implicitly scoped to that
// CLA's own peers — a weak reference back into the registry rather than a
// capability that could reach another adapter's state.
type sink struct {
	name     string
	registry *Registry
}

func (s *sink) Dispatch(data []byte, ingress IngressInfo) error {
	ingress.CLAName = s.name
	return s.registry.ingest.Ingest(data, ingress)
}

func (s *sink) AddPeer(address string, eids []bpv7.EndpointID) (uint64, error) {
	peer, err := s.registry.peers.AddPeer(s.name, address, eids, s.registry.queueCountFor(s.name))
	if err != nil {
		return 0, err
	}
	return peer.ID, nil
}

func (s *sink) RemovePeer(address string) error {
	_, err := s.registry.peers.RemovePeer(s.name, address)
	return err
}

func (s *sink) Unregister() {
	_ = s.registry.Unregister(s.name)
}

// queueCountFor reports the registered CLA's advertised priority queue
// count, used when a Sink call needs to size a new peer's queue set.
func (r *Registry) queueCountFor(name string) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	rc, ok := r.clas[name]
	if !ok {
		return 0
	}
	return rc.cla.QueueCount()
}
