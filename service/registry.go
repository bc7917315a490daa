// SPDX-License-Identifier: GPL-3.0-or-later

package service

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/bpa-core/bpv7"
	"github.com/dtn7/bpa-core/rib"
)

type registeredService struct {
	endpoint bpv7.EndpointID
	service  Service
	sink     *sink
}

// Registry is the core-side service registry: the set of currently
// registered local services, each bound into the RIB's local table as a
// DeliverTo(endpoint.String()) target under its own endpoint EID.
type Registry struct {
	mu       sync.Mutex
	services map[string]*registeredService
	rib      *rib.Rib
	sender   Sender
}

// NewRegistry creates a Registry backed by the given RIB and dispatcher
// send hook.
func NewRegistry(r *rib.Rib, sender Sender) *Registry {
	return &Registry{
		services: make(map[string]*registeredService),
		rib:      r,
		sender:   sender,
	}
}

// Register binds svc to endpoint, installing a RIB local-table DeliverTo
// route for it and handing svc a Sink scoped to that endpoint.
func (r *Registry) Register(endpoint bpv7.EndpointID, svc Service) error {
	key := endpoint.String()

	r.mu.Lock()
	if _, exists := r.services[key]; exists {
		r.mu.Unlock()
		return fmt.Errorf("service: %q already has a registered service", key)
	}

	s := &sink{endpoint: endpoint, registry: r}
	rc := &registeredService{endpoint: endpoint, service: svc, sink: s}
	r.services[key] = rc
	r.mu.Unlock()

	r.rib.AddLocal(endpoint, rib.Deliver(key))

	log.WithField("endpoint", key).Info("service registered")
	svc.OnRegister(endpoint, s)
	return nil
}

// Unregister detaches the service registered for endpoint, notifying it
// via Service.OnUnregister and withdrawing its RIB route.
func (r *Registry) Unregister(endpoint bpv7.EndpointID) error {
	key := endpoint.String()

	r.mu.Lock()
	rc, ok := r.services[key]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("service: %q has no registered service", key)
	}
	delete(r.services, key)
	r.mu.Unlock()

	r.rib.RemoveLocal(endpoint, rib.Deliver(key))
	rc.service.OnUnregister()
	log.WithField("endpoint", key).Info("service unregistered")
	return nil
}

// Deliver hands a reassembled payload to the service registered under
// serviceID (the registering endpoint's string form, as stashed in the
// RIB's DeliverTo action).
func (r *Registry) Deliver(serviceID string, data []byte, expiry time.Time) error {
	r.mu.Lock()
	rc, ok := r.services[serviceID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("service: %q is not registered", serviceID)
	}
	rc.service.OnReceive(data, expiry)
	return nil
}

// NotifyStatus forwards an RFC 9171 status event to the service registered
// under serviceID, if any is still registered.
func (r *Registry) NotifyStatus(serviceID string, bundleID bpv7.BundleID, from bpv7.EndpointID, kind bpv7.StatusInformationPos, reason bpv7.StatusReportReason, ts time.Time) {
	r.mu.Lock()
	rc, ok := r.services[serviceID]
	r.mu.Unlock()
	if !ok {
		return
	}
	rc.service.OnStatusNotify(bundleID, from, kind, reason, ts)
}

// sink is the Sink handed to exactly one registered Service, scoped to
// that service's own registered endpoint so it can only ever send bundles
// sourced from (or report-to) the endpoint it registered.
type sink struct {
	endpoint bpv7.EndpointID
	registry *Registry
}

func (s *sink) Send(data []byte) (bpv7.BundleID, error) {
	var env SendEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return bpv7.BundleID{}, fmt.Errorf("service: malformed send envelope: %w", err)
	}

	destination, err := bpv7.NewEndpointID(env.Destination)
	if err != nil {
		return bpv7.BundleID{}, fmt.Errorf("service: invalid destination: %w", err)
	}

	opts := SendOptions{StatusReports: env.StatusReports}
	if env.ReportTo != "" {
		reportTo, err := bpv7.NewEndpointID(env.ReportTo)
		if err != nil {
			return bpv7.BundleID{}, fmt.Errorf("service: invalid report_to: %w", err)
		}
		opts.ReportTo, opts.HasReportTo = reportTo, true
	}
	if env.FlowLabel != nil {
		opts.FlowLabel, opts.HasFlowLabel = *env.FlowLabel, true
	}
	if env.Lifetime != "" {
		lifetime, err := time.ParseDuration(env.Lifetime)
		if err != nil {
			return bpv7.BundleID{}, fmt.Errorf("service: invalid lifetime: %w", err)
		}
		opts.Lifetime = lifetime
	}

	return s.registry.sender.SendFrom(s.endpoint, s.endpoint, destination, env.Payload, opts)
}

func (s *sink) Cancel(bundleID bpv7.BundleID) bool {
	return s.registry.sender.Cancel(bundleID)
}

func (s *sink) Unregister() {
	_ = s.registry.Unregister(s.endpoint)
}
