// SPDX-License-Identifier: GPL-3.0-or-later

package config

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/bpa-core/bpv7"
	"github.com/dtn7/bpa-core/cla"
	"github.com/dtn7/bpa-core/rib"
)

// routeSourceTag identifies every rib entry installed from a config file, so
// a later reload can withdraw exactly the entries it previously installed
// without disturbing routes another agent or a routing protocol installed.
const routeSourceTag = "config"

// debounceDelay coalesces the burst of fsnotify events a single save
// typically produces (most editors write, chmod and rename in quick
// succession) into one reload.
const debounceDelay = 200 * time.Millisecond

// Watcher watches the configuration file for changes and applies a bounded
// hot reload: only the static route and peer entries are safe to change at
// runtime, so only those are diffed and re-applied. Everything else (node
// ids, pool sizes, cache limits) requires a restart.
type Watcher struct {
	path  string
	rib   *rib.Rib
	peers *cla.PeerTable
	last  Config
}

// NewWatcher returns a Watcher that diffs future reloads against initial,
// the Config the caller already loaded and built its components from.
func NewWatcher(path string, r *rib.Rib, peers *cla.PeerTable, initial Config) *Watcher {
	return &Watcher{path: path, rib: r, peers: peers, last: initial}
}

// Run blocks, watching the configuration file until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: creating watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.path); err != nil {
		return fmt.Errorf("config: watching %s: %w", w.path, err)
	}

	var debounce *time.Timer
	reload := make(chan struct{}, 1)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.AfterFunc(debounceDelay, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})
			} else {
				debounce.Reset(debounceDelay)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("config: watcher error")

		case <-reload:
			w.reload()
		}
	}
}

// reload re-decodes the configuration file and applies the route/peer diff
// against the last successfully applied Config. A decode failure is logged
// and otherwise ignored: the previous, known-good configuration stays in
// effect rather than being torn down by a malformed edit.
func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		log.WithError(err).Warn("config: failed to reload, keeping previous configuration")
		return
	}

	routesToRemove, routesToInstall := diffRoutes(w.last.Route, cfg.Route)
	for _, rc := range routesToRemove {
		pattern, err := bpv7.NewEidPattern(rc.Pattern)
		if err != nil {
			log.WithError(err).WithField("pattern", rc.Pattern).Warn("config: skipping withdrawal of unparseable route")
			continue
		}
		w.rib.RemoveRoute(rc.Priority, pattern, routeSourceTag)
	}
	for _, rc := range routesToInstall {
		pattern, err := bpv7.NewEidPattern(rc.Pattern)
		if err != nil {
			log.WithError(err).WithField("pattern", rc.Pattern).Warn("config: skipping unparseable route")
			continue
		}
		entry, err := buildRouteEntry(rc)
		if err != nil {
			log.WithError(err).WithField("pattern", rc.Pattern).Warn("config: skipping invalid route")
			continue
		}
		w.rib.AddRoute(rc.Priority, pattern, entry)
	}

	peersToRemove, peersToInstall := diffPeers(w.last.Peer, cfg.Peer)
	for _, pc := range peersToRemove {
		if _, err := w.peers.RemovePeer(pc.CLA, pc.Address); err != nil {
			log.WithError(err).WithField("address", pc.Address).Warn("config: failed to withdraw peer")
		}
	}
	for _, pc := range peersToInstall {
		eids := make([]bpv7.EndpointID, 0, len(pc.NodeIDs))
		for _, raw := range pc.NodeIDs {
			eid, err := bpv7.NewEndpointID(raw)
			if err != nil {
				log.WithError(err).WithField("node_id", raw).Warn("config: skipping invalid peer node id")
				continue
			}
			eids = append(eids, eid)
		}
		if _, err := w.peers.AddPeer(pc.CLA, pc.Address, eids, pc.QueueCount); err != nil {
			log.WithError(err).WithField("address", pc.Address).Warn("config: failed to install peer")
		}
	}

	w.last = cfg
	log.WithFields(log.Fields{
		"routes_removed": len(routesToRemove),
		"routes_added":   len(routesToInstall),
		"peers_removed":  len(peersToRemove),
		"peers_added":    len(peersToInstall),
	}).Info("config: reloaded")
}

// InstallStatic applies every static route and peer declaration in c. A
// caller runs this once at startup, before handing c to NewWatcher as the
// baseline future reloads are diffed against. Returns the peers added, so
// the caller can start their forwarders (a carried-over ForwardPending
// bundle should not have to wait for a fresh arrival to resume draining).
func (c Config) InstallStatic(r *rib.Rib, peers *cla.PeerTable) ([]*cla.Peer, error) {
	for _, rc := range c.Route {
		pattern, err := bpv7.NewEidPattern(rc.Pattern)
		if err != nil {
			return nil, fmt.Errorf("config: route pattern %q: %w", rc.Pattern, err)
		}
		entry, err := buildRouteEntry(rc)
		if err != nil {
			return nil, fmt.Errorf("config: route %q: %w", rc.Pattern, err)
		}
		r.AddRoute(rc.Priority, pattern, entry)
	}

	added := make([]*cla.Peer, 0, len(c.Peer))
	for _, pc := range c.Peer {
		eids := make([]bpv7.EndpointID, 0, len(pc.NodeIDs))
		for _, raw := range pc.NodeIDs {
			eid, err := bpv7.NewEndpointID(raw)
			if err != nil {
				return nil, fmt.Errorf("config: peer %s node_id %q: %w", pc.Address, raw, err)
			}
			eids = append(eids, eid)
		}
		peer, err := peers.AddPeer(pc.CLA, pc.Address, eids, pc.QueueCount)
		if err != nil {
			return nil, fmt.Errorf("config: peer %s: %w", pc.Address, err)
		}
		added = append(added, peer)
	}
	return added, nil
}

// buildRouteEntry translates a RouteConf's action into the matching
// rib.RouteEntry constructor. A drop route left without an explicit reason
// defaults to NoRouteToDestination, the natural reason for an
// operator-declared blackhole route.
func buildRouteEntry(rc RouteConf) (rib.RouteEntry, error) {
	switch rc.Action {
	case "drop":
		reason := bpv7.StatusReportReason(rc.Reason)
		if rc.Reason == 0 {
			reason = bpv7.NoRouteToDestination
		}
		return rib.Drop(routeSourceTag, reason), nil

	case "reflect":
		return rib.Reflect(routeSourceTag), nil

	case "via":
		eid, err := bpv7.NewEndpointID(rc.Via)
		if err != nil {
			return rib.RouteEntry{}, fmt.Errorf("route via %q: %w", rc.Via, err)
		}
		return rib.Via(routeSourceTag, eid), nil

	default:
		return rib.RouteEntry{}, fmt.Errorf("unknown route action %q", rc.Action)
	}
}

// routeKey identifies a route slot independent of its action, so an action
// change at the same priority/pattern is diffed as a remove-then-install
// rather than missed because the two RouteConf values differ.
type routeKey struct {
	priority uint32
	pattern  string
}

func diffRoutes(old, updated []RouteConf) (toRemove, toInstall []RouteConf) {
	oldByKey := make(map[routeKey]RouteConf, len(old))
	for _, rc := range old {
		oldByKey[routeKey{rc.Priority, rc.Pattern}] = rc
	}
	newByKey := make(map[routeKey]RouteConf, len(updated))
	for _, rc := range updated {
		newByKey[routeKey{rc.Priority, rc.Pattern}] = rc
	}

	for k, rc := range oldByKey {
		if nrc, ok := newByKey[k]; !ok || nrc != rc {
			toRemove = append(toRemove, rc)
		}
	}
	for k, rc := range newByKey {
		if orc, ok := oldByKey[k]; !ok || orc != rc {
			toInstall = append(toInstall, rc)
		}
	}
	return
}

func peerKey(pc PeerConf) string {
	return pc.CLA + "\x00" + pc.Address
}

func diffPeers(old, updated []PeerConf) (toRemove, toInstall []PeerConf) {
	oldByKey := make(map[string]PeerConf, len(old))
	for _, pc := range old {
		oldByKey[peerKey(pc)] = pc
	}
	newByKey := make(map[string]PeerConf, len(updated))
	for _, pc := range updated {
		newByKey[peerKey(pc)] = pc
	}

	for k, pc := range oldByKey {
		if npc, ok := newByKey[k]; !ok || !reflect.DeepEqual(npc, pc) {
			toRemove = append(toRemove, pc)
		}
	}
	for k, pc := range newByKey {
		if opc, ok := oldByKey[k]; !ok || !reflect.DeepEqual(opc, pc) {
			toInstall = append(toInstall, pc)
		}
	}
	return
}
