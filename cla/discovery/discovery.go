// SPDX-License-Identifier: GPL-3.0-or-later

// Package discovery is a Neighbour-discovery helper for a convergence
// layer adapter: it multicasts a small announcement payload on a regular
// interval and, on hearing one back, registers the sender as a Neighbour
// (an address with no yet-known node_id) via cla.Sink.AddPeer.
package discovery

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/schollz/peerdiscovery"

	"github.com/dtn7/bpa-core/cla"
)

const (
	address4 = "224.23.23.23"
	address6 = "[ff02::142]"
)

// Manager runs peerdiscovery.Discover on a loop, registering every
// responding peer as a Neighbour of the given CLA name through sink.
type Manager struct {
	sink    cla.Sink
	claName string
	port    uint16

	stopChan4 chan struct{}
	stopChan6 chan struct{}
}

// NewManager starts broadcasting payload (typically the adapter's own
// listen address, so peers can dial back) and registering discovered
// peers as Neighbours of claName.
func NewManager(sink cla.Sink, claName string, payload []byte, port uint16, interval time.Duration, ipv4, ipv6 bool) (*Manager, error) {
	m := &Manager{sink: sink, claName: claName, port: port}
	if ipv4 {
		m.stopChan4 = make(chan struct{})
	}
	if ipv6 {
		m.stopChan6 = make(chan struct{})
	}

	sets := []struct {
		active           bool
		multicastAddress string
		stopChan         chan struct{}
		ipVersion        peerdiscovery.IPVersion
	}{
		{ipv4, address4, m.stopChan4, peerdiscovery.IPv4},
		{ipv6, address6, m.stopChan6, peerdiscovery.IPv6},
	}

	for _, set := range sets {
		if !set.active {
			continue
		}

		settings := peerdiscovery.Settings{
			Limit:            -1,
			Port:             fmt.Sprintf("%d", m.port),
			MulticastAddress: set.multicastAddress,
			Payload:          payload,
			Delay:            interval,
			TimeLimit:        -1,
			StopChan:         set.stopChan,
			AllowSelf:        false,
			IPVersion:        set.ipVersion,
			Notify:           m.notify,
		}

		discoverErrChan := make(chan error, 1)
		go func() {
			_, err := peerdiscovery.Discover(settings)
			discoverErrChan <- err
		}()

		select {
		case err := <-discoverErrChan:
			if err != nil {
				return nil, err
			}
		case <-time.After(time.Second):
		}
	}

	return m, nil
}

func (m *Manager) notify(discovered peerdiscovery.Discovered) {
	address := fmt.Sprintf("%s:%d", discovered.Address, m.port)

	if _, err := m.sink.AddPeer(address, nil); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"cla":  m.claName,
			"peer": address,
		}).Debug("discovery could not register a Neighbour")
	}
}

// Close stops every running discovery loop.
func (m *Manager) Close() {
	for _, c := range []chan struct{}{m.stopChan4, m.stopChan6} {
		if c != nil {
			c <- struct{}{}
		}
	}
}
