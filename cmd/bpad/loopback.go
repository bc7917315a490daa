// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/bpa-core/cla"
)

// loopbackCLA is a minimal convergence layer adapter for a node with no
// concrete transport configured: Forward redelivers data to this same
// node's own Sink, as if a peer immediately echoed it back. It exists so
// an example daemon has something to register and exercise the CLA
// registry, peer table and forwarder contracts end to end; a production
// deployment registers a real transport adapter instead.
type loopbackCLA struct {
	sink cla.Sink
}

func (l *loopbackCLA) Forward(_ context.Context, _ *uint32, address string, data []byte) (cla.ForwardOutcome, error) {
	if l.sink == nil {
		return cla.NoNeighbour, fmt.Errorf("loopback: not yet registered")
	}
	if err := l.sink.Dispatch(data, cla.IngressInfo{PeerAddr: address}); err != nil {
		return cla.NoNeighbour, err
	}
	return cla.Sent, nil
}

func (l *loopbackCLA) QueueCount() uint32 { return 0 }

func (l *loopbackCLA) OnRegister(sink cla.Sink) {
	l.sink = sink
	log.Info("loopback convergence layer adapter registered")
}

func (l *loopbackCLA) OnUnregister() {
	log.Info("loopback convergence layer adapter unregistered")
}

// Sink returns the cla.Sink handed to OnRegister, so other components
// (discovery.Manager) can reach it without the registry handing it out
// directly.
func (l *loopbackCLA) Sink() cla.Sink {
	return l.sink
}
