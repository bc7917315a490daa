// SPDX-License-Identifier: GPL-3.0-or-later

// Command bpad is an example bundle protocol agent daemon: it wires every
// package in this module together behind one TOML configuration file,
// following the teacher's cmd/dtnd shape.
package main

import (
	"context"
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"
)

// waitSigint blocks the current goroutine until a SIGINT appears.
func waitSigint() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig
}

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	n, err := newNode(os.Args[1])
	if err != nil {
		log.WithError(err).Fatal("bpad: failed to start")
	}

	ctx, cancel := context.WithCancel(context.Background())
	n.run(ctx)

	waitSigint()
	log.Info("bpad: shutting down")

	cancel()
	n.close()
}
