// SPDX-License-Identifier: GPL-3.0-or-later

package runtime

import (
	"testing"
	"time"
)

func TestNotifierDeliversWakeup(t *testing.T) {
	n := NewNotifier()

	n.Notify()

	select {
	case <-n.C():
	case <-time.After(time.Second):
		t.Fatal("Notify did not produce a receivable wakeup")
	}
}

func TestNotifierCoalesces(t *testing.T) {
	n := NewNotifier()

	n.Notify()
	n.Notify()
	n.Notify()

	select {
	case <-n.C():
	case <-time.After(time.Second):
		t.Fatal("expected a pending wakeup after repeated Notify calls")
	}

	select {
	case <-n.C():
		t.Fatal("repeated Notify calls before a receive should coalesce into one wakeup")
	default:
	}
}

func TestNotifierNotifyAfterReceive(t *testing.T) {
	n := NewNotifier()

	n.Notify()
	<-n.C()

	select {
	case <-n.C():
		t.Fatal("notifier delivered a wakeup nobody signalled")
	default:
	}

	n.Notify()
	select {
	case <-n.C():
	case <-time.After(time.Second):
		t.Fatal("Notify after a prior receive did not produce a new wakeup")
	}
}

func TestNotifierNotifyNeverBlocks(t *testing.T) {
	n := NewNotifier()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			n.Notify()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked when the wakeup channel was already full")
	}
}
