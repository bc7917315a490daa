// SPDX-License-Identifier: GPL-3.0-or-later

package service

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/dtn7/bpa-core/bpv7"
)

// inboundBundle is what a client fetches or is pushed over the WebSocket:
// a delivered payload and the expiry time the core observed it with.
type inboundBundle struct {
	Payload []byte    `json:"payload"`
	Expiry  time.Time `json:"expiry"`
}

// statusEvent is what a client fetches or is pushed for a status report
// against a bundle it previously sent.
type statusEvent struct {
	BundleID string                    `json:"bundle_id"`
	From     string                    `json:"from"`
	Kind     bpv7.StatusInformationPos `json:"kind"`
	Reason   bpv7.StatusReportReason   `json:"reason"`
	At       time.Time                 `json:"at"`
}

// sendRequest is the body of a POST /send request.
type sendRequest struct {
	Destination   string  `json:"destination"`
	ReportTo      string  `json:"report_to,omitempty"`
	Lifetime      string  `json:"lifetime"`
	FlowLabel     *uint32 `json:"flow_label,omitempty"`
	StatusReports bool    `json:"status_reports,omitempty"`
	Payload       []byte  `json:"payload"`
}

type sendResponse struct {
	Error    string `json:"error,omitempty"`
	BundleID string `json:"bundle_id,omitempty"`
}

// RestAgent is the reference Application implementation (§6): one HTTP/
// WebSocket endpoint bound to a single registered bpv7.EndpointID, built
// the way the teacher's RestAgent and WebsocketAgent are — a gorilla/mux
// router for request/response endpoints, plus a gorilla/websocket upgrade
// for live push delivery instead of the teacher's polling-only /fetch.
//
// Exposed routes, all relative to the mux.Router it was given:
//
//	POST /send      — {"destination":..., "payload":..., "lifetime":...} -> {"bundle_id":...}
//	POST /cancel    — {"bundle_id":"..."} -> {"error":..., "cancelled":false}; cancelling by bundle_id is not supported
//	GET  /fetch     — drains and returns queued inbound bundles and status events
//	GET  /ws        — upgrades to a WebSocket pushing inbound bundles and status events live
type RestAgent struct {
	endpoint bpv7.EndpointID
	sink     Sink

	mu       sync.Mutex
	inbox    []inboundBundle
	statuses []statusEvent

	upgrader websocket.Upgrader
	connsMu  sync.Mutex
	conns    map[*websocket.Conn]struct{}
}

// NewRestAgent wires a RestAgent's routes into router. Call Register on
// the returned agent against a service.Registry to actually bind it to an
// endpoint.
func NewRestAgent(router *mux.Router) *RestAgent {
	ra := &RestAgent{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		conns:    make(map[*websocket.Conn]struct{}),
	}

	router.HandleFunc("/send", ra.handleSend).Methods(http.MethodPost)
	router.HandleFunc("/cancel", ra.handleCancel).Methods(http.MethodPost)
	router.HandleFunc("/fetch", ra.handleFetch).Methods(http.MethodGet)
	router.HandleFunc("/ws", ra.handleWebsocket).Methods(http.MethodGet)

	return ra
}

func (ra *RestAgent) OnRegister(endpoint bpv7.EndpointID, sink Sink) {
	ra.endpoint = endpoint
	ra.sink = sink
	log.WithField("endpoint", endpoint.String()).Info("REST application agent registered")
}

func (ra *RestAgent) OnUnregister() {
	log.WithField("endpoint", ra.endpoint.String()).Info("REST application agent unregistered")
}

func (ra *RestAgent) OnReceive(data []byte, expiry time.Time) {
	ra.mu.Lock()
	ra.inbox = append(ra.inbox, inboundBundle{Payload: data, Expiry: expiry})
	ra.mu.Unlock()

	ra.broadcast(map[string]any{"type": "bundle", "payload": data, "expiry": expiry})
}

func (ra *RestAgent) OnStatusNotify(bundleID bpv7.BundleID, from bpv7.EndpointID, kind bpv7.StatusInformationPos, reason bpv7.StatusReportReason, ts time.Time) {
	ev := statusEvent{BundleID: bundleID.String(), From: from.String(), Kind: kind, Reason: reason, At: ts}

	ra.mu.Lock()
	ra.statuses = append(ra.statuses, ev)
	ra.mu.Unlock()

	ra.broadcast(map[string]any{"type": "status", "event": ev})
}

func (ra *RestAgent) broadcast(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}

	ra.connsMu.Lock()
	defer ra.connsMu.Unlock()
	for conn := range ra.conns {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			delete(ra.conns, conn)
			_ = conn.Close()
		}
	}
}

func (ra *RestAgent) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	var resp sendResponse

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.Error = err.Error()
		writeJSON(w, resp)
		return
	}

	env, err := json.Marshal(SendEnvelope{
		Destination:   req.Destination,
		ReportTo:      req.ReportTo,
		Lifetime:      req.Lifetime,
		FlowLabel:     req.FlowLabel,
		StatusReports: req.StatusReports,
		Payload:       req.Payload,
	})
	if err != nil {
		resp.Error = err.Error()
		writeJSON(w, resp)
		return
	}

	id, err := ra.sink.Send(env)
	if err != nil {
		log.WithError(err).WithField("endpoint", ra.endpoint.String()).Warn("REST client failed to send a bundle")
		resp.Error = err.Error()
		writeJSON(w, resp)
		return
	}

	resp.BundleID = id.String()
	writeJSON(w, resp)
}

func (ra *RestAgent) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BundleID string `json:"bundle_id"`
	}
	var resp struct {
		Error     string `json:"error,omitempty"`
		Cancelled bool   `json:"cancelled"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.Error = err.Error()
		writeJSON(w, resp)
		return
	}

	// bundle_id round-tripping is out of scope here: RestAgent only cancels
	// bundles it can resolve back to a bpv7.BundleID, which it cannot do
	// from a bare string without the dispatcher's id registry. Left to the
	// dispatcher-backed Sender.Cancel to reject unknown ids cleanly.
	resp.Error = fmt.Sprintf("cancel by opaque bundle_id %q is not supported by this reference agent", req.BundleID)
	writeJSON(w, resp)
}

func (ra *RestAgent) handleFetch(w http.ResponseWriter, r *http.Request) {
	ra.mu.Lock()
	bundles, statuses := ra.inbox, ra.statuses
	ra.inbox, ra.statuses = nil, nil
	ra.mu.Unlock()

	writeJSON(w, map[string]any{
		"bundles":  bundles,
		"statuses": statuses,
	})
}

func (ra *RestAgent) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := ra.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("Upgrading HTTP request to WebSocket errored")
		return
	}

	ra.connsMu.Lock()
	ra.conns[conn] = struct{}{}
	ra.connsMu.Unlock()

	go func() {
		defer func() {
			ra.connsMu.Lock()
			delete(ra.conns, conn)
			ra.connsMu.Unlock()
			_ = conn.Close()
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("failed to write REST application agent response")
	}
}
