// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"fmt"
	"io"
	"regexp"
	"strconv"

	"github.com/dtn7/cboring"
)

const (
	ipnEndpointSchemeName string = "ipn"
	ipnEndpointSchemeNo   uint64 = 2

	// ipnLocalNodeNumber is the reserved node number (2^32-1) for the "ipn:!.<service>" LocalNode form. It
	// addresses a service on the node processing the bundle without naming that node, and is never routed
	// externally.
	ipnLocalNodeNumber uint64 = 1<<32 - 1

	ipnLocalNodeToken string = "!"
)

// IpnEndpoint describes the ipn URI scheme for EndpointIDs, as defined in RFC 6260 and extended with the
// LocalNode "!" node token.
type IpnEndpoint struct {
	Node    uint64
	Service uint64
}

var ipnEndpointRe = regexp.MustCompile(`^` + ipnEndpointSchemeName + `:(\d+|!)\.(\d+)$`)

// NewIpnEndpoint parses an URI with the ipn scheme.
//
//   - node number: ASCII numeric digits between 1 and (2^64-1), or "!" for the LocalNode
//   - an ASCII dot
//   - service number: ASCII numeric digits between 1 and (2^64-1)
func NewIpnEndpoint(uri string) (e EndpointType, err error) {
	matches := ipnEndpointRe.FindStringSubmatch(uri)
	if len(matches) != 3 {
		err = fmt.Errorf("uri does not match an ipn endpoint")
		return
	}

	var node, service uint64
	if matches[1] == ipnLocalNodeToken {
		node = ipnLocalNodeNumber
	} else if node, err = strconv.ParseUint(matches[1], 10, 64); err != nil {
		return
	}
	if service, err = strconv.ParseUint(matches[2], 10, 64); err != nil {
		return
	}

	e = IpnEndpoint{node, service}
	err = e.CheckValid()

	return
}

// SchemeName is "ipn" for IpnEndpoints.
func (e IpnEndpoint) SchemeName() string {
	return ipnEndpointSchemeName
}

// SchemeNo is 2 for IpnEndpoints.
func (e IpnEndpoint) SchemeNo() uint64 {
	return ipnEndpointSchemeNo
}

// Authority is the authority part of the Endpoint URI, e.g., "23" for "ipn:23.42", or "!" for the LocalNode.
func (e IpnEndpoint) Authority() string {
	if e.Node == ipnLocalNodeNumber {
		return ipnLocalNodeToken
	}
	return fmt.Sprintf("%d", e.Node)
}

// Path is the path part of the Endpoint URI, e.g., "42" for "ipn:23.42".
func (e IpnEndpoint) Path() string {
	return fmt.Sprintf("%d", e.Service)
}

// IsSingleton checks if this Endpoint represents a singleton.
//
// All IPN Endpoints are singletons by definition.
func (_ IpnEndpoint) IsSingleton() bool {
	return true
}

// CheckValid returns an error for incorrect data.
func (e IpnEndpoint) CheckValid() error {
	if e.Node < 1 || e.Service < 1 {
		return fmt.Errorf("ipn's node and service number must be >= 1")
	}

	return nil
}

func (e IpnEndpoint) String() string {
	return fmt.Sprintf("%s:%s.%d", ipnEndpointSchemeName, e.Authority(), e.Service)
}

// MarshalCbor writes this IpnEndpoint's CBOR representation.
func (e IpnEndpoint) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}

	for _, n := range []uint64{e.Node, e.Service} {
		if err := cboring.WriteUInt(n, w); err != nil {
			return err
		}
	}

	return nil
}

// UnmarshalCbor reads a CBOR representation for an IpnEndpoint.
func (e *IpnEndpoint) UnmarshalCbor(r io.Reader) error {
	if n, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if n != 2 {
		return fmt.Errorf("ipn uri expected array of 2 elements, not %d", n)
	}

	for _, n := range []*uint64{&e.Node, &e.Service} {
		if i, err := cboring.ReadUInt(r); err != nil {
			return err
		} else {
			*n = i
		}
	}

	return nil
}

// LocalNode returns the reserved ipn:!.<service> EndpointID for a node-local service.
func LocalNode(service uint64) EndpointID {
	return EndpointID{IpnEndpoint{Node: ipnLocalNodeNumber, Service: service}}
}
