// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"fmt"
	"strconv"
	"strings"
)

// EidPattern matches a set of EndpointIDs. Wildcards are only permitted on an EID's leaf component(s):
// the path segment(s) of a dtn URI, or the service number of an ipn URI. The scheme and, for ipn, the node
// number are never wildcarded, which keeps the matcher's specificity monotonic -- a pattern that fixes more
// of the leaf is always at least as specific as one that fixes less of it, regardless of which concrete EID
// is being tested.
//
// Accepted forms:
//
//	dtn://authority/*       matches any path under authority, authority fixed
//	dtn://authority/a/b     matches exactly dtn://authority/a/b
//	dtn:none                matches only dtn:none
//	ipn:23.*                matches any service on node 23
//	ipn:23.42               matches exactly ipn:23.42
//	ipn:!.*                 matches any service on the LocalNode
//
// The authority of a dtn pattern is never wildcarded; routing tables are keyed by a known local or peer
// authority and a wildcard authority would defeat the RIB's specificity ordering.
type EidPattern struct {
	raw string

	scheme string // "dtn" or "ipn"

	// dtn fields
	dtnAuthority string
	dtnPath      string // without trailing "/*"
	dtnWildcard  bool   // path component is wildcarded

	// ipn fields
	ipnNode        uint64
	ipnNodeIsLocal bool
	ipnService     uint64
	ipnWildcard    bool // service component is wildcarded
}

var errBadPattern = func(pattern string) error {
	return fmt.Errorf("eid pattern: %q is not a recognized dtn or ipn pattern", pattern)
}

// NewEidPattern parses a textual EID pattern.
func NewEidPattern(pattern string) (EidPattern, error) {
	switch {
	case strings.HasPrefix(pattern, "dtn:"):
		return parseDtnPattern(pattern)
	case strings.HasPrefix(pattern, "ipn:"):
		return parseIpnPattern(pattern)
	default:
		return EidPattern{}, errBadPattern(pattern)
	}
}

// MustNewEidPattern parses a pattern like NewEidPattern, but panics on error.
func MustNewEidPattern(pattern string) EidPattern {
	p, err := NewEidPattern(pattern)
	if err != nil {
		panic(err)
	}
	return p
}

func parseDtnPattern(pattern string) (EidPattern, error) {
	ssp := strings.TrimPrefix(pattern, "dtn:")
	if ssp == dtnEndpointDtnNoneSsp {
		return EidPattern{raw: pattern, scheme: dtnEndpointSchemeName, dtnAuthority: dtnEndpointDtnNoneSsp}, nil
	}

	ssp = strings.TrimPrefix(ssp, "//")
	parts := strings.SplitN(ssp, "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		return EidPattern{}, errBadPattern(pattern)
	}

	p := EidPattern{raw: pattern, scheme: dtnEndpointSchemeName, dtnAuthority: parts[0]}
	if len(parts) == 2 {
		if parts[1] == "*" {
			p.dtnWildcard = true
		} else {
			p.dtnPath = "/" + parts[1]
		}
	}
	return p, nil
}

func parseIpnPattern(pattern string) (EidPattern, error) {
	ssp := strings.TrimPrefix(pattern, "ipn:")
	parts := strings.SplitN(ssp, ".", 2)
	if len(parts) != 2 {
		return EidPattern{}, errBadPattern(pattern)
	}

	p := EidPattern{raw: pattern, scheme: ipnEndpointSchemeName}

	switch parts[0] {
	case ipnLocalNodeToken:
		p.ipnNodeIsLocal = true
	default:
		node, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			return EidPattern{}, errBadPattern(pattern)
		}
		p.ipnNode = node
	}

	if parts[1] == "*" {
		p.ipnWildcard = true
	} else {
		service, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return EidPattern{}, errBadPattern(pattern)
		}
		p.ipnService = service
	}

	return p, nil
}

// Match reports whether the given EndpointID satisfies this pattern.
func (p EidPattern) Match(eid EndpointID) bool {
	switch p.scheme {
	case dtnEndpointSchemeName:
		dtn, ok := eid.EndpointType.(DtnEndpoint)
		if !ok {
			return false
		}
		if p.dtnAuthority == dtnEndpointDtnNoneSsp {
			return dtn.Ssp == dtnEndpointDtnNoneSsp
		}
		if dtn.Authority() != p.dtnAuthority {
			return false
		}
		if p.dtnWildcard {
			return true
		}
		return dtn.Path() == p.dtnPath

	case ipnEndpointSchemeName:
		ipn, ok := eid.EndpointType.(IpnEndpoint)
		if !ok {
			return false
		}
		if p.ipnNodeIsLocal {
			if ipn.Node != ipnLocalNodeNumber {
				return false
			}
		} else if ipn.Node != p.ipnNode {
			return false
		}
		if p.ipnWildcard {
			return true
		}
		return ipn.Service == p.ipnService

	default:
		return false
	}
}

// Specificity is a monotonically increasing score: a pattern that fixes strictly more of an EID's leaf is
// always scored higher than one that fixes less, independent of which EID is tested. The RIB uses this to
// break ties among patterns that match at the same table priority.
func (p EidPattern) Specificity() int {
	switch p.scheme {
	case dtnEndpointSchemeName:
		if p.dtnAuthority == dtnEndpointDtnNoneSsp {
			return 2
		}
		if p.dtnWildcard {
			return 1
		}
		return 2
	case ipnEndpointSchemeName:
		if p.ipnWildcard {
			return 1
		}
		return 2
	default:
		return 0
	}
}

func (p EidPattern) String() string {
	return p.raw
}

// CheckValid returns an error for incorrect data.
func (p EidPattern) CheckValid() error {
	if p.scheme != dtnEndpointSchemeName && p.scheme != ipnEndpointSchemeName {
		return errBadPattern(p.raw)
	}
	return nil
}
