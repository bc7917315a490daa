// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"fmt"
	"io"
	"strings"

	"github.com/dtn7/cboring"
)

// BundleID identifies a bundle by its source node, creation timestamp, and, if the bundle is a fragment,
// its fragmentation offset paired with the total data length.
//
// A BundleID can be serialized with cboring. For deserialization, the IsFragment field MUST be set
// beforehand; it determines whether two or four values are read.
type BundleID struct {
	SourceNode EndpointID
	Timestamp  CreationTimestamp

	IsFragment      bool
	FragmentOffset  uint64
	TotalDataLength uint64
}

func (bid BundleID) String() string {
	var bldr strings.Builder

	_, _ = fmt.Fprintf(&bldr, "%v-%d-%d", bid.SourceNode, bid.Timestamp[0], bid.Timestamp[1])
	if bid.IsFragment {
		_, _ = fmt.Fprintf(&bldr, "-%d-%d", bid.FragmentOffset, bid.TotalDataLength)
	}

	return bldr.String()
}

// Len returns the amount of CBOR fields, dependent on fragmentation.
func (bid BundleID) Len() uint64 {
	if bid.IsFragment {
		return 4
	}
	return 2
}

// Scrub creates a cleaned BundleID without fragmentation, identifying the logical bundle a fragment
// belongs to.
func (bid BundleID) Scrub() BundleID {
	return BundleID{
		SourceNode: bid.SourceNode,
		Timestamp:  bid.Timestamp,
	}
}

// MarshalCbor writes the Bundle ID's CBOR representation.
func (bid *BundleID) MarshalCbor(w io.Writer) error {
	if err := cboring.Marshal(&bid.SourceNode, w); err != nil {
		return fmt.Errorf("marshalling source node failed: %v", err)
	}

	if err := cboring.Marshal(&bid.Timestamp, w); err != nil {
		return fmt.Errorf("marshalling timestamp failed: %v", err)
	}

	if bid.IsFragment {
		flds := []uint64{bid.FragmentOffset, bid.TotalDataLength}
		for _, fld := range flds {
			if err := cboring.WriteUInt(fld, w); err != nil {
				return err
			}
		}
	}

	return nil
}

// UnmarshalCbor creates this Bundle ID based on a CBOR representation. IsFragment MUST be set beforehand.
func (bid *BundleID) UnmarshalCbor(r io.Reader) error {
	if err := cboring.Unmarshal(&bid.SourceNode, r); err != nil {
		return fmt.Errorf("unmarshalling source node failed: %v", err)
	}

	if err := cboring.Unmarshal(&bid.Timestamp, r); err != nil {
		return fmt.Errorf("unmarshalling timestamp failed: %v", err)
	}

	if bid.IsFragment {
		flds := []*uint64{&bid.FragmentOffset, &bid.TotalDataLength}
		for _, fld := range flds {
			if n, err := cboring.ReadUInt(r); err != nil {
				return err
			} else {
				*fld = n
			}
		}
	}

	return nil
}
