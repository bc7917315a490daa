// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"crypto/ed25519"
	"fmt"
	"sort"
	"time"
)

// BundleBuilder is a simple framework to create bundles by method chaining.
//
//	bndl, err := Builder().
//	  CRC(CRC32).
//	  Source("dtn://src/").
//	  Destination("dtn://dest/").
//	  CreationTimestampNow().
//	  Lifetime("30m").
//	  HopCountBlock(64).
//	  PayloadBlock([]byte("hello world!")).
//	  Build()
type BundleBuilder struct {
	err error

	primary          PrimaryBlock
	canonicals       []CanonicalBlock
	canonicalCounter uint64
	crcType          CRCType
}

// Builder creates a new BundleBuilder.
func Builder() *BundleBuilder {
	return &BundleBuilder{
		primary:          PrimaryBlock{Version: dtnVersion},
		canonicals:       []CanonicalBlock{},
		canonicalCounter: 2,
		crcType:          CRCNo,
	}
}

// Error returns the BundleBuilder's error, if one is present.
func (bldr *BundleBuilder) Error() error {
	return bldr.err
}

// CRC sets the bundle's CRC value.
func (bldr *BundleBuilder) CRC(crcType CRCType) *BundleBuilder {
	if bldr.err == nil {
		bldr.crcType = crcType
	}
	return bldr
}

// Build creates a new Bundle and returns an optional error.
func (bldr *BundleBuilder) Build() (bndl Bundle, err error) {
	if bldr.err != nil {
		err = bldr.err
		return
	}

	if bldr.primary.ReportTo == (EndpointID{}) {
		bldr.primary.ReportTo = bldr.primary.SourceNode
	}

	if bldr.primary.SourceNode == (EndpointID{}) || bldr.primary.Destination == (EndpointID{}) {
		err = fmt.Errorf("both Source and Destination must be set")
		return
	}

	if bldr.crcType == CRCNo {
		bldr.primary.SetCRCType(CRC32)
	} else {
		bldr.primary.SetCRCType(bldr.crcType)
	}

	sort.Sort(canonicalBlockNumberSort(bldr.canonicals))

	bndl, err = NewBundle(bldr.primary, bldr.canonicals)
	if err == nil {
		bndl.SetCRCType(bldr.crcType)
	}

	return
}

// bldrParseEndpoint returns an EndpointID for a given EndpointID or a string, representing an endpoint
// identifier as a URI.
func bldrParseEndpoint(eid interface{}) (e EndpointID, err error) {
	switch eid := eid.(type) {
	case EndpointID:
		e = eid
	case string:
		e, err = NewEndpointID(eid)
	default:
		err = fmt.Errorf("%T is neither an EndpointID nor a string", eid)
	}
	return
}

// bldrParseLifetime returns a millisecond value for a given millisecond count or a duration string.
func bldrParseLifetime(duration interface{}) (ms uint64, err error) {
	switch duration := duration.(type) {
	case uint64:
		ms = duration
	case int:
		if duration < 0 {
			err = fmt.Errorf("lifetime's duration %d <= 0", duration)
		} else {
			ms = uint64(duration)
		}
	case string:
		dur, durErr := time.ParseDuration(duration)
		if durErr != nil {
			err = durErr
		} else if dur <= 0 {
			err = fmt.Errorf("lifetime's duration %d <= 0", dur)
		} else {
			ms = uint64(dur.Milliseconds())
		}
	case time.Duration:
		ms = uint64(duration.Milliseconds())
	default:
		err = fmt.Errorf("%T is an unsupported type to parse a duration from", duration)
	}
	return
}

// Destination sets the bundle's destination, stored in its primary block.
func (bldr *BundleBuilder) Destination(eid interface{}) *BundleBuilder {
	if bldr.err != nil {
		return bldr
	}
	if e, err := bldrParseEndpoint(eid); err != nil {
		bldr.err = err
	} else {
		bldr.primary.Destination = e
	}
	return bldr
}

// Source sets the bundle's source, stored in its primary block.
func (bldr *BundleBuilder) Source(eid interface{}) *BundleBuilder {
	if bldr.err != nil {
		return bldr
	}
	if e, err := bldrParseEndpoint(eid); err != nil {
		bldr.err = err
	} else {
		bldr.primary.SourceNode = e
	}
	return bldr
}

// ReportTo sets the bundle's report-to address, stored in its primary block.
func (bldr *BundleBuilder) ReportTo(eid interface{}) *BundleBuilder {
	if bldr.err != nil {
		return bldr
	}
	if e, err := bldrParseEndpoint(eid); err != nil {
		bldr.err = err
	} else {
		bldr.primary.ReportTo = e
	}
	return bldr
}

func (bldr *BundleBuilder) creationTimestamp(t DtnTime) *BundleBuilder {
	if bldr.err == nil {
		bldr.primary.CreationTimestamp = NewCreationTimestamp(t, 0)
	}
	return bldr
}

// CreationTimestampEpoch sets the bundle's creation timestamp to the epoch time.
func (bldr *BundleBuilder) CreationTimestampEpoch() *BundleBuilder {
	return bldr.creationTimestamp(DtnTimeEpoch)
}

// CreationTimestampNow sets the bundle's creation timestamp to the current time.
func (bldr *BundleBuilder) CreationTimestampNow() *BundleBuilder {
	return bldr.creationTimestamp(DtnTimeNow())
}

// CreationTimestampTime sets the bundle's creation timestamp to a given time.
func (bldr *BundleBuilder) CreationTimestampTime(t time.Time) *BundleBuilder {
	return bldr.creationTimestamp(DtnTimeFromTime(t))
}

// Lifetime sets the bundle's lifetime, stored in its primary block. Accepts an uint/int of milliseconds,
// a format string (see time.ParseDuration), or a time.Duration.
func (bldr *BundleBuilder) Lifetime(duration interface{}) *BundleBuilder {
	if bldr.err != nil {
		return bldr
	}
	if us, usErr := bldrParseLifetime(duration); usErr != nil {
		bldr.err = usErr
	} else {
		bldr.primary.Lifetime = us
	}
	return bldr
}

// BundleCtrlFlags sets the bundle processing control flags in the primary block.
func (bldr *BundleBuilder) BundleCtrlFlags(bcf BundleControlFlags) *BundleBuilder {
	if bldr.err == nil {
		bldr.primary.BundleControlFlags = bcf
	}
	return bldr
}

// Canonical adds a canonical block to this bundle, optionally with block processing control flags.
func (bldr *BundleBuilder) Canonical(value ExtensionBlock, flags ...BlockControlFlags) *BundleBuilder {
	if bldr.err != nil {
		return bldr
	}

	var bcf BlockControlFlags
	if len(flags) == 1 {
		bcf = flags[0]
	} else if len(flags) > 1 {
		bldr.err = fmt.Errorf("Canonical accepts at most one BlockControlFlags argument")
		return bldr
	}

	var blockNumber uint64
	if value.BlockTypeCode() == ExtBlockTypePayloadBlock {
		blockNumber = 1
	} else {
		blockNumber = bldr.canonicalCounter
		bldr.canonicalCounter++
	}

	bldr.canonicals = append(bldr.canonicals, NewCanonicalBlock(blockNumber, bcf, value))
	return bldr
}

// BundleAgeBlock adds a bundle age block to this bundle. The age is given as a millisecond count, a
// format string, or a time.Duration.
func (bldr *BundleBuilder) BundleAgeBlock(age interface{}, flags ...BlockControlFlags) *BundleBuilder {
	if bldr.err != nil {
		return bldr
	}
	ms, msErr := bldrParseLifetime(age)
	if msErr != nil {
		bldr.err = msErr
		return bldr
	}
	return bldr.Canonical(NewBundleAgeBlock(ms), flags...)
}

// HopCountBlock adds a hop count block to this bundle with the given hop limit.
func (bldr *BundleBuilder) HopCountBlock(limit uint8, flags ...BlockControlFlags) *BundleBuilder {
	if bldr.err != nil {
		return bldr
	}
	return bldr.Canonical(NewHopCountBlock(limit), flags...)
}

// PayloadBlock adds a payload block to this bundle with the given data.
func (bldr *BundleBuilder) PayloadBlock(data []byte, flags ...BlockControlFlags) *BundleBuilder {
	if bldr.err != nil {
		return bldr
	}
	return bldr.Canonical(NewPayloadBlock(data), flags...)
}

// PreviousNodeBlock adds a previous node block to this bundle for the given endpoint.
func (bldr *BundleBuilder) PreviousNodeBlock(eid interface{}, flags ...BlockControlFlags) *BundleBuilder {
	if bldr.err != nil {
		return bldr
	}
	e, eErr := bldrParseEndpoint(eid)
	if eErr != nil {
		bldr.err = eErr
		return bldr
	}
	return bldr.Canonical(NewPreviousNodeBlock(e), flags...)
}

// SignWith builds the bundle so far and appends a SignatureBlock covering the Primary and Payload
// Blocks, signed with the given ed25519 private key. The bundle must already carry a Payload Block and
// must not be a fragment.
func (bldr *BundleBuilder) SignWith(priv ed25519.PrivateKey, flags ...BlockControlFlags) *BundleBuilder {
	if bldr.err != nil {
		return bldr
	}

	partial, buildErr := bldr.Build()
	if buildErr != nil {
		bldr.err = buildErr
		return bldr
	}

	sig, sigErr := NewSignatureBlock(partial, priv)
	if sigErr != nil {
		bldr.err = sigErr
		return bldr
	}

	return bldr.Canonical(sig, flags...)
}
