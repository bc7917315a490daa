// SPDX-FileCopyrightText: 2020, 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"io"

	"github.com/dtn7/cboring"
	"github.com/hashicorp/go-multierror"
)

// SignatureBlock signs a Bundle's Primary Block and Payload Block with ed25519.
//
// The signature covers the concatenated CBOR representation of the Primary Block and Payload Block only.
// Other blocks, like Hop Count or Previous Node, may be altered in flight, so they are excluded. Fragmented
// bundles can be neither signed nor verified, since fragmentation changes the Primary Block's offset field.
//
// This is not a BPSec implementation; it is a narrower, bundle-local signing mechanism. Builder.SignWith
// attaches one; the dispatcher does not sign the administrative records it originates.
type SignatureBlock struct {
	PublicKey []byte
	Signature []byte
}

// BlockTypeCode must return a constant integer, indicating the block type code.
func (s *SignatureBlock) BlockTypeCode() uint64 {
	return ExtBlockTypeSignatureBlock
}

// BlockTypeName must return a constant string, this block's name.
func (s *SignatureBlock) BlockTypeName() string {
	return "Signature Block"
}

func signatureBundleData(b Bundle) (pbData bytes.Buffer, err error) {
	if err = cboring.Marshal(&b.PrimaryBlock, &pbData); err != nil {
		return
	}

	if pb, pbErr := b.ExtensionBlock(ExtBlockTypePayloadBlock); pbErr != nil {
		err = pbErr
	} else {
		err = cboring.Marshal(pb, &pbData)
	}

	return
}

// NewSignatureBlock creates a SignatureBlock for a Bundle from a private key.
func NewSignatureBlock(b Bundle, priv ed25519.PrivateKey) (s *SignatureBlock, err error) {
	if b.PrimaryBlock.BundleControlFlags.Has(IsFragment) {
		err = fmt.Errorf("fragmented bundles cannot be signed")
		return
	}

	data, dataErr := signatureBundleData(b)
	if dataErr != nil {
		err = dataErr
		return
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovered from %v", r)
		}
	}()

	pub, pubOk := priv.Public().(ed25519.PublicKey)
	if !pubOk {
		err = fmt.Errorf("private key's public key is not an ed25519 public key")
		return
	}

	s = &SignatureBlock{
		PublicKey: pub,
		Signature: ed25519.Sign(priv, data.Bytes()),
	}
	return
}

// CheckValid checks the field lengths for errors. This does NOT verify the signature; use Verify.
func (s *SignatureBlock) CheckValid() (err error) {
	if l := len(s.PublicKey); l != ed25519.PublicKeySize {
		err = multierror.Append(err,
			fmt.Errorf("SignatureBlock: public key's length is %d, not required %d", l, ed25519.PublicKeySize))
	}

	if l := len(s.Signature); l != ed25519.SignatureSize {
		err = multierror.Append(err,
			fmt.Errorf("SignatureBlock: signature's length is %d, not required %d", l, ed25519.SignatureSize))
	}

	return
}

// CheckContextValid verifies the signature against the enclosing Bundle.
func (s *SignatureBlock) CheckContextValid(b *Bundle) error {
	if b.PrimaryBlock.BundleControlFlags.Has(IsFragment) {
		return nil
	}

	if !s.Verify(*b) {
		return fmt.Errorf("signature block verification failed")
	}

	return nil
}

// Verify the signature against a Bundle.
func (s *SignatureBlock) Verify(b Bundle) (valid bool) {
	if validErr := s.CheckValid(); validErr != nil {
		return false
	}

	if b.PrimaryBlock.BundleControlFlags.Has(IsFragment) {
		return false
	}

	data, dataErr := signatureBundleData(b)
	if dataErr != nil {
		return false
	}

	defer func() {
		if recover() != nil {
			valid = false
		}
	}()

	return ed25519.Verify(s.PublicKey, data.Bytes(), s.Signature)
}

// MarshalCbor writes the CBOR representation of a SignatureBlock.
func (s *SignatureBlock) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}

	for _, field := range []*[]byte{&s.PublicKey, &s.Signature} {
		if err := cboring.WriteByteString(*field, w); err != nil {
			return err
		}
	}

	return nil
}

// UnmarshalCbor reads a CBOR representation of a SignatureBlock.
func (s *SignatureBlock) UnmarshalCbor(r io.Reader) error {
	if n, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if n != 2 {
		return fmt.Errorf("SignatureBlock: array has %d instead of 2 elements", n)
	}

	for _, field := range []*[]byte{&s.PublicKey, &s.Signature} {
		if data, err := cboring.ReadByteString(r); err != nil {
			return err
		} else {
			*field = data
		}
	}

	return nil
}
