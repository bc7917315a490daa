// SPDX-FileCopyrightText: 2019, 2020, 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"bytes"
	"encoding"
	"fmt"
	"io"
	"reflect"
	"sync"

	"github.com/dtn7/cboring"
)

// Sorted list of all known block type codes to prevent double usage.
const (
	// ExtBlockTypePayloadBlock is the block type code for a Payload Block.
	ExtBlockTypePayloadBlock uint64 = 1

	// ExtBlockTypePreviousNodeBlock is the block type code for a Previous Node Block.
	ExtBlockTypePreviousNodeBlock uint64 = 6

	// ExtBlockTypeBundleAgeBlock is the block type code for a Bundle Age Block.
	ExtBlockTypeBundleAgeBlock uint64 = 7

	// ExtBlockTypeHopCountBlock is the block type code for a Hop Count Block.
	ExtBlockTypeHopCountBlock uint64 = 10

	// ExtBlockTypeSignatureBlock is a custom, non-RFC 9171 block type code for a SignatureBlock.
	ExtBlockTypeSignatureBlock uint64 = 195
)

// ExtensionBlock describes the block-type specific data of any Canonical Block. It must implement either
// the cboring.CborMarshaler interface, if serializable to/from CBOR, or both encoding.BinaryMarshaler and
// encoding.BinaryUnmarshaler for some other encoding.
type ExtensionBlock interface {
	Valid

	// BlockTypeCode must return a constant integer, indicating the block type code.
	BlockTypeCode() uint64

	// BlockTypeName must return a constant string, this block's name.
	BlockTypeName() string
}

// ContextAwareBlock is implemented by ExtensionBlocks that need to validate themselves against the Bundle
// they are a part of, e.g., to enforce "at most one" constraints.
type ContextAwareBlock interface {
	CheckContextValid(*Bundle) error
}

// ExtensionBlockManager keeps a book on various types of ExtensionBlocks that can be registered at runtime.
//
// A singleton ExtensionBlockManager can be fetched by GetExtensionBlockManager.
type ExtensionBlockManager struct {
	data  map[uint64]reflect.Type
	mutex sync.Mutex
}

// NewExtensionBlockManager creates an empty ExtensionBlockManager.
func NewExtensionBlockManager() *ExtensionBlockManager {
	return &ExtensionBlockManager{
		data: make(map[uint64]reflect.Type),
	}
}

// Register a new ExtensionBlock type through an exemplary instance.
func (ebm *ExtensionBlockManager) Register(eb ExtensionBlock) error {
	ebm.mutex.Lock()
	defer ebm.mutex.Unlock()

	extCode := eb.BlockTypeCode()
	extType := reflect.TypeOf(eb).Elem()

	if extType == reflect.TypeOf((*GenericExtensionBlock)(nil)).Elem() {
		return fmt.Errorf("not allowed to register a GenericExtensionBlock")
	}

	if otherType, exists := ebm.data[extCode]; exists {
		return fmt.Errorf("block type code %d is already registered for %s", extCode, otherType.Name())
	}

	ebm.data[extCode] = extType
	return nil
}

// Unregister an ExtensionBlock type through an exemplary instance.
func (ebm *ExtensionBlockManager) Unregister(eb ExtensionBlock) {
	ebm.mutex.Lock()
	defer ebm.mutex.Unlock()

	delete(ebm.data, eb.BlockTypeCode())
}

// IsKnown returns true if the ExtensionBlock for this block type code is known.
func (ebm *ExtensionBlockManager) IsKnown(typeCode uint64) bool {
	ebm.mutex.Lock()
	defer ebm.mutex.Unlock()

	_, known := ebm.data[typeCode]
	return known
}

// createBlock returns either a specific ExtensionBlock or, if the type code is unregistered, a
// GenericExtensionBlock.
func (ebm *ExtensionBlockManager) createBlock(typeCode uint64) ExtensionBlock {
	if extType, exists := ebm.data[typeCode]; exists {
		return reflect.New(extType).Interface().(ExtensionBlock)
	}
	return &GenericExtensionBlock{typeCode: typeCode}
}

// WriteBlock writes an ExtensionBlock in its correct binary format into the io.Writer. Unknown block types
// are treated as GenericExtensionBlock.
func (ebm *ExtensionBlockManager) WriteBlock(b ExtensionBlock, w io.Writer) error {
	switch b := b.(type) {
	case encoding.BinaryMarshaler:
		if data, err := b.MarshalBinary(); err != nil {
			return fmt.Errorf("marshalling binary for Block errored: %v", err)
		} else {
			return cboring.WriteByteString(data, w)
		}

	case cboring.CborMarshaler:
		var buff bytes.Buffer
		if err := cboring.Marshal(b, &buff); err != nil {
			return fmt.Errorf("marshalling CBOR for Block errored: %v", err)
		}
		return cboring.WriteByteString(buff.Bytes(), w)

	default:
		return fmt.Errorf("ExtensionBlock does not implement any expected types")
	}
}

// ReadBlock reads an ExtensionBlock from its correct binary format from the io.Reader. Unknown block types
// are treated as GenericExtensionBlock.
func (ebm *ExtensionBlockManager) ReadBlock(typeCode uint64, r io.Reader) (b ExtensionBlock, err error) {
	b = ebm.createBlock(typeCode)

	switch b := b.(type) {
	case encoding.BinaryUnmarshaler:
		if data, dataErr := cboring.ReadByteString(r); dataErr != nil {
			err = dataErr
		} else {
			err = b.UnmarshalBinary(data)
		}

	case cboring.CborMarshaler:
		if data, dataErr := cboring.ReadByteString(r); dataErr != nil {
			err = dataErr
		} else {
			buff := bytes.NewBuffer(data)
			err = cboring.Unmarshal(b, buff)
		}

	default:
		err = fmt.Errorf("ExtensionBlock does not implement any expected types")
	}

	return
}

var (
	extensionBlockManager      *ExtensionBlockManager
	extensionBlockManagerMutex sync.Mutex
)

// GetExtensionBlockManager returns the singleton ExtensionBlockManager, seeded with the Payload,
// PreviousNode, BundleAge, HopCount and Signature blocks.
func GetExtensionBlockManager() *ExtensionBlockManager {
	extensionBlockManagerMutex.Lock()
	defer extensionBlockManagerMutex.Unlock()

	if extensionBlockManager == nil {
		extensionBlockManager = NewExtensionBlockManager()

		_ = extensionBlockManager.Register(NewPayloadBlock(nil))
		_ = extensionBlockManager.Register(NewPreviousNodeBlock(DtnNone()))
		_ = extensionBlockManager.Register(NewBundleAgeBlock(0))
		_ = extensionBlockManager.Register(NewHopCountBlock(0))
		_ = extensionBlockManager.Register(&SignatureBlock{})
	}

	return extensionBlockManager
}
