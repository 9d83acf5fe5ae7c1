package mtp

import "github.com/luketanti/cyberfoil/pkg"

// SupportedProperties lists the object properties this responder implements
//: PersistentUniqueObjectIdentifier, ObjectSize, StorageId,
// ParentObject, ObjectFormat, ObjectFileName. Order matches
// GetObjectPropsSupported's static list.
var SupportedProperties = []uint16{
	PropPersistentUniqueObjectIdentifier,
	PropObjectSize,
	PropStorageId,
	PropParentObject,
	PropObjectFormat,
	PropObjectFileName,
}

// propertyDescriptor is one row of the static property-description table.
type propertyDescriptor struct {
	code     uint16
	datatype uint16
	writable bool
}

// propertyTable enumerates the descriptor for each supported property.
//
// The original responder's GetObjectPropDesc switch falls through from
// PersistentUniqueObjectIdentifier into the ObjectSize case (no break); the
// source comment marks this ambiguous rather than confirming intent. This table treats every property as independent --
// PersistentUniqueObjectIdentifier reports its own u128 descriptor rather
// than reusing ObjectSize's -- since nothing in the corpus indicates the
// fallthrough was deliberate rather than a missing break. See DESIGN.md.
var propertyTable = map[uint16]propertyDescriptor{
	PropPersistentUniqueObjectIdentifier: {PropPersistentUniqueObjectIdentifier, DatatypeUint128, false},
	PropObjectSize:                       {PropObjectSize, DatatypeUint64, false},
	PropStorageId:                        {PropStorageId, DatatypeUint32, false},
	PropParentObject:                     {PropParentObject, DatatypeUint32, false},
	PropObjectFormat:                     {PropObjectFormat, DatatypeUint16, false},
	PropObjectFileName:                   {PropObjectFileName, DatatypeString, true},
}

// defaultStorageID is reported in the StorageId and ParentObject property
// descriptors' default-value field. The source labels the value it uses
// there with a TODO and never resolves it; this responder reports 0, the
// conventional "indifferent" sentinel for storage id fields whose value
// does not matter, rather than guessing at an intended non-zero default.
// See DESIGN.md.
const defaultStorageID uint32 = 0

// lookupProperty returns the descriptor for code, or an error if
// unsupported.
func lookupProperty(code uint16) (propertyDescriptor, error) {
	d, ok := propertyTable[code]
	if !ok {
		return propertyDescriptor{}, pkg.ErrUnknownPropertyCode
	}
	return d, nil
}
