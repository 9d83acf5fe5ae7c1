// Package mtp implements a USB still-image class (MTP/PTP) responder: wire
// codec, object database, and operation dispatch over a pair of bulk
// endpoints. It is used as a [github.com/luketanti/cyberfoil/device.ClassDriver].
package mtp

// USB still-image class constants (USB-IF class 0x06).
const (
	ClassStillImage  = 0x06
	SubclassPTP      = 0x01
	ProtocolBulkOnly = 0x01
)

// Default vendor/product ids, matching the reference responder this system
// is modeled on.
const (
	DefaultVendorID  = 0x057E
	DefaultProductID = 0x201D
)

// Container types (bulk container header "type" field).
const (
	ContainerTypeCommand  = 1
	ContainerTypeData     = 2
	ContainerTypeResponse = 3
	ContainerTypeEvent    = 4
)

// ContainerHeaderSize is the fixed size of a bulk container header in bytes:
// u32 length, u16 type, u16 code, u32 transaction id.
const ContainerHeaderSize = 12

// MaxCommandParams is the maximum number of u32 parameters carried by a
// command container.
const MaxCommandParams = 5

// Operation codes dispatched by the responder.
const (
	OpGetDeviceInfo        = 0x1001
	OpOpenSession          = 0x1002
	OpCloseSession         = 0x1003
	OpGetStorageIds        = 0x1004
	OpGetStorageInfo       = 0x1005
	OpGetObjectHandles     = 0x1007
	OpGetObjectInfo        = 0x1008
	OpGetObject            = 0x1009
	OpDeleteObject         = 0x100B
	OpSendObjectInfo       = 0x100C
	OpSendObject           = 0x100D
	OpGetObjectPropsSupported = 0x9801
	OpGetObjectPropDesc    = 0x9802
	OpGetObjectPropValue   = 0x9803
	OpSetObjectPropValue   = 0x9804
	OpGetObjectPropList    = 0x9805
	OpSendObjectPropList   = 0x9806
)

// Object property codes.
const (
	PropPersistentUniqueObjectIdentifier = 0xDC41
	PropObjectSize                       = 0xDC04
	PropStorageId                        = 0xDC01
	PropParentObject                     = 0xDC0B
	PropObjectFormat                     = 0xDC02
	PropObjectFileName                   = 0xDC07
)

// Object property datatype codes, as reported by GetObjectPropDesc.
const (
	DatatypeUint32 = 0x0006
	DatatypeUint64 = 0x0008
	DatatypeUint128 = 0x000A
	DatatypeString  = 0xFFFF
	DatatypeUint16  = 0x0004
)

// Object format codes used by this responder; association (directory) and
// the generic "undefined" catch-all used for arbitrary files.
const (
	FormatUndefined   = 0x3000
	FormatAssociation = 0x3001
)

// Storage types, filesystem types, and access capabilities reported by
// GetStorageInfo.
const (
	StorageTypeFixedRAM = 0x0003
	FilesystemTypeGenericHierarchical = 0x0002
	AccessCapabilityReadWrite = 0x0000
)

// flagBigFile marks a file created via SendObjectPropList whose declared
// size is >= 4 GiB.
const flagBigFile = 0x1

// RootParent is the sentinel parent handle meaning "the storage root",
// rewritten by GetObjectHandles to the storage id itself.
const RootParent = 0xFFFFFFFF

// Vendor extension id, standard version, and functional mode reported in
// GetDeviceInfo.
const (
	VendorExtensionID      = 0x00000006
	StandardVersion        = 100
	VendorExtensionVersion = 100
	FunctionalMode         = 0x0000
)
