package mtp

import (
	"context"
	"encoding/binary"
	"errors"
	"strings"

	"github.com/luketanti/cyberfoil/pkg"
	"github.com/luketanti/cyberfoil/transfer"
)

// handlerFunc implements one operation's effect. It
// performs any inbound/outbound data phase itself and returns the response
// container's parameters; the caller always writes exactly one response
// container afterward, whatever the handler returns.
type handlerFunc func(ctx context.Context, r *Responder, pipe BulkPipe, cmd Command) ([]uint32, error)

// supportedOperations is reported in GetDeviceInfo's OperationsSupported
// array.
var supportedOperations = []uint16{
	OpGetDeviceInfo, OpOpenSession, OpCloseSession,
	OpGetStorageIds, OpGetStorageInfo,
	OpGetObjectHandles, OpGetObjectInfo, OpGetObject, OpDeleteObject,
	OpSendObjectInfo, OpSendObject,
	OpGetObjectPropsSupported, OpGetObjectPropDesc, OpGetObjectPropValue,
	OpSetObjectPropValue, OpGetObjectPropList, OpSendObjectPropList,
}

// Responder is the PTP Responder State Machine: it owns the
// object database and dispatches the per-transaction Command->[Data]->
// Response triplet read from a BulkPipe.
type Responder struct {
	cfg      Config
	proxy    *Proxy
	db       *Database
	handlers map[uint16]handlerFunc

	sessionOpen  bool
	lastCommand  Command
	sendObjectID uint32
}

// NewResponder returns a Responder serving proxy's mounted storages.
func NewResponder(cfg Config, proxy *Proxy) *Responder {
	r := &Responder{cfg: cfg, proxy: proxy, db: NewDatabase()}
	r.handlers = map[uint16]handlerFunc{
		OpGetDeviceInfo:           handleGetDeviceInfo,
		OpOpenSession:             handleOpenSession,
		OpCloseSession:            handleCloseSession,
		OpGetStorageIds:           handleGetStorageIds,
		OpGetStorageInfo:          handleGetStorageInfo,
		OpGetObjectHandles:        handleGetObjectHandles,
		OpGetObjectInfo:           handleGetObjectInfo,
		OpGetObject:               handleGetObject,
		OpSendObjectInfo:          handleSendObjectInfo,
		OpSendObject:              handleSendObject,
		OpDeleteObject:            handleDeleteObject,
		OpGetObjectPropsSupported: handleGetObjectPropsSupported,
		OpGetObjectPropDesc:       handleGetObjectPropDesc,
		OpGetObjectPropValue:      handleGetObjectPropValue,
		OpGetObjectPropList:       handleGetObjectPropList,
		OpSendObjectPropList:      handleSendObjectPropList,
		OpSetObjectPropValue:      handleSetObjectPropValue,
	}
	return r
}

// Database exposes the responder's object database, chiefly for tests that
// want to inspect state across a simulated session.
func (r *Responder) Database() *Database { return r.db }

// Serve runs the responder loop over pipe until ctx is cancelled, the pipe
// reports ErrStopRequested, or an unrecoverable transport error occurs.
func (r *Responder) Serve(ctx context.Context, pipe BulkPipe) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		cmd, err := r.readCommand(ctx, pipe)
		if err != nil {
			if errors.Is(err, pkg.ErrStopRequested) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if err := r.serveOne(ctx, pipe, cmd); err != nil {
			if errors.Is(err, pkg.ErrStopRequested) {
				return nil
			}
			return err
		}
	}
}

// serveOne dispatches a single transaction: lookup, precondition check,
// handler invocation, and exactly one response write.
func (r *Responder) serveOne(ctx context.Context, pipe BulkPipe, cmd Command) error {
	r.lastCommand = cmd

	h, known := r.handlers[cmd.Code]
	var params []uint32
	var err error
	switch {
	case !known:
		err = pkg.ErrOperationNotSupported
	case cmd.Code != OpGetDeviceInfo && cmd.Code != OpOpenSession && !r.sessionOpen:
		err = pkg.ErrSessionNotOpen
	default:
		params, err = h(ctx, r, pipe, cmd)
	}

	writeErr := WriteResponse(ctx, pipe, pkg.ResponseCodeFor(err), cmd.TransactionID, params...)
	if writeErr != nil {
		return writeErr
	}
	if errors.Is(err, pkg.ErrStopRequested) || errors.Is(err, pkg.ErrUsbIoFailure) {
		return err
	}
	return nil
}

// readFull reads exactly len(buf) bytes from pipe, looping over short reads.
func readFull(ctx context.Context, pipe BulkPipe, buf []byte) error {
	for n := 0; n < len(buf); {
		m, err := pipe.ReadBulk(ctx, buf[n:])
		if err != nil {
			return err
		}
		if m == 0 {
			return pkg.ErrUsbIoFailure
		}
		n += m
	}
	return nil
}

// readCommand reads one command container: the fixed header, then the
// parameters implied by its length field.
func (r *Responder) readCommand(ctx context.Context, pipe BulkPipe) (Command, error) {
	hdrBuf := make([]byte, ContainerHeaderSize)
	if err := readFull(ctx, pipe, hdrBuf); err != nil {
		return Command{}, err
	}
	hdr, err := ParseContainerHeader(hdrBuf)
	if err != nil {
		return Command{}, err
	}
	if hdr.Type != ContainerTypeCommand {
		return Command{}, pkg.ErrUnknownRequestType
	}
	rest := int(hdr.Length) - ContainerHeaderSize
	if rest < 0 || rest > MaxCommandParams*4 {
		return Command{}, pkg.ErrInvalidArgument
	}
	buf := make([]byte, ContainerHeaderSize+rest)
	copy(buf, hdrBuf)
	if rest > 0 {
		if err := readFull(ctx, pipe, buf[ContainerHeaderSize:]); err != nil {
			return Command{}, err
		}
	}
	return ParseCommand(buf)
}

// readDataPhase reads one inbound data container, validating that it
// matches the command it belongs to, and returns its payload.
func readDataPhase(ctx context.Context, pipe BulkPipe, expectCode uint16, expectTxn uint32) ([]byte, error) {
	hdrBuf := make([]byte, ContainerHeaderSize)
	if err := readFull(ctx, pipe, hdrBuf); err != nil {
		return nil, err
	}
	hdr, err := ParseContainerHeader(hdrBuf)
	if err != nil {
		return nil, err
	}
	if hdr.Type != ContainerTypeData || hdr.Code != expectCode || hdr.TransactionID != expectTxn {
		return nil, pkg.ErrInvalidArgument
	}
	payloadLen := int(hdr.Length) - ContainerHeaderSize
	if payloadLen < 0 {
		return nil, pkg.ErrInvalidArgument
	}
	payload := make([]byte, payloadLen)
	if err := readFull(ctx, pipe, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func fileSize(fs Filesystem, virtualPath string) (int64, error) {
	fh, err := fs.OpenFile(relativePath(fs, virtualPath), ModeRead)
	if err != nil {
		return 0, err
	}
	defer fs.CloseFile(fh)
	return fs.FileSize(fh)
}

func baseName(path string) string {
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

func handleGetDeviceInfo(ctx context.Context, r *Responder, pipe BulkPipe, cmd Command) ([]uint32, error) {
	err := WriteVariableLengthData(ctx, pipe, OpGetDeviceInfo, cmd.TransactionID, func(enc *Encoder) {
		enc.AddUint16(StandardVersion).
			AddUint32(VendorExtensionID).
			AddUint16(VendorExtensionVersion).
			AddString("").
			AddUint16(FunctionalMode).
			AddUint16Array(supportedOperations).
			AddUint16Array(nil).
			AddUint16Array(nil).
			AddUint16Array(nil).
			AddUint16Array([]uint16{FormatUndefined, FormatAssociation}).
			AddString(r.cfg.Manufacturer).
			AddString(r.cfg.Model).
			AddString(r.cfg.FirmwareVersion).
			AddString(r.cfg.SerialNumber)
	})
	return nil, err
}

func handleOpenSession(ctx context.Context, r *Responder, pipe BulkPipe, cmd Command) ([]uint32, error) {
	if r.sessionOpen {
		r.cfg.Callback(Event{Kind: EventCloseSession})
	}
	r.db.Reset()
	for _, sid := range r.proxy.StorageIDs() {
		r.db.SeedRoot(sid)
	}
	r.sessionOpen = true
	r.sendObjectID = 0
	r.cfg.Callback(Event{Kind: EventOpenSession})
	return nil, nil
}

func handleCloseSession(ctx context.Context, r *Responder, pipe BulkPipe, cmd Command) ([]uint32, error) {
	r.db.Reset()
	r.sessionOpen = false
	r.sendObjectID = 0
	r.cfg.Callback(Event{Kind: EventCloseSession})
	return nil, nil
}

func handleGetStorageIds(ctx context.Context, r *Responder, pipe BulkPipe, cmd Command) ([]uint32, error) {
	ids := r.proxy.StorageIDs()
	err := WriteVariableLengthData(ctx, pipe, OpGetStorageIds, cmd.TransactionID, func(enc *Encoder) {
		enc.AddUint32Array(ids)
	})
	return nil, err
}

func handleGetStorageInfo(ctx context.Context, r *Responder, pipe BulkPipe, cmd Command) ([]uint32, error) {
	if cmd.NumParams < 1 {
		return nil, pkg.ErrInvalidArgument
	}
	sid := cmd.Params[0]
	fs, ok := r.proxy.Backend(sid)
	if !ok {
		return nil, pkg.ErrInvalidStorageId
	}
	total, err := fs.TotalSpace("")
	if err != nil {
		return nil, err
	}
	free, err := fs.FreeSpace("")
	if err != nil {
		return nil, err
	}
	err = WriteVariableLengthData(ctx, pipe, OpGetStorageInfo, cmd.TransactionID, func(enc *Encoder) {
		enc.AddUint16(StorageTypeFixedRAM).
			AddUint16(FilesystemTypeGenericHierarchical).
			AddUint16(AccessCapabilityReadWrite).
			AddUint64(total).
			AddUint64(free).
			AddUint32(0xFFFFFFFF).
			AddString(fs.DisplayName()).
			AddString("")
	})
	return nil, err
}

func handleGetObjectHandles(ctx context.Context, r *Responder, pipe BulkPipe, cmd Command) ([]uint32, error) {
	if cmd.NumParams < 3 {
		return nil, pkg.ErrInvalidArgument
	}
	sid := cmd.Params[0]
	parent := cmd.Params[2]
	if parent == RootParent {
		parent = sid
	}
	fs, ok := r.proxy.Backend(sid)
	if !ok {
		return nil, pkg.ErrInvalidStorageId
	}
	parentPath, ok := r.db.Path(parent)
	if !ok {
		return nil, pkg.ErrInvalidObjectId
	}

	dirHandle, err := fs.OpenDir(relativePath(fs, parentPath))
	if err != nil {
		return nil, err
	}
	defer fs.CloseDir(dirHandle)

	const batchSize = 32
	var handles []uint32
	for {
		entries, err := fs.ReadDir(dirHandle, batchSize)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			h, _ := r.db.CreateOrFind(parentPath, e.Name, parent, sid)
			handles = append(handles, h)
		}
		if len(entries) < batchSize {
			break
		}
	}

	err = WriteVariableLengthData(ctx, pipe, OpGetObjectHandles, cmd.TransactionID, func(enc *Encoder) {
		enc.AddUint32Array(handles)
	})
	return nil, err
}

func handleGetObjectInfo(ctx context.Context, r *Responder, pipe BulkPipe, cmd Command) ([]uint32, error) {
	if cmd.NumParams < 1 {
		return nil, pkg.ErrInvalidArgument
	}
	h := cmd.Params[0]
	parent, sid, path, ok := r.db.Find(h)
	if !ok {
		return nil, pkg.ErrInvalidObjectId
	}
	fs, ok := r.proxy.Backend(sid)
	if !ok {
		return nil, pkg.ErrInvalidStorageId
	}

	isRoot := r.db.IsRoot(h)
	format := uint16(FormatAssociation)
	var size uint64
	name := baseName(path)
	if isRoot {
		name = fs.DisplayName()
	} else {
		et, err := fs.EntryType(relativePath(fs, path))
		if err != nil {
			return nil, err
		}
		switch et {
		case EntryFile:
			format = FormatUndefined
			sz, err := fileSize(fs, path)
			if err != nil {
				return nil, err
			}
			size = uint64(sz)
		case EntryDir:
			format = FormatAssociation
		default:
			return nil, pkg.ErrInvalidObjectId
		}
	}

	reportedParent := parent
	if reportedParent == RootParent {
		reportedParent = 0
	}

	err := WriteVariableLengthData(ctx, pipe, OpGetObjectInfo, cmd.TransactionID, func(enc *Encoder) {
		enc.AddUint32(sid).
			AddUint16(format).
			AddUint16(0).
			AddUint32(uint32(size)).
			AddUint16(0).
			AddUint32(0).
			AddUint32(0).
			AddUint32(0).
			AddUint32(0).
			AddUint32(0).
			AddUint32(0).
			AddUint32(reportedParent).
			AddUint16(0).
			AddUint32(0).
			AddUint32(0).
			AddString(name).
			AddString("").
			AddString("").
			AddString("")
	})
	return nil, err
}

func handleGetObject(ctx context.Context, r *Responder, pipe BulkPipe, cmd Command) ([]uint32, error) {
	if cmd.NumParams < 1 {
		return nil, pkg.ErrInvalidArgument
	}
	h := cmd.Params[0]
	_, sid, path, ok := r.db.Find(h)
	if !ok {
		return nil, pkg.ErrInvalidObjectId
	}
	fs, ok := r.proxy.Backend(sid)
	if !ok {
		return nil, pkg.ErrInvalidStorageId
	}

	rel := relativePath(fs, path)
	fh, err := fs.OpenFile(rel, ModeRead)
	if err != nil {
		return nil, err
	}
	defer fs.CloseFile(fh)
	size, err := fs.FileSize(fh)
	if err != nil {
		return nil, err
	}

	r.cfg.Callback(Event{Kind: EventReadBegin, Path: path})
	if err := AddDataHeader(ctx, pipe, OpGetObject, cmd.TransactionID, size); err != nil {
		return nil, err
	}

	read := func(buf []byte, offset int64) (int, error) {
		return fs.ReadFile(fh, offset, buf)
	}
	write := func(data []byte, offset int64) error {
		if _, err := AddBuffer(ctx, pipe, data); err != nil {
			return err
		}
		r.cfg.Callback(Event{Kind: EventReadProgress, Offset: offset, Size: int64(len(data))})
		return nil
	}
	mode := transfer.MultiThreaded
	if fs.PrefersSingleThreaded(size, true) {
		mode = transfer.SingleThreadedIfSmaller
	}
	if err := transfer.Transfer(ctx, size, read, write, mode); err != nil {
		return nil, err
	}
	r.cfg.Callback(Event{Kind: EventReadEnd, Path: path})
	return nil, nil
}

func parseObjectInfo(payload []byte) (format uint16, size uint64, filename string, err error) {
	dec := NewDecoder(payload)
	if _, err = dec.Uint32(); err != nil { // storage id, ignored
		return
	}
	if format, err = dec.Uint16(); err != nil {
		return
	}
	if _, err = dec.Uint16(); err != nil { // protection status
		return
	}
	var compSize uint32
	if compSize, err = dec.Uint32(); err != nil {
		return
	}
	size = uint64(compSize)
	for i := 0; i < 7; i++ { // thumb format/size, thumb/image pix dims, bit depth
		if i == 0 {
			if _, err = dec.Uint16(); err != nil {
				return
			}
			continue
		}
		if _, err = dec.Uint32(); err != nil {
			return
		}
	}
	if _, err = dec.Uint32(); err != nil { // parent object
		return
	}
	if _, err = dec.Uint16(); err != nil { // association type
		return
	}
	if _, err = dec.Uint32(); err != nil { // association desc
		return
	}
	if _, err = dec.Uint32(); err != nil { // sequence number
		return
	}
	filename, err = dec.String()
	return
}

func handleSendObjectInfo(ctx context.Context, r *Responder, pipe BulkPipe, cmd Command) ([]uint32, error) {
	if cmd.NumParams < 2 {
		return nil, pkg.ErrInvalidArgument
	}
	sid := cmd.Params[0]
	parentHandle := cmd.Params[1]
	if parentHandle == RootParent {
		parentHandle = sid
	}
	fs, ok := r.proxy.Backend(sid)
	if !ok {
		return nil, pkg.ErrInvalidStorageId
	}
	parentPath, ok := r.db.Path(parentHandle)
	if !ok {
		return nil, pkg.ErrInvalidObjectId
	}

	payload, err := readDataPhase(ctx, pipe, OpSendObjectInfo, cmd.TransactionID)
	if err != nil {
		return nil, err
	}
	format, size, name, err := parseObjectInfo(payload)
	if err != nil {
		return nil, err
	}

	rel := relativePath(fs, joinPath(parentPath, name))
	var newHandle uint32
	if format == FormatAssociation {
		if err := fs.CreateDir(rel); err != nil {
			return nil, err
		}
		newHandle, _ = r.db.CreateOrFind(parentPath, name, parentHandle, sid)
		r.sendObjectID = 0
		r.cfg.Callback(Event{Kind: EventCreateFolder, Path: rel})
	} else {
		if err := fs.CreateFile(rel, int64(size), 0); err != nil {
			return nil, err
		}
		newHandle, _ = r.db.CreateOrFind(parentPath, name, parentHandle, sid)
		r.sendObjectID = newHandle
		r.cfg.Callback(Event{Kind: EventCreateFile, Path: rel})
	}

	return []uint32{sid, parentHandle, newHandle}, nil
}

func handleSendObject(ctx context.Context, r *Responder, pipe BulkPipe, cmd Command) ([]uint32, error) {
	if r.sendObjectID == 0 {
		return nil, pkg.ErrInvalidObjectId
	}
	_, sid, path, ok := r.db.Find(r.sendObjectID)
	if !ok {
		return nil, pkg.ErrInvalidObjectId
	}
	fs, ok := r.proxy.Backend(sid)
	if !ok {
		return nil, pkg.ErrInvalidStorageId
	}

	hdrBuf := make([]byte, ContainerHeaderSize)
	if err := readFull(ctx, pipe, hdrBuf); err != nil {
		return nil, err
	}
	hdr, err := ParseContainerHeader(hdrBuf)
	if err != nil {
		return nil, err
	}
	if hdr.Type != ContainerTypeData || hdr.Code != OpSendObject || hdr.TransactionID != cmd.TransactionID {
		return nil, pkg.ErrInvalidArgument
	}
	size := int64(hdr.Length) - ContainerHeaderSize
	if size < 0 {
		return nil, pkg.ErrInvalidArgument
	}

	rel := relativePath(fs, path)
	fh, err := fs.OpenFile(rel, ModeWrite)
	if err != nil {
		return nil, err
	}
	defer fs.CloseFile(fh)

	r.cfg.Callback(Event{Kind: EventWriteBegin, Path: path})
	read := func(buf []byte, offset int64) (int, error) {
		if err := readFull(ctx, pipe, buf); err != nil {
			return 0, err
		}
		return len(buf), nil
	}
	write := func(data []byte, offset int64) error {
		if err := fs.WriteFile(fh, offset, data); err != nil {
			return err
		}
		r.cfg.Callback(Event{Kind: EventWriteProgress, Offset: offset, Size: int64(len(data))})
		return nil
	}
	mode := transfer.MultiThreaded
	if fs.PrefersSingleThreaded(0, false) {
		mode = transfer.SingleThreadedIfSmaller
	}
	if err := transfer.Transfer(ctx, size, read, write, mode); err != nil {
		return nil, err
	}
	if err := fs.SetFileSize(fh, size); err != nil {
		return nil, err
	}
	r.cfg.Callback(Event{Kind: EventWriteEnd, Path: path})
	r.sendObjectID = 0
	return nil, nil
}

func handleDeleteObject(ctx context.Context, r *Responder, pipe BulkPipe, cmd Command) ([]uint32, error) {
	if cmd.NumParams < 1 {
		return nil, pkg.ErrInvalidArgument
	}
	h := cmd.Params[0]
	if r.db.IsRoot(h) {
		return nil, pkg.ErrInvalidObjectId
	}
	_, sid, path, ok := r.db.Find(h)
	if !ok {
		return nil, pkg.ErrInvalidObjectId
	}
	fs, ok := r.proxy.Backend(sid)
	if !ok {
		return nil, pkg.ErrInvalidStorageId
	}
	rel := relativePath(fs, path)
	et, err := fs.EntryType(rel)
	if err != nil {
		return nil, err
	}
	switch et {
	case EntryDir:
		if err := fs.DeleteDirRecursive(rel); err != nil {
			return nil, err
		}
		r.cfg.Callback(Event{Kind: EventDeleteFolder, Path: path})
	case EntryFile:
		if err := fs.DeleteFile(rel); err != nil {
			return nil, err
		}
		r.cfg.Callback(Event{Kind: EventDeleteFile, Path: path})
	default:
		return nil, pkg.ErrInvalidObjectId
	}
	r.db.Delete(h)
	return nil, nil
}

func handleGetObjectPropsSupported(ctx context.Context, r *Responder, pipe BulkPipe, cmd Command) ([]uint32, error) {
	err := WriteVariableLengthData(ctx, pipe, OpGetObjectPropsSupported, cmd.TransactionID, func(enc *Encoder) {
		enc.AddUint16Array(SupportedProperties)
	})
	return nil, err
}

func handleGetObjectPropDesc(ctx context.Context, r *Responder, pipe BulkPipe, cmd Command) ([]uint32, error) {
	if cmd.NumParams < 1 {
		return nil, pkg.ErrInvalidArgument
	}
	prop := uint16(cmd.Params[0])
	desc, err := lookupProperty(prop)
	if err != nil {
		return nil, err
	}
	var getSet uint8
	if desc.writable {
		getSet = 1
	}
	err = WriteVariableLengthData(ctx, pipe, OpGetObjectPropDesc, cmd.TransactionID, func(enc *Encoder) {
		enc.AddUint16(desc.code).AddUint16(desc.datatype).AddUint8(getSet)
		switch desc.datatype {
		case DatatypeUint128:
			enc.AddUint128([16]byte{})
		case DatatypeUint64:
			enc.AddUint64(0)
		case DatatypeUint32:
			enc.AddUint32(defaultStorageID)
		case DatatypeUint16:
			enc.AddUint16(0)
		case DatatypeString:
			enc.AddString("")
		}
		enc.AddUint32(0) // group code
		enc.AddUint8(0)  // form flag: none
	})
	return nil, err
}

// writePropValue encodes prop's current value for handle h.
func writePropValue(enc *Encoder, r *Responder, fs Filesystem, h, parent, sid uint32, path string, prop uint16) {
	switch prop {
	case PropPersistentUniqueObjectIdentifier:
		var id [16]byte
		binary.LittleEndian.PutUint32(id[:4], h)
		enc.AddUint128(id)
	case PropObjectSize:
		var size uint64
		if !r.db.IsRoot(h) {
			if sz, err := fileSize(fs, path); err == nil {
				size = uint64(sz)
			}
		}
		enc.AddUint64(size)
	case PropStorageId:
		enc.AddUint32(sid)
	case PropParentObject:
		reported := parent
		if reported == RootParent {
			reported = 0
		}
		enc.AddUint32(reported)
	case PropObjectFormat:
		format := uint16(FormatAssociation)
		if !r.db.IsRoot(h) {
			if et, err := fs.EntryType(relativePath(fs, path)); err == nil && et == EntryFile {
				format = FormatUndefined
			}
		}
		enc.AddUint16(format)
	case PropObjectFileName:
		enc.AddString(baseName(path))
	}
}

func handleGetObjectPropValue(ctx context.Context, r *Responder, pipe BulkPipe, cmd Command) ([]uint32, error) {
	if cmd.NumParams < 2 {
		return nil, pkg.ErrInvalidArgument
	}
	h := cmd.Params[0]
	prop := uint16(cmd.Params[1])
	parent, sid, path, ok := r.db.Find(h)
	if !ok {
		return nil, pkg.ErrInvalidObjectId
	}
	if _, err := lookupProperty(prop); err != nil {
		return nil, err
	}
	fs, ok := r.proxy.Backend(sid)
	if !ok {
		return nil, pkg.ErrInvalidStorageId
	}

	err := WriteVariableLengthData(ctx, pipe, OpGetObjectPropValue, cmd.TransactionID, func(enc *Encoder) {
		writePropValue(enc, r, fs, h, parent, sid, path, prop)
	})
	return nil, err
}

func handleGetObjectPropList(ctx context.Context, r *Responder, pipe BulkPipe, cmd Command) ([]uint32, error) {
	if cmd.NumParams < 5 {
		return nil, pkg.ErrInvalidArgument
	}
	h := cmd.Params[0]
	format := cmd.Params[1]
	prop := cmd.Params[2]
	group := cmd.Params[3]
	depth := cmd.Params[4]
	if format != 0 {
		return nil, pkg.ErrInvalidArgument
	}
	if group != 0 {
		return nil, pkg.ErrGroupSpecified
	}
	if depth != 0 {
		return nil, pkg.ErrDepthSpecified
	}

	parent, sid, path, ok := r.db.Find(h)
	if !ok {
		return nil, pkg.ErrInvalidObjectId
	}
	fs, ok := r.proxy.Backend(sid)
	if !ok {
		return nil, pkg.ErrInvalidStorageId
	}

	var props []uint16
	if prop == 0xFFFFFFFF {
		props = SupportedProperties
	} else {
		code := uint16(prop)
		if _, err := lookupProperty(code); err != nil {
			return nil, err
		}
		props = []uint16{code}
	}

	err := WriteVariableLengthData(ctx, pipe, OpGetObjectPropList, cmd.TransactionID, func(enc *Encoder) {
		enc.AddUint32(uint32(len(props)))
		for _, p := range props {
			desc, _ := lookupProperty(p)
			enc.AddUint32(h).AddUint16(p).AddUint16(desc.datatype)
			writePropValue(enc, r, fs, h, parent, sid, path, p)
		}
	})
	return nil, err
}

func parsePropListFilename(payload []byte) (string, error) {
	dec := NewDecoder(payload)
	count, err := dec.Uint32()
	if err != nil {
		return "", err
	}
	var name string
	for i := uint32(0); i < count; i++ {
		if _, err := dec.Uint32(); err != nil { // object handle placeholder
			return "", err
		}
		code, err := dec.Uint16()
		if err != nil {
			return "", err
		}
		datatype, err := dec.Uint16()
		if err != nil {
			return "", err
		}
		switch datatype {
		case DatatypeString:
			v, err := dec.String()
			if err != nil {
				return "", err
			}
			if code == PropObjectFileName {
				name = v
			}
		case DatatypeUint128:
			if _, err := dec.Uint128(); err != nil {
				return "", err
			}
		case DatatypeUint64:
			if _, err := dec.Uint64(); err != nil {
				return "", err
			}
		case DatatypeUint32:
			if _, err := dec.Uint32(); err != nil {
				return "", err
			}
		case DatatypeUint16:
			if _, err := dec.Uint16(); err != nil {
				return "", err
			}
		default:
			return "", pkg.ErrInvalidArgument
		}
	}
	if name == "" {
		return "", pkg.ErrInvalidPropertyValue
	}
	return name, nil
}

func handleSendObjectPropList(ctx context.Context, r *Responder, pipe BulkPipe, cmd Command) ([]uint32, error) {
	if cmd.NumParams < 5 {
		return nil, pkg.ErrInvalidArgument
	}
	sid := cmd.Params[0]
	parentHandle := cmd.Params[1]
	size := uint64(cmd.Params[3])<<32 | uint64(cmd.Params[4])
	if parentHandle == RootParent {
		parentHandle = sid
	}

	fs, ok := r.proxy.Backend(sid)
	if !ok {
		return nil, pkg.ErrInvalidStorageId
	}
	parentPath, ok := r.db.Path(parentHandle)
	if !ok {
		return nil, pkg.ErrInvalidObjectId
	}

	payload, err := readDataPhase(ctx, pipe, OpSendObjectPropList, cmd.TransactionID)
	if err != nil {
		return nil, err
	}
	name, err := parsePropListFilename(payload)
	if err != nil {
		return nil, err
	}

	rel := relativePath(fs, joinPath(parentPath, name))
	var flags uint32
	if size >= 1<<32 {
		flags = flagBigFile
	}
	if err := fs.CreateFile(rel, int64(size), flags); err != nil {
		return nil, err
	}
	newHandle, _ := r.db.CreateOrFind(parentPath, name, parentHandle, sid)
	r.sendObjectID = newHandle
	r.cfg.Callback(Event{Kind: EventCreateFile, Path: rel})

	return []uint32{sid, parentHandle, newHandle}, nil
}

func handleSetObjectPropValue(ctx context.Context, r *Responder, pipe BulkPipe, cmd Command) ([]uint32, error) {
	if cmd.NumParams < 2 {
		return nil, pkg.ErrInvalidArgument
	}
	h := cmd.Params[0]
	prop := uint16(cmd.Params[1])
	if prop != PropObjectFileName {
		return nil, pkg.ErrUnknownPropertyCode
	}

	parent, sid, oldPath, ok := r.db.Find(h)
	if !ok {
		return nil, pkg.ErrInvalidObjectId
	}
	fs, ok := r.proxy.Backend(sid)
	if !ok {
		return nil, pkg.ErrInvalidStorageId
	}

	payload, err := readDataPhase(ctx, pipe, OpSetObjectPropValue, cmd.TransactionID)
	if err != nil {
		return nil, err
	}
	newName, err := NewDecoder(payload).String()
	if err != nil {
		return nil, err
	}

	parentPath := ""
	if idx := strings.LastIndex(oldPath, "/"); idx >= 0 {
		parentPath = oldPath[:idx]
	}

	isDir := r.db.IsRoot(h)
	if !isDir {
		if et, err := fs.EntryType(relativePath(fs, oldPath)); err == nil {
			isDir = et == EntryDir
		}
	}

	err = r.db.Rename(h, parentPath, newName, parent, sid, func(oldP, newP string) error {
		relOld, relNew := relativePath(fs, oldP), relativePath(fs, newP)
		if isDir {
			if err := fs.RenameDir(relOld, relNew); err != nil {
				return err
			}
			r.cfg.Callback(Event{Kind: EventRenameFolder, Path: newP})
			return nil
		}
		if err := fs.RenameFile(relOld, relNew); err != nil {
			return err
		}
		r.cfg.Callback(Event{Kind: EventRenameFile, Path: newP})
		return nil
	})
	return nil, err
}
