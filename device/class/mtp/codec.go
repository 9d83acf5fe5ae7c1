package mtp

import (
	"context"
	"encoding/binary"
	"unicode/utf16"

	"github.com/luketanti/cyberfoil/pkg"
)

// BulkPipe is the Async USB Bulk Pipe collaborator: a
// bidirectional byte carrier supplying blocking read(buf,n)/write(buf,n)
// primitives. device.Stack.Read/Write over a pair of bulk endpoints
// satisfies this directly; it is kept as its own interface so the codec and
// responder are testable against an in-memory pipe with no USB stack at all.
type BulkPipe interface {
	ReadBulk(ctx context.Context, buf []byte) (int, error)
	WriteBulk(ctx context.Context, data []byte) (int, error)
}

// ContainerHeader is the fixed 12-byte bulk container header.
type ContainerHeader struct {
	Length        uint32
	Type          uint16
	Code          uint16
	TransactionID uint32
}

// MarshalTo writes the header to buf, which must be at least
// ContainerHeaderSize bytes.
func (h ContainerHeader) MarshalTo(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Length)
	binary.LittleEndian.PutUint16(buf[4:6], h.Type)
	binary.LittleEndian.PutUint16(buf[6:8], h.Code)
	binary.LittleEndian.PutUint32(buf[8:12], h.TransactionID)
}

// ParseContainerHeader parses a ContainerHeader from buf.
func ParseContainerHeader(buf []byte) (ContainerHeader, error) {
	if len(buf) < ContainerHeaderSize {
		return ContainerHeader{}, pkg.ErrBufferTooSmall
	}
	return ContainerHeader{
		Length:        binary.LittleEndian.Uint32(buf[0:4]),
		Type:          binary.LittleEndian.Uint16(buf[4:6]),
		Code:          binary.LittleEndian.Uint16(buf[6:8]),
		TransactionID: binary.LittleEndian.Uint32(buf[8:12]),
	}, nil
}

// Command is a parsed command container: the header plus up to
// MaxCommandParams trailing u32 parameters.
type Command struct {
	ContainerHeader
	Params    [MaxCommandParams]uint32
	NumParams int
}

// ParseCommand parses a command container from buf. buf must contain the
// full container (header plus parameters); anything beyond NumParams*4
// trailing bytes is ignored.
func ParseCommand(buf []byte) (Command, error) {
	hdr, err := ParseContainerHeader(buf)
	if err != nil {
		return Command{}, err
	}
	if hdr.Type != ContainerTypeCommand {
		return Command{}, pkg.ErrUnknownRequestType
	}
	var cmd Command
	cmd.ContainerHeader = hdr
	n := (len(buf) - ContainerHeaderSize) / 4
	if n > MaxCommandParams {
		n = MaxCommandParams
	}
	for i := 0; i < n; i++ {
		off := ContainerHeaderSize + i*4
		cmd.Params[i] = binary.LittleEndian.Uint32(buf[off : off+4])
	}
	cmd.NumParams = n
	return cmd, nil
}

// MarshalTo writes the command container (header + NumParams parameters) to
// buf, returning the number of bytes written.
func (c Command) MarshalTo(buf []byte) int {
	c.ContainerHeader.MarshalTo(buf)
	for i := 0; i < c.NumParams; i++ {
		off := ContainerHeaderSize + i*4
		binary.LittleEndian.PutUint32(buf[off:off+4], c.Params[i])
	}
	return ContainerHeaderSize + c.NumParams*4
}

// Decoder reads MTP wire primitives from an in-memory data-phase payload.
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder returns a Decoder over buf.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

func (d *Decoder) need(n int) error {
	if d.pos+n > len(d.buf) {
		return pkg.ErrBufferTooSmall
	}
	return nil
}

// Uint8 reads one byte.
func (d *Decoder) Uint8() (uint8, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	v := d.buf[d.pos]
	d.pos++
	return v, nil
}

// Uint16 reads a little-endian u16.
func (d *Decoder) Uint16() (uint16, error) {
	if err := d.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(d.buf[d.pos:])
	d.pos += 2
	return v, nil
}

// Uint32 reads a little-endian u32.
func (d *Decoder) Uint32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v, nil
}

// Uint64 reads a little-endian u64.
func (d *Decoder) Uint64() (uint64, error) {
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(d.buf[d.pos:])
	d.pos += 8
	return v, nil
}

// Uint128 reads a 16-byte opaque id, such as PersistentUniqueObjectIdentifier
// or a content id. It is not interpreted as a number: byte order is
// preserved as-is, matching the "single 16-byte opaque id type" re-design
// guidance for raw pointer casts in the original source.
func (d *Decoder) Uint128() ([16]byte, error) {
	var out [16]byte
	if err := d.need(16); err != nil {
		return out, err
	}
	copy(out[:], d.buf[d.pos:d.pos+16])
	d.pos += 16
	return out, nil
}

// String reads a length-prefixed UTF-16LE string: a u8 count of 16-bit code
// units (including a trailing NUL; 0 means empty, no NUL byte follows).
func (d *Decoder) String() (string, error) {
	count, err := d.Uint8()
	if err != nil {
		return "", err
	}
	if count == 0 {
		return "", nil
	}
	if err := d.need(int(count) * 2); err != nil {
		return "", err
	}
	units := make([]uint16, count)
	for i := 0; i < int(count); i++ {
		units[i] = binary.LittleEndian.Uint16(d.buf[d.pos:])
		d.pos += 2
	}
	// Drop the trailing NUL code unit before decoding.
	if n := len(units); n > 0 && units[n-1] == 0 {
		units = units[:n-1]
	}
	return string(utf16.Decode(units)), nil
}

// Uint32Array reads a u32 length followed by that many u32 elements.
func (d *Decoder) Uint32Array() ([]uint32, error) {
	n, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	out := make([]uint32, n)
	for i := range out {
		v, err := d.Uint32()
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Bytes reads the next n raw bytes.
func (d *Decoder) Bytes(n int) ([]byte, error) {
	if err := d.need(n); err != nil {
		return nil, err
	}
	out := d.buf[d.pos : d.pos+n]
	d.pos += n
	return out, nil
}

// Remaining returns the number of unconsumed bytes.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.pos
}

// Finalize asserts the frame was fully consumed.
func (d *Decoder) Finalize() error {
	if d.pos != len(d.buf) {
		return pkg.ErrInvalidArgument
	}
	return nil
}

// Encoder builds a data-phase payload with the Add*/AddArray/AddString
// calls, then WriteVariableLengthData patches the header and flushes the
// complete container in one call to the bulk pipe.
type Encoder struct {
	scratch []byte
}

// NewEncoder returns an empty Encoder.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// AddUint8 appends a u8.
func (e *Encoder) AddUint8(v uint8) *Encoder {
	e.scratch = append(e.scratch, v)
	return e
}

// AddUint16 appends a little-endian u16.
func (e *Encoder) AddUint16(v uint16) *Encoder {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	e.scratch = append(e.scratch, b[:]...)
	return e
}

// AddUint32 appends a little-endian u32.
func (e *Encoder) AddUint32(v uint32) *Encoder {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.scratch = append(e.scratch, b[:]...)
	return e
}

// AddUint64 appends a little-endian u64.
func (e *Encoder) AddUint64(v uint64) *Encoder {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.scratch = append(e.scratch, b[:]...)
	return e
}

// AddUint128 appends a 16-byte opaque id verbatim.
func (e *Encoder) AddUint128(v [16]byte) *Encoder {
	e.scratch = append(e.scratch, v[:]...)
	return e
}

// AddString appends a length-prefixed UTF-16LE string. An empty string
// emits exactly one zero byte and no code units.
func (e *Encoder) AddString(s string) *Encoder {
	if s == "" {
		return e.AddUint8(0)
	}
	units := utf16.Encode([]rune(s))
	e.AddUint8(uint8(len(units) + 1))
	for _, u := range units {
		e.AddUint16(u)
	}
	return e.AddUint16(0)
}

// AddUint32Array appends a u32 length followed by the elements.
func (e *Encoder) AddUint32Array(vals []uint32) *Encoder {
	e.AddUint32(uint32(len(vals)))
	for _, v := range vals {
		e.AddUint32(v)
	}
	return e
}

// AddUint16Array appends a u32 length followed by u16 elements (used by
// GetDeviceInfo's supported-ops/events/props/formats lists, which the PTP
// standard encodes as arrays of u16).
func (e *Encoder) AddUint16Array(vals []uint16) *Encoder {
	e.AddUint32(uint32(len(vals)))
	for _, v := range vals {
		e.AddUint16(v)
	}
	return e
}

// Bytes returns the accumulated payload.
func (e *Encoder) Bytes() []byte {
	return e.scratch
}

// WriteVariableLengthData reserves a 12-byte header, invokes build to
// populate the payload via the Encoder's Add* methods, patches the final
// length field, and flushes header+payload to the pipe in one write.
func WriteVariableLengthData(ctx context.Context, pipe BulkPipe, code uint16, transactionID uint32, build func(*Encoder)) error {
	enc := NewEncoder()
	if build != nil {
		build(enc)
	}
	payload := enc.Bytes()
	hdr := ContainerHeader{
		Length:        uint32(ContainerHeaderSize + len(payload)),
		Type:          ContainerTypeData,
		Code:          code,
		TransactionID: transactionID,
	}
	out := make([]byte, ContainerHeaderSize+len(payload))
	hdr.MarshalTo(out)
	copy(out[ContainerHeaderSize:], payload)
	_, err := pipe.WriteBulk(ctx, out)
	return err
}

// AddDataHeader emits a data container header immediately, ahead of a
// payload of known length that will be streamed separately via AddBuffer
// (used by GetObject, whose size is known up front).
func AddDataHeader(ctx context.Context, pipe BulkPipe, code uint16, transactionID uint32, payloadLength int64) error {
	var buf [ContainerHeaderSize]byte
	hdr := ContainerHeader{
		Length:        uint32(int64(ContainerHeaderSize) + payloadLength),
		Type:          ContainerTypeData,
		Code:          code,
		TransactionID: transactionID,
	}
	hdr.MarshalTo(buf[:])
	_, err := pipe.WriteBulk(ctx, buf[:])
	return err
}

// AddBuffer streams one chunk of a payload previously announced via
// AddDataHeader directly to the pipe.
func AddBuffer(ctx context.Context, pipe BulkPipe, chunk []byte) (int, error) {
	return pipe.WriteBulk(ctx, chunk)
}

// WriteResponse writes a response container with zero or more u32
// parameters. Every operation handler ends its response phase with exactly
// one call to this, regardless of success or failure.
func WriteResponse(ctx context.Context, pipe BulkPipe, code pkg.ResponseCode, transactionID uint32, params ...uint32) error {
	buf := make([]byte, ContainerHeaderSize+4*len(params))
	hdr := ContainerHeader{
		Length:        uint32(len(buf)),
		Type:          ContainerTypeResponse,
		Code:          uint16(code),
		TransactionID: transactionID,
	}
	hdr.MarshalTo(buf)
	for i, p := range params {
		off := ContainerHeaderSize + i*4
		binary.LittleEndian.PutUint32(buf[off:off+4], p)
	}
	_, err := pipe.WriteBulk(ctx, buf)
	return err
}
