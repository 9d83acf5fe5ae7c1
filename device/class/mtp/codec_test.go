package mtp

import (
	"context"
	"testing"

	"github.com/luketanti/cyberfoil/pkg"
	"github.com/stretchr/testify/require"
)

// memPipe is a trivial in-memory BulkPipe for codec and responder tests: it
// records everything written and serves reads from a preloaded queue.
type memPipe struct {
	written [][]byte
	toRead  [][]byte
}

func (p *memPipe) WriteBulk(_ context.Context, data []byte) (int, error) {
	cp := append([]byte(nil), data...)
	p.written = append(p.written, cp)
	return len(data), nil
}

func (p *memPipe) ReadBulk(_ context.Context, buf []byte) (int, error) {
	if len(p.toRead) == 0 {
		return 0, context.Canceled
	}
	next := p.toRead[0]
	p.toRead = p.toRead[1:]
	n := copy(buf, next)
	return n, nil
}

func TestContainerHeaderRoundTrip(t *testing.T) {
	require := require.New(t)
	hdr := ContainerHeader{Length: 42, Type: ContainerTypeCommand, Code: OpOpenSession, TransactionID: 7}
	buf := make([]byte, ContainerHeaderSize)
	hdr.MarshalTo(buf)

	got, err := ParseContainerHeader(buf)
	require.NoError(err)
	require.Equal(hdr, got)
}

func TestCommandRoundTrip(t *testing.T) {
	require := require.New(t)
	cmd := Command{
		ContainerHeader: ContainerHeader{Type: ContainerTypeCommand, Code: OpGetObjectHandles, TransactionID: 3},
		Params:          [MaxCommandParams]uint32{0x00010001, 0, RootParent, 0, 0},
		NumParams:       3,
	}
	buf := make([]byte, ContainerHeaderSize+MaxCommandParams*4)
	n := cmd.MarshalTo(buf)
	cmd.Length = uint32(n)

	got, err := ParseCommand(buf[:n])
	require.NoError(err)
	require.Equal(cmd, got)
}

func TestDecoderPrimitivesRoundTrip(t *testing.T) {
	require := require.New(t)
	enc := NewEncoder()
	enc.AddUint8(0xAB).
		AddUint16(0x1234).
		AddUint32(0xDEADBEEF).
		AddUint64(0x0102030405060708).
		AddUint128([16]byte{1, 2, 3}).
		AddString("hello").
		AddUint32Array([]uint32{1, 2, 3})

	dec := NewDecoder(enc.Bytes())
	u8, err := dec.Uint8()
	require.NoError(err)
	require.Equal(uint8(0xAB), u8)

	u16, err := dec.Uint16()
	require.NoError(err)
	require.Equal(uint16(0x1234), u16)

	u32, err := dec.Uint32()
	require.NoError(err)
	require.Equal(uint32(0xDEADBEEF), u32)

	u64, err := dec.Uint64()
	require.NoError(err)
	require.Equal(uint64(0x0102030405060708), u64)

	u128, err := dec.Uint128()
	require.NoError(err)
	require.Equal([16]byte{1, 2, 3}, u128)

	s, err := dec.String()
	require.NoError(err)
	require.Equal("hello", s)

	arr, err := dec.Uint32Array()
	require.NoError(err)
	require.Equal([]uint32{1, 2, 3}, arr)

	require.NoError(dec.Finalize())
}

func TestEmptyStringEncodesOneByte(t *testing.T) {
	enc := NewEncoder()
	enc.AddString("")
	if got := len(enc.Bytes()); got != 1 {
		t.Fatalf("empty string encoded to %d bytes, want 1", got)
	}
	if enc.Bytes()[0] != 0 {
		t.Fatalf("empty string byte = %#x, want 0", enc.Bytes()[0])
	}
}

func TestWriteVariableLengthData(t *testing.T) {
	require := require.New(t)
	pipe := &memPipe{}
	err := WriteVariableLengthData(context.Background(), pipe, OpGetStorageIds, 5, func(e *Encoder) {
		e.AddUint32Array([]uint32{0x00010001})
	})
	require.NoError(err)
	require.Len(pipe.written, 1)

	hdr, err := ParseContainerHeader(pipe.written[0])
	require.NoError(err)
	require.EqualValues(ContainerTypeData, hdr.Type)
	require.EqualValues(OpGetStorageIds, hdr.Code)
	require.EqualValues(5, hdr.TransactionID)
	require.EqualValues(len(pipe.written[0]), hdr.Length)

	dec := NewDecoder(pipe.written[0][ContainerHeaderSize:])
	arr, err := dec.Uint32Array()
	require.NoError(err)
	require.Equal([]uint32{0x00010001}, arr)
}

func TestWriteResponse(t *testing.T) {
	require := require.New(t)
	pipe := &memPipe{}
	err := WriteResponse(context.Background(), pipe, pkg.ResponseOK, 9, 0x1234)
	require.NoError(err)
	require.Len(pipe.written, 1)

	hdr, err := ParseContainerHeader(pipe.written[0])
	require.NoError(err)
	require.EqualValues(ContainerTypeResponse, hdr.Type)
	require.EqualValues(9, hdr.TransactionID)
}
