package mtp

import (
	"context"
	"sort"
	"strings"
	"testing"

	"github.com/luketanti/cyberfoil/pkg"
	"github.com/stretchr/testify/require"
)

// testFS is a minimal in-memory Filesystem backend for responder tests.
type testFS struct {
	name, display  string
	files          map[string][]byte
	dirs           map[string]bool
	singleThreaded bool
}

func newTestFS(name, display string) *testFS {
	return &testFS{
		name: name, display: display,
		files:          map[string][]byte{},
		dirs:           map[string]bool{"": true},
		singleThreaded: true,
	}
}

func (t *testFS) Name() string        { return t.name }
func (t *testFS) DisplayName() string { return t.display }

func (t *testFS) TotalSpace(string) (uint64, error) { return 1 << 30, nil }
func (t *testFS) FreeSpace(string) (uint64, error)  { return 1 << 29, nil }

func (t *testFS) EntryType(path string) (EntryType, error) {
	if path == "" || t.dirs[path] {
		return EntryDir, nil
	}
	if _, ok := t.files[path]; ok {
		return EntryFile, nil
	}
	return EntryMissing, nil
}

func (t *testFS) CreateFile(path string, size int64, _ uint32) error {
	t.files[path] = make([]byte, 0, size)
	return nil
}

func (t *testFS) DeleteFile(path string) error {
	delete(t.files, path)
	return nil
}

func (t *testFS) RenameFile(oldPath, newPath string) error {
	data, ok := t.files[oldPath]
	if !ok {
		return pkg.ErrInvalidArgument
	}
	delete(t.files, oldPath)
	t.files[newPath] = data
	return nil
}

type testFileHandle struct{ path string }

func (t *testFS) OpenFile(path string, _ FileMode) (any, error) {
	return &testFileHandle{path: path}, nil
}

func (t *testFS) FileSize(handle any) (int64, error) {
	h := handle.(*testFileHandle)
	return int64(len(t.files[h.path])), nil
}

func (t *testFS) SetFileSize(handle any, size int64) error {
	h := handle.(*testFileHandle)
	data := t.files[h.path]
	if int64(len(data)) < size {
		grown := make([]byte, size)
		copy(grown, data)
		data = grown
	} else {
		data = data[:size]
	}
	t.files[h.path] = data
	return nil
}

func (t *testFS) ReadFile(handle any, offset int64, buf []byte) (int, error) {
	h := handle.(*testFileHandle)
	return copy(buf, t.files[h.path][offset:]), nil
}

func (t *testFS) WriteFile(handle any, offset int64, data []byte) error {
	h := handle.(*testFileHandle)
	cur := t.files[h.path]
	need := int(offset) + len(data)
	if len(cur) < need {
		grown := make([]byte, need)
		copy(grown, cur)
		cur = grown
	}
	copy(cur[offset:], data)
	t.files[h.path] = cur
	return nil
}

func (t *testFS) CloseFile(any) error { return nil }

func (t *testFS) CreateDir(path string) error {
	t.dirs[path] = true
	return nil
}

func (t *testFS) DeleteDirRecursive(path string) error {
	delete(t.dirs, path)
	prefix := path + "/"
	for k := range t.files {
		if strings.HasPrefix(k, prefix) {
			delete(t.files, k)
		}
	}
	for k := range t.dirs {
		if strings.HasPrefix(k, prefix) {
			delete(t.dirs, k)
		}
	}
	return nil
}

func (t *testFS) RenameDir(oldPath, newPath string) error {
	delete(t.dirs, oldPath)
	t.dirs[newPath] = true
	return nil
}

type testDirHandle struct{ entries []DirEntry }

func (t *testFS) OpenDir(path string) (any, error) {
	prefix := path
	if prefix != "" {
		prefix += "/"
	}
	seen := map[string]bool{}
	var entries []DirEntry
	for k := range t.files {
		if rest, ok := strings.CutPrefix(k, prefix); ok && rest != "" && !strings.Contains(rest, "/") && !seen[rest] {
			seen[rest] = true
			entries = append(entries, DirEntry{Name: rest, Type: EntryFile})
		}
	}
	for k := range t.dirs {
		if k == path {
			continue
		}
		if rest, ok := strings.CutPrefix(k, prefix); ok && rest != "" && !strings.Contains(rest, "/") && !seen[rest] {
			seen[rest] = true
			entries = append(entries, DirEntry{Name: rest, Type: EntryDir})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return &testDirHandle{entries: entries}, nil
}

func (t *testFS) ReadDir(handle any, maxEntries int) ([]DirEntry, error) {
	h := handle.(*testDirHandle)
	n := maxEntries
	if n > len(h.entries) {
		n = len(h.entries)
	}
	out := h.entries[:n]
	h.entries = h.entries[n:]
	return out, nil
}

func (t *testFS) DirEntryCount(handle any) (int, error) {
	return len(handle.(*testDirHandle).entries), nil
}

func (t *testFS) CloseDir(any) error { return nil }

func (t *testFS) PrefersSingleThreaded(int64, bool) bool { return t.singleThreaded }

// dataContainer builds a complete data container (header + payload) ready to
// be split into the two memPipe.ReadBulk chunks a responder handler expects:
// one call for the 12-byte header, one for the payload.
func dataContainer(code uint16, txn uint32, payload []byte) (hdr, body []byte) {
	h := ContainerHeader{Length: uint32(ContainerHeaderSize + len(payload)), Type: ContainerTypeData, Code: code, TransactionID: txn}
	hdr = make([]byte, ContainerHeaderSize)
	h.MarshalTo(hdr)
	return hdr, payload
}

func objectInfoPayload(format uint16, size uint32, filename string) []byte {
	enc := NewEncoder()
	enc.AddUint32(0).
		AddUint16(format).
		AddUint16(0).
		AddUint32(size).
		AddUint16(0)
	for i := 0; i < 6; i++ {
		enc.AddUint32(0)
	}
	enc.AddUint32(0).
		AddUint16(0).
		AddUint32(0).
		AddUint32(0).
		AddString(filename)
	return enc.Bytes()
}

func propListPayload(code uint16, datatype uint16, filename string) []byte {
	enc := NewEncoder()
	enc.AddUint32(1).
		AddUint32(RootParent).
		AddUint16(code).
		AddUint16(datatype).
		AddString(filename)
	return enc.Bytes()
}

func newTestResponder() (*Responder, *testFS) {
	fs := newTestFS("", "SD Card")
	proxy := NewProxy()
	proxy.Mount(0x00010001, fs)
	return NewResponder(NewConfig(), proxy), fs
}

func responseOf(t *testing.T, pipe *memPipe) (code pkg.ResponseCode, params []uint32) {
	t.Helper()
	require.NotEmpty(t, pipe.written)
	last := pipe.written[len(pipe.written)-1]
	hdr, err := ParseContainerHeader(last)
	require.NoError(t, err)
	require.EqualValues(t, ContainerTypeResponse, hdr.Type)
	for off := ContainerHeaderSize; off+4 <= len(last); off += 4 {
		params = append(params, NewDecoder(last[off:off+4]).mustUint32())
	}
	return pkg.ResponseCode(hdr.Code), params
}

// mustUint32 is a test-only convenience wrapper; the payload slices passed to
// it are always exactly 4 bytes.
func (d *Decoder) mustUint32() uint32 {
	v, _ := d.Uint32()
	return v
}

func TestResponderOpenSessionAndGetStorageIds(t *testing.T) {
	r, _ := newTestResponder()
	ctx := context.Background()

	pipe := &memPipe{}
	err := r.serveOne(ctx, pipe, Command{
		ContainerHeader: ContainerHeader{Type: ContainerTypeCommand, Code: OpOpenSession, TransactionID: 1},
		NumParams:       1,
		Params:          [MaxCommandParams]uint32{1},
	})
	require.NoError(t, err)
	code, _ := responseOf(t, pipe)
	require.Equal(t, pkg.ResponseOK, code)
	require.True(t, r.sessionOpen)

	pipe2 := &memPipe{}
	err = r.serveOne(ctx, pipe2, Command{
		ContainerHeader: ContainerHeader{Type: ContainerTypeCommand, Code: OpGetStorageIds, TransactionID: 2},
	})
	require.NoError(t, err)
	require.Len(t, pipe2.written, 2)

	dataHdr, err := ParseContainerHeader(pipe2.written[0])
	require.NoError(t, err)
	require.EqualValues(t, ContainerTypeData, dataHdr.Type)
	arr, err := NewDecoder(pipe2.written[0][ContainerHeaderSize:]).Uint32Array()
	require.NoError(t, err)
	require.Equal(t, []uint32{0x00010001}, arr)

	code2, _ := responseOf(t, pipe2)
	require.Equal(t, pkg.ResponseOK, code2)
}

func TestResponderGetObjectHandlesEmptyStorage(t *testing.T) {
	r, _ := newTestResponder()
	ctx := context.Background()
	mustOpenSession(t, r)

	pipe := &memPipe{}
	err := r.serveOne(ctx, pipe, Command{
		ContainerHeader: ContainerHeader{Type: ContainerTypeCommand, Code: OpGetObjectHandles, TransactionID: 1},
		NumParams:       3,
		Params:          [MaxCommandParams]uint32{0x00010001, 0, RootParent},
	})
	require.NoError(t, err)

	arr, err := NewDecoder(pipe.written[0][ContainerHeaderSize:]).Uint32Array()
	require.NoError(t, err)
	require.Empty(t, arr)

	code, _ := responseOf(t, pipe)
	require.Equal(t, pkg.ResponseOK, code)
}

func mustOpenSession(t *testing.T, r *Responder) {
	t.Helper()
	err := r.serveOne(context.Background(), &memPipe{}, Command{
		ContainerHeader: ContainerHeader{Type: ContainerTypeCommand, Code: OpOpenSession, TransactionID: 0},
	})
	require.NoError(t, err)
}

func TestResponderSendObjectInfoThenSendObject(t *testing.T) {
	r, fs := newTestResponder()
	ctx := context.Background()
	mustOpenSession(t, r)
	fs.singleThreaded = true

	payload := objectInfoPayload(FormatUndefined, 0, "a.bin")
	hdr, body := dataContainer(OpSendObjectInfo, 5, payload)
	pipe := &memPipe{toRead: [][]byte{hdr, body}}
	err := r.serveOne(ctx, pipe, Command{
		ContainerHeader: ContainerHeader{Type: ContainerTypeCommand, Code: OpSendObjectInfo, TransactionID: 5},
		NumParams:       2,
		Params:          [MaxCommandParams]uint32{0x00010001, RootParent},
	})
	require.NoError(t, err)
	_, params := responseOf(t, pipe)
	require.Len(t, params, 3)
	newHandle := params[2]
	require.NotZero(t, newHandle)
	require.Contains(t, fs.files, "a.bin")

	objHdr, objBody := dataContainer(OpSendObject, 6, []byte("hello"))
	pipe2 := &memPipe{toRead: [][]byte{objHdr, objBody}}
	err = r.serveOne(ctx, pipe2, Command{
		ContainerHeader: ContainerHeader{Type: ContainerTypeCommand, Code: OpSendObject, TransactionID: 6},
	})
	require.NoError(t, err)
	code, _ := responseOf(t, pipe2)
	require.Equal(t, pkg.ResponseOK, code)
	require.Equal(t, []byte("hello"), fs.files["a.bin"])
}

func TestResponderSendObjectPropListThenSendObject(t *testing.T) {
	r, fs := newTestResponder()
	ctx := context.Background()
	mustOpenSession(t, r)
	fs.singleThreaded = true

	payload := propListPayload(PropObjectFileName, DatatypeString, "b.bin")
	hdr, body := dataContainer(OpSendObjectPropList, 9, payload)
	pipe := &memPipe{toRead: [][]byte{hdr, body}}
	err := r.serveOne(ctx, pipe, Command{
		ContainerHeader: ContainerHeader{Type: ContainerTypeCommand, Code: OpSendObjectPropList, TransactionID: 9},
		NumParams:       5,
		Params:          [MaxCommandParams]uint32{0x00010001, RootParent, 0x3000, 0, 5},
	})
	require.NoError(t, err)
	_, params := responseOf(t, pipe)
	require.Len(t, params, 3)
	require.Contains(t, fs.files, "b.bin")

	objHdr, objBody := dataContainer(OpSendObject, 10, []byte("hello"))
	pipe2 := &memPipe{toRead: [][]byte{objHdr, objBody}}
	err = r.serveOne(ctx, pipe2, Command{
		ContainerHeader: ContainerHeader{Type: ContainerTypeCommand, Code: OpSendObject, TransactionID: 10},
	})
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), fs.files["b.bin"])
}

func TestResponderDeleteObject(t *testing.T) {
	r, fs := newTestResponder()
	ctx := context.Background()
	mustOpenSession(t, r)

	payload := objectInfoPayload(FormatUndefined, 0, "x.bin")
	hdr, body := dataContainer(OpSendObjectInfo, 1, payload)
	pipe := &memPipe{toRead: [][]byte{hdr, body}}
	require.NoError(t, r.serveOne(ctx, pipe, Command{
		ContainerHeader: ContainerHeader{Type: ContainerTypeCommand, Code: OpSendObjectInfo, TransactionID: 1},
		NumParams:       2,
		Params:          [MaxCommandParams]uint32{0x00010001, RootParent},
	}))
	_, params := responseOf(t, pipe)
	handle := params[2]

	pipe2 := &memPipe{}
	err := r.serveOne(ctx, pipe2, Command{
		ContainerHeader: ContainerHeader{Type: ContainerTypeCommand, Code: OpDeleteObject, TransactionID: 2},
		NumParams:       1,
		Params:          [MaxCommandParams]uint32{handle},
	})
	require.NoError(t, err)
	code, _ := responseOf(t, pipe2)
	require.Equal(t, pkg.ResponseOK, code)
	require.NotContains(t, fs.files, "x.bin")
	_, _, _, ok := r.db.Find(handle)
	require.False(t, ok)
}

func TestResponderSetObjectPropValueRenames(t *testing.T) {
	// SetObjectPropValue on the filename property renames the object.
	r, fs := newTestResponder()
	ctx := context.Background()
	mustOpenSession(t, r)

	payload := objectInfoPayload(FormatUndefined, 0, "old.bin")
	hdr, body := dataContainer(OpSendObjectInfo, 1, payload)
	pipe := &memPipe{toRead: [][]byte{hdr, body}}
	require.NoError(t, r.serveOne(ctx, pipe, Command{
		ContainerHeader: ContainerHeader{Type: ContainerTypeCommand, Code: OpSendObjectInfo, TransactionID: 1},
		NumParams:       2,
		Params:          [MaxCommandParams]uint32{0x00010001, RootParent},
	}))
	_, params := responseOf(t, pipe)
	handle := params[2]
	fs.files["old.bin"] = []byte("data")

	enc := NewEncoder()
	enc.AddString("new.bin")
	renameHdr, renameBody := dataContainer(OpSetObjectPropValue, 2, enc.Bytes())
	pipe2 := &memPipe{toRead: [][]byte{renameHdr, renameBody}}
	err := r.serveOne(ctx, pipe2, Command{
		ContainerHeader: ContainerHeader{Type: ContainerTypeCommand, Code: OpSetObjectPropValue, TransactionID: 2},
		NumParams:       2,
		Params:          [MaxCommandParams]uint32{handle, PropObjectFileName},
	})
	require.NoError(t, err)
	code, _ := responseOf(t, pipe2)
	require.Equal(t, pkg.ResponseOK, code)

	require.NotContains(t, fs.files, "old.bin")
	require.Contains(t, fs.files, "new.bin")
	path, ok := r.db.Path(handle)
	require.True(t, ok)
	require.Equal(t, "new.bin", path)
}

func TestResponderRequiresSessionOpen(t *testing.T) {
	r, _ := newTestResponder()
	pipe := &memPipe{}
	err := r.serveOne(context.Background(), pipe, Command{
		ContainerHeader: ContainerHeader{Type: ContainerTypeCommand, Code: OpGetStorageIds, TransactionID: 1},
	})
	require.NoError(t, err)
	code, _ := responseOf(t, pipe)
	require.Equal(t, pkg.ResponseSessionNotOpen, code)
}

func TestResponderUnknownOperation(t *testing.T) {
	r, _ := newTestResponder()
	mustOpenSession(t, r)
	pipe := &memPipe{}
	err := r.serveOne(context.Background(), pipe, Command{
		ContainerHeader: ContainerHeader{Type: ContainerTypeCommand, Code: 0xFFFF, TransactionID: 1},
	})
	require.NoError(t, err)
	code, _ := responseOf(t, pipe)
	require.Equal(t, pkg.ResponseOperationNotSupported, code)
}
