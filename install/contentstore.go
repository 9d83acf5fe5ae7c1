package install

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"

	"github.com/minio/minio-go/v7"

	"github.com/luketanti/cyberfoil/pkg"
)

// ContentID is a 16-byte opaque identifier used both as a content id and,
// while an entry is being streamed in, as the id of its placeholder. Both call positions share this one type rather than a
// cast between two distinct id types.
type ContentID [16]byte

// String renders the id as lowercase hex.
func (id ContentID) String() string {
	return hex.EncodeToString(id[:])
}

// ParseContentID decodes the first 32 hex characters of name into a
// ContentID.
func ParseContentID(name string) (ContentID, error) {
	var id ContentID
	if len(name) < 32 {
		return id, fmt.Errorf("install: filename %q too short for a content id", name)
	}
	raw, err := hex.DecodeString(name[:32])
	if err != nil {
		return id, fmt.Errorf("install: filename %q does not start with 32 hex digits: %w", name, err)
	}
	copy(id[:], raw)
	return id, nil
}

// ContentMetaKey identifies a content meta record's governing title and
// type, as returned by ContentMetaDatabase.LatestKey.
type ContentMetaKey struct {
	TitleID string
	Type    ContentMetaType
}

// ContentStore is the content-storage collaborator: placeholder
// lifecycle plus final registration and path lookup, keyed by ContentID.
type ContentStore interface {
	CreatePlaceholder(ctx context.Context, id ContentID) error
	DeletePlaceholder(ctx context.Context, id ContentID) error
	WritePlaceholder(ctx context.Context, id ContentID, offset int64, data []byte) error
	Register(ctx context.Context, placeholder, contentID ContentID) error
	PathOf(ctx context.Context, contentID ContentID) (string, error)
}

// ContentMetaDatabase is the content_meta_database collaborator:
// looks up the governing key for a meta record once it has been registered.
type ContentMetaDatabase interface {
	LatestKey(ctx context.Context, titleID string) (ContentMetaKey, error)
}

// minioContentStore implements ContentStore against an S3-compatible bucket,
// using multipart upload to accumulate a placeholder's bytes across many
// WritePlaceholder calls (the corpus's own
// eteran-silo/cmd/example.MultipartUploadExample is the precedent for this
// upload-part-then-complete shape; a single PutObject cannot express
// incremental writes at arbitrary offsets against an S3-style object store).
type minioContentStore struct {
	client *minio.Client
	bucket string

	uploads map[ContentID]*partialUpload
}

type partialUpload struct {
	uploadID string
	part     int
	parts    []minio.CompletePart
	pending  bytes.Buffer
}

// NewMinioContentStore returns a ContentStore backed by an S3-compatible
// bucket reachable through client.
func NewMinioContentStore(client *minio.Client, bucket string) ContentStore {
	return &minioContentStore{
		client:  client,
		bucket:  bucket,
		uploads: make(map[ContentID]*partialUpload),
	}
}

// minPartSize is the smallest part size accepted by S3-compatible multipart
// uploads aside from the final part.
const minPartSize = 5 << 20

func (s *minioContentStore) CreatePlaceholder(ctx context.Context, id ContentID) error {
	if err := s.DeletePlaceholder(ctx, id); err != nil {
		pkg.LogWarn(pkg.ComponentInstall, "placeholder delete before create failed", "id", id, "error", err)
	}
	core := minio.Core{Client: s.client}
	uploadID, err := core.NewMultipartUpload(ctx, s.bucket, placeholderKey(id), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("%w: %v", pkg.ErrContentStoreIO, err)
	}
	s.uploads[id] = &partialUpload{uploadID: uploadID, part: 1}
	return nil
}

func (s *minioContentStore) WritePlaceholder(ctx context.Context, id ContentID, offset int64, data []byte) error {
	up, ok := s.uploads[id]
	if !ok {
		return fmt.Errorf("%w: no placeholder open for %s", pkg.ErrContentStoreIO, id)
	}
	up.pending.Write(data)
	if up.pending.Len() < minPartSize {
		return nil
	}
	return s.flushPart(ctx, id, up, false)
}

func (s *minioContentStore) flushPart(ctx context.Context, id ContentID, up *partialUpload, final bool) error {
	if up.pending.Len() == 0 {
		return nil
	}
	core := minio.Core{Client: s.client}
	buf := up.pending.Bytes()
	part, err := core.PutObjectPart(ctx, s.bucket, placeholderKey(id), up.uploadID, up.part,
		bytes.NewReader(buf), int64(len(buf)), minio.PutObjectPartOptions{})
	if err != nil {
		return fmt.Errorf("%w: %v", pkg.ErrContentStoreIO, err)
	}
	up.parts = append(up.parts, minio.CompletePart{
		PartNumber: part.PartNumber,
		ETag:       part.ETag,
	})
	up.part++
	up.pending.Reset()
	return nil
}

func (s *minioContentStore) DeletePlaceholder(ctx context.Context, id ContentID) error {
	delete(s.uploads, id)
	err := s.client.RemoveObject(ctx, s.bucket, placeholderKey(id), minio.RemoveObjectOptions{})
	if err != nil {
		// Absence of a prior placeholder is not an error.
		return nil
	}
	return nil
}

func (s *minioContentStore) Register(ctx context.Context, placeholder, contentID ContentID) error {
	up, ok := s.uploads[placeholder]
	if !ok {
		return fmt.Errorf("%w: no placeholder open for %s", pkg.ErrContentStoreIO, placeholder)
	}
	if err := s.flushPart(ctx, placeholder, up, true); err != nil {
		return err
	}
	core := minio.Core{Client: s.client}
	if _, err := core.CompleteMultipartUpload(ctx, s.bucket, placeholderKey(placeholder), up.uploadID, up.parts,
		minio.PutObjectOptions{ContentType: "application/octet-stream"}); err != nil {
		return fmt.Errorf("%w: %v", pkg.ErrContentStoreIO, err)
	}
	delete(s.uploads, placeholder)

	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: s.bucket, Object: contentKey(contentID)},
		minio.CopySrcOptions{Bucket: s.bucket, Object: placeholderKey(placeholder)})
	if err != nil {
		return fmt.Errorf("%w: %v", pkg.ErrContentStoreIO, err)
	}
	return s.client.RemoveObject(ctx, s.bucket, placeholderKey(placeholder), minio.RemoveObjectOptions{})
}

func (s *minioContentStore) PathOf(ctx context.Context, contentID ContentID) (string, error) {
	info, err := s.client.StatObject(ctx, s.bucket, contentKey(contentID), minio.StatObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("%w: %v", pkg.ErrContentStoreIO, err)
	}
	return info.Key, nil
}

func placeholderKey(id ContentID) string { return "placeholder/" + id.String() }
func contentKey(id ContentID) string     { return "content/" + id.String() }
