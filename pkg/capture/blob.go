package capture

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
)

const objectURLPrefix = "blob:twinrec/"

// Blob is an immutable byte container with a declared media type.
type Blob struct {
	data     []byte
	mimeType string
}

// NewBlob concatenates chunks into a single blob.
func NewBlob(chunks [][]byte, mimeType string) *Blob {
	size := 0
	for _, c := range chunks {
		size += len(c)
	}
	data := make([]byte, 0, size)
	for _, c := range chunks {
		data = append(data, c...)
	}
	return &Blob{data: data, mimeType: mimeType}
}

func (b *Blob) Size() int {
	return len(b.data)
}

func (b *Blob) Type() string {
	return b.mimeType
}

// Bytes returns a copy of the blob contents.
func (b *Blob) Bytes() []byte {
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

func (b *Blob) Reader() io.ReadSeeker {
	return bytes.NewReader(b.data)
}

// BlobStore hands out revocable object URLs for blobs.
type BlobStore struct {
	mu   sync.Mutex
	urls map[string]*Blob
}

func NewBlobStore() *BlobStore {
	return &BlobStore{urls: make(map[string]*Blob)}
}

// CreateObjectURL registers blob and returns a URL that resolves to it until
// revoked.
func (s *BlobStore) CreateObjectURL(blob *Blob) string {
	url := objectURLPrefix + uuid.NewString()
	s.mu.Lock()
	s.urls[url] = blob
	s.mu.Unlock()
	return url
}

// Resolve looks up a live URL.
func (s *BlobStore) Resolve(url string) (*Blob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok := s.urls[url]
	return blob, ok
}

// RevokeObjectURL releases url. Revoking an unknown or already revoked URL
// is an error.
func (s *BlobStore) RevokeObjectURL(url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.urls[url]; !ok {
		return fmt.Errorf("object url %q is not registered", url)
	}
	delete(s.urls, url)
	return nil
}

// Len returns the number of live URLs.
func (s *BlobStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.urls)
}
