package engine

import (
	"sync"

	"engined/internal/common/fsutil"
)

// Blob is a serialized engine. Its layout belongs to the backend that produced
// it; this package adds no header of its own.
type Blob struct {
	mu   sync.Mutex
	data []byte
}

func NewBlob(data []byte) *Blob { return &Blob{data: data} }

// Len is the blob size in bytes, 0 once consumed.
func (b *Blob) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Bytes returns the serialized engine without consuming it.
func (b *Blob) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

// Persist writes blob to path through a temporary file in the same directory,
// so a crash or write error never leaves a truncated engine behind. The blob
// is consumed on success.
func Persist(blob *Blob, path string) error {
	const op = "persist"
	if blob == nil {
		return newErrorf(op, KindInvalidArgument, path, "nil blob")
	}
	blob.mu.Lock()
	defer blob.mu.Unlock()
	if len(blob.data) == 0 {
		return newErrorf(op, KindInvalidArgument, path, "blob is empty or already persisted")
	}
	if err := fsutil.WriteFileAtomic(path, blob.data, 0o644); err != nil {
		return newError(op, KindIOFailed, path, err)
	}
	blob.data = nil
	return nil
}
