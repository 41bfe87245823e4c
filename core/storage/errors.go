package storage

import "errors"

// --- Error Definitions ---
//
// Shared sentinel errors for the storage engine. Callers classify failures
// with errors.Is; lower layers wrap these with fmt.Errorf("%w: ...").

var (
	ErrKeyNotFound    = errors.New("key not found")
	ErrInvalidRange   = errors.New("invalid range: lower bound exceeds upper bound")
	ErrIO             = errors.New("i/o error")
	ErrCorruption     = errors.New("data corruption detected")
	ErrOutOfRange     = errors.New("page offset out of range")
	ErrPageNotFound   = errors.New("page not found in buffer pool")
	ErrPagePinned     = errors.New("page is pinned and cannot be evicted")
	ErrBufferPoolFull = errors.New("buffer pool is full and no pages can be evicted")
	ErrValueTooLarge  = errors.New("value exceeds fixed record payload size")
)
