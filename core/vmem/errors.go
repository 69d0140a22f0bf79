package vmem

import (
	"errors"
	"fmt"
)

// --- Error Definitions ---

var (
	// Corruption: the file or a persisted state does not match what the engine expects.
	ErrCorruption         = errors.New("vmem file is corrupted")
	ErrBadSignature       = fmt.Errorf("%w: root page signature mismatch", ErrCorruption)
	ErrBadVersion         = fmt.Errorf("%w: unsupported format version", ErrCorruption)
	ErrPageSizeMismatch   = fmt.Errorf("%w: page size does not match", ErrCorruption)
	ErrItemSizeMismatch   = fmt.Errorf("%w: container item size does not match", ErrCorruption)
	ErrMalformedFreeList  = fmt.Errorf("%w: malformed free page list", ErrCorruption)
	ErrMalformedContainer = fmt.Errorf("%w: malformed container page chain", ErrCorruption)

	// Resource exhaustion: recoverable, reported for the failing call only.
	ErrBufferPoolFull = errors.New("page cache is full and every resident page is locked")
	ErrIO             = errors.New("i/o error")

	// Logic errors: programmer bugs in the caller.
	ErrPageNotFound         = errors.New("page not found in page cache")
	ErrPageNotLocked        = errors.New("page is not locked")
	ErrPagePinned           = errors.New("page is locked and cannot be freed")
	ErrPageOutOfRange       = errors.New("page position out of range")
	ErrInvalidHandle        = errors.New("page handle is closed or invalid")
	ErrInvalidIterator      = errors.New("iterator is invalid or exhausted")
	ErrNilPool              = errors.New("pool must not be nil")
	ErrPoolClosed           = errors.New("pool is closed")
	ErrEmpty                = errors.New("container is empty")
	ErrUnsupportedKeyType   = errors.New("key type is not a fixed-size binary type")
	ErrUnsupportedValueType = errors.New("value type is not a fixed-size binary type")
	ErrValueTooLargeForPage = errors.New("value too large to fit in page with metadata")
	ErrInvalidOption        = errors.New("invalid pool option")
)

// IsCorruption reports whether err means the file can no longer be trusted.
func IsCorruption(err error) bool {
	return errors.Is(err, ErrCorruption)
}

// IsExhausted reports whether err is a recoverable resource failure.
func IsExhausted(err error) bool {
	return errors.Is(err, ErrBufferPoolFull) || errors.Is(err, ErrIO)
}

// IsLogic reports whether err is a misuse of the API.
func IsLogic(err error) bool {
	for _, target := range []error{
		ErrPageNotFound, ErrPageNotLocked, ErrPagePinned, ErrPageOutOfRange,
		ErrInvalidHandle, ErrInvalidIterator, ErrNilPool, ErrPoolClosed,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
