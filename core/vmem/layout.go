package vmem

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
)

// --- Configuration & Constants ---

const (
	DefaultPageSize       = 4096
	DefaultMaxMappedPages = 64
	MinPageSize           = 128
	MaxPageSize           = 32768
	minMappedPages        = 8
)

// PagePos is the 0-based index of a page in the backing file.
type PagePos uint64

const (
	RootPage  PagePos = 0
	StartPage PagePos = 1
	NilPage   PagePos = math.MaxUint64
)

// NilItem marks an item position that does not exist.
const NilItem uint16 = 0xFFFF

func (p PagePos) IsNil() bool { return p == NilPage }

func (p PagePos) String() string {
	if p == NilPage {
		return "nil"
	}
	return strconv.FormatUint(uint64(p), 10)
}

// Ref is a persisted location: a byte offset inside a page.
type Ref struct {
	Page   PagePos
	Offset int
}

// StartRef returns a location inside the start page, where applications keep
// their top-level state structs.
func StartRef(offset int) Ref {
	return Ref{Page: StartPage, Offset: offset}
}

// Add returns the location delta bytes further into the same page.
func (r Ref) Add(delta int) Ref {
	return Ref{Page: r.Page, Offset: r.Offset + delta}
}

func (r Ref) String() string {
	return fmt.Sprintf("%s+%d", r.Page, r.Offset)
}

var byteOrder = binary.LittleEndian

// sizeOf returns the packed encoded size of T, or -1 when T is not fixed-size.
func sizeOf[T any]() int {
	var v T
	return binary.Size(v)
}

func decodeItem[T any](b []byte) (T, error) {
	var v T
	if _, err := binary.Decode(b, byteOrder, &v); err != nil {
		return v, fmt.Errorf("decoding %T: %w", v, err)
	}
	return v, nil
}

func encodeItem[T any](b []byte, v T) error {
	if _, err := binary.Encode(b, byteOrder, &v); err != nil {
		return fmt.Errorf("encoding %T: %w", v, err)
	}
	return nil
}

// Linked page header, shared by Linked and Container pages:
//
//	page_pos u64 | prev_page_pos u64 | next_page_pos u64 | header H | item_count u16 | items
const (
	offPagePos       = 0
	offPrevPagePos   = 8
	offNextPagePos   = 16
	linkedHeaderSize = 24
	itemCountSize    = 2
)

func pagePosOf(b []byte) PagePos     { return PagePos(byteOrder.Uint64(b[offPagePos:])) }
func prevPosOf(b []byte) PagePos     { return PagePos(byteOrder.Uint64(b[offPrevPagePos:])) }
func nextPosOf(b []byte) PagePos     { return PagePos(byteOrder.Uint64(b[offNextPagePos:])) }
func setPagePos(b []byte, p PagePos) { byteOrder.PutUint64(b[offPagePos:], uint64(p)) }
func setPrevPos(b []byte, p PagePos) { byteOrder.PutUint64(b[offPrevPagePos:], uint64(p)) }
func setNextPos(b []byte, p PagePos) { byteOrder.PutUint64(b[offNextPagePos:], uint64(p)) }

// pageLayout describes how fixed-size items are packed into a linked page.
type pageLayout struct {
	headerSize int
	itemSize   int
	capacity   int
	countOff   int
	itemsOff   int
}

func newPageLayout(pageSize, headerSize, itemSize int) (pageLayout, error) {
	if itemSize <= 0 {
		return pageLayout{}, fmt.Errorf("%w: item size %d", ErrUnsupportedValueType, itemSize)
	}
	if headerSize < 0 {
		return pageLayout{}, fmt.Errorf("%w: header size %d", ErrUnsupportedValueType, headerSize)
	}
	l := pageLayout{
		headerSize: headerSize,
		itemSize:   itemSize,
		countOff:   linkedHeaderSize + headerSize,
		itemsOff:   linkedHeaderSize + headerSize + itemCountSize,
	}
	l.capacity = (pageSize - l.itemsOff) / itemSize
	if l.capacity < 2 {
		return pageLayout{}, fmt.Errorf("%w: item size %d with header %d leaves room for %d items in a %d byte page",
			ErrValueTooLargeForPage, itemSize, headerSize, l.capacity, pageSize)
	}
	if l.capacity > int(NilItem) {
		l.capacity = int(NilItem) - 1
	}
	return l, nil
}

func (l pageLayout) count(b []byte) int { return int(byteOrder.Uint16(b[l.countOff:])) }

func (l pageLayout) setCount(b []byte, n int) { byteOrder.PutUint16(b[l.countOff:], uint16(n)) }

func (l pageLayout) item(b []byte, i int) []byte {
	off := l.itemsOff + i*l.itemSize
	return b[off : off+l.itemSize]
}

// items returns the bytes of items [i, j).
func (l pageLayout) items(b []byte, i, j int) []byte {
	return b[l.itemsOff+i*l.itemSize : l.itemsOff+j*l.itemSize]
}

func (l pageLayout) header(b []byte) []byte {
	return b[linkedHeaderSize : linkedHeaderSize+l.headerSize]
}

func (l pageLayout) itemOffset(i int) int { return l.itemsOff + i*l.itemSize }

// init formats b as an empty linked page.
func (l pageLayout) init(b []byte, pos, prev, next PagePos) {
	setPagePos(b, pos)
	setPrevPos(b, prev)
	setNextPos(b, next)
	clear(l.header(b))
	l.setCount(b, 0)
}

// insertGap opens a one-item hole at position i of a page holding n items.
func (l pageLayout) insertGap(b []byte, i, n int) {
	if i < n {
		copy(l.items(b, i+1, n+1), l.items(b, i, n))
	}
}

// removeAt closes the hole left by item i of a page holding n items.
func (l pageLayout) removeAt(b []byte, i, n int) {
	if i+1 < n {
		copy(l.items(b, i, n-1), l.items(b, i+1, n))
	}
}
