package vmem

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Root page (position 0) layout, packed little-endian:
//
//	version u16 | signature [10]byte | page_size u16 | unused1 u16 | free_pages {front u64, back u64} | unused2 u8
const (
	formatVersion  uint16 = 2
	rootHeaderSize        = 33
	freeListOffset        = 16
)

var formatSignature = [10]byte{'a', 'b', 'c', ':', ':', 'v', 'm', 'e', 'm', 0}

type rootHeader struct {
	Version   uint16
	Signature [10]byte
	PageSize  uint16
	Unused1   uint16
	FreePages LinkedState
	Unused2   uint8
}

func newRootHeader(pageSize int) rootHeader {
	return rootHeader{
		Version:   formatVersion,
		Signature: formatSignature,
		PageSize:  uint16(pageSize),
		FreePages: LinkedState{FrontPagePos: NilPage, BackPagePos: NilPage},
	}
}

func (h *rootHeader) validate(pageSize int) error {
	if !bytes.Equal(h.Signature[:], formatSignature[:]) {
		return fmt.Errorf("%w: got %q", ErrBadSignature, bytes.TrimRight(h.Signature[:], "\x00"))
	}
	if h.Version != formatVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrBadVersion, h.Version, formatVersion)
	}
	if int(h.PageSize) != pageSize {
		return fmt.Errorf("%w: file has %d, configured %d", ErrPageSizeMismatch, h.PageSize, pageSize)
	}
	return nil
}

// format writes a fresh root page and an empty start page.
func (p *Pool) format() error {
	buf := make([]byte, 2*p.pageSize)
	hdr := newRootHeader(p.pageSize)
	if _, err := binary.Encode(buf, byteOrder, &hdr); err != nil {
		return fmt.Errorf("serializing root page: %w", err)
	}
	if _, err := p.file.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("%w: writing root and start pages: %v", ErrIO, err)
	}
	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing new file: %v", ErrIO, err)
	}
	p.numPages = 2
	return nil
}

// verify checks an existing file before any page of it is mapped.
func (p *Pool) verify(size int64) error {
	data := make([]byte, rootHeaderSize)
	n, err := p.file.ReadAt(data, 0)
	if err != nil && !(err == io.EOF && n == rootHeaderSize) {
		return fmt.Errorf("%w: root page is too short (%d bytes)", ErrCorruption, n)
	}
	var hdr rootHeader
	if _, err := binary.Decode(data, byteOrder, &hdr); err != nil {
		return fmt.Errorf("%w: decoding root page: %v", ErrCorruption, err)
	}
	if err := hdr.validate(p.pageSize); err != nil {
		return err
	}
	if size%int64(p.pageSize) != 0 {
		return fmt.Errorf("%w: file size %d is not a multiple of page size %d", ErrCorruption, size, p.pageSize)
	}
	if size/int64(p.pageSize) < 2 {
		return fmt.Errorf("%w: file holds %d pages, root and start pages are required", ErrCorruption, size/int64(p.pageSize))
	}
	p.numPages = uint64(size / int64(p.pageSize))
	return nil
}
