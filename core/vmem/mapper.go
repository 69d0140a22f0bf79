package vmem

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

var errMmapUnsupported = errors.New("mmap is not available for this platform or page size")

// pageMapper brings single pages of the backing file into memory and back.
type pageMapper interface {
	mapPage(pos PagePos) ([]byte, error)
	// flushPage writes a dirty page back; wait selects a synchronous flush.
	flushPage(pos PagePos, data []byte, wait bool) error
	unmapPage(pos PagePos, data []byte, dirty bool) error
	name() string
}

func newMapper(file *os.File, pageSize int, mode Mapping) (pageMapper, error) {
	switch mode {
	case MappingFile:
		return newFileMapper(file, pageSize), nil
	case MappingMmap:
		return newMmapMapper(file, pageSize)
	default:
		m, err := newMmapMapper(file, pageSize)
		if err != nil {
			return newFileMapper(file, pageSize), nil
		}
		return m, nil
	}
}

// fileMapper keeps private copies of pages and writes them back with WriteAt.
type fileMapper struct {
	file     *os.File
	pageSize int
	bufs     sync.Pool
}

func newFileMapper(file *os.File, pageSize int) *fileMapper {
	m := &fileMapper{file: file, pageSize: pageSize}
	m.bufs.New = func() interface{} { return make([]byte, pageSize) }
	return m
}

func (m *fileMapper) name() string { return MappingFile.String() }

func (m *fileMapper) mapPage(pos PagePos) ([]byte, error) {
	buf := m.bufs.Get().([]byte)
	offset := int64(pos) * int64(m.pageSize)
	n, err := m.file.ReadAt(buf, offset)
	if err != nil && !(err == io.EOF && n == m.pageSize) {
		m.bufs.Put(buf)
		return nil, fmt.Errorf("%w: reading page %d at offset %d: %v", ErrIO, pos, offset, err)
	}
	return buf, nil
}

func (m *fileMapper) flushPage(pos PagePos, data []byte, wait bool) error {
	offset := int64(pos) * int64(m.pageSize)
	if _, err := m.file.WriteAt(data, offset); err != nil {
		return fmt.Errorf("%w: writing page %d at offset %d: %v", ErrIO, pos, offset, err)
	}
	return nil
}

func (m *fileMapper) unmapPage(pos PagePos, data []byte, dirty bool) error {
	if dirty {
		if err := m.flushPage(pos, data, false); err != nil {
			return err
		}
	}
	m.bufs.Put(data)
	return nil
}
