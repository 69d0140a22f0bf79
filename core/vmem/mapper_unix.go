//go:build unix

package vmem

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mmapMapper maps each page as its own MAP_SHARED region of the file.
type mmapMapper struct {
	fd       int
	pageSize int
}

func newMmapMapper(file *os.File, pageSize int) (pageMapper, error) {
	if pageSize%os.Getpagesize() != 0 {
		return nil, fmt.Errorf("%w: page size %d, os page size %d", errMmapUnsupported, pageSize, os.Getpagesize())
	}
	return &mmapMapper{fd: int(file.Fd()), pageSize: pageSize}, nil
}

func (m *mmapMapper) name() string { return MappingMmap.String() }

func (m *mmapMapper) mapPage(pos PagePos) ([]byte, error) {
	offset := int64(pos) * int64(m.pageSize)
	data, err := unix.Mmap(m.fd, offset, m.pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap page %d: %v", ErrIO, pos, err)
	}
	return data, nil
}

func (m *mmapMapper) flushPage(pos PagePos, data []byte, wait bool) error {
	flags := unix.MS_ASYNC
	if wait {
		flags = unix.MS_SYNC
	}
	if err := unix.Msync(data, flags); err != nil {
		return fmt.Errorf("%w: msync page %d: %v", ErrIO, pos, err)
	}
	return nil
}

func (m *mmapMapper) unmapPage(pos PagePos, data []byte, dirty bool) error {
	if dirty {
		if err := m.flushPage(pos, data, false); err != nil {
			return err
		}
	}
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("%w: munmap page %d: %v", ErrIO, pos, err)
	}
	return nil
}
