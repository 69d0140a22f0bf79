//go:build !unix

package vmem

import "os"

func newMmapMapper(file *os.File, pageSize int) (pageMapper, error) {
	return nil, errMmapUnsupported
}
