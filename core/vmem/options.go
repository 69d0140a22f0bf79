package vmem

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Mapping selects how pages are brought into memory.
type Mapping int

const (
	// MappingAuto uses mmap when the platform and page size allow it.
	MappingAuto Mapping = iota
	MappingMmap
	MappingFile
)

func (m Mapping) String() string {
	switch m {
	case MappingMmap:
		return "mmap"
	case MappingFile:
		return "file"
	default:
		return "auto"
	}
}

func ParseMapping(s string) (Mapping, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return MappingAuto, nil
	case "mmap":
		return MappingMmap, nil
	case "file":
		return MappingFile, nil
	default:
		return MappingAuto, fmt.Errorf("%w: unknown mapping %q", ErrInvalidOption, s)
	}
}

type options struct {
	pageSize       int
	maxMappedPages int
	mapping        Mapping
	sink           LogSink
	meter          metric.Meter
}

// Option configures a Pool at Open time.
type Option func(*options)

func defaultOptions() options {
	return options{
		pageSize:       DefaultPageSize,
		maxMappedPages: DefaultMaxMappedPages,
		mapping:        MappingAuto,
		meter:          noop.NewMeterProvider().Meter(""),
	}
}

// WithPageSize sets the page size of a new file. An existing file must have
// been created with the same size.
func WithPageSize(size int) Option {
	return func(o *options) { o.pageSize = size }
}

// WithMaxMappedPages bounds the number of simultaneously resident pages.
func WithMaxMappedPages(n int) Option {
	return func(o *options) { o.maxMappedPages = n }
}

// WithMapping picks how pages are brought into memory.
func WithMapping(m Mapping) Option {
	return func(o *options) { o.mapping = m }
}

// WithLogSink routes pool and container diagnostics to sink.
func WithLogSink(sink LogSink) Option {
	return func(o *options) { o.sink = sink }
}

func WithMeter(meter metric.Meter) Option {
	return func(o *options) {
		if meter != nil {
			o.meter = meter
		}
	}
}

func (o *options) validate() error {
	if o.pageSize < MinPageSize || o.pageSize > MaxPageSize {
		return fmt.Errorf("%w: page size %d outside [%d, %d]", ErrInvalidOption, o.pageSize, MinPageSize, MaxPageSize)
	}
	if o.pageSize%8 != 0 {
		return fmt.Errorf("%w: page size %d is not a multiple of 8", ErrInvalidOption, o.pageSize)
	}
	if o.maxMappedPages < minMappedPages {
		return fmt.Errorf("%w: max mapped pages %d below minimum %d", ErrInvalidOption, o.maxMappedPages, minMappedPages)
	}
	return nil
}
