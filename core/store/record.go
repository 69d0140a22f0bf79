package store

import (
	"bytes"
	"errors"
	"fmt"
)

const (
	MaxKeyLen   = 31
	MaxValueLen = 126
)

var (
	ErrKeyTooLong   = errors.New("key too long")
	ErrValueTooLong = errors.New("value too long")
	ErrEmptyKey     = errors.New("key must not be empty")
)

// Key is a string key packed into a fixed 32 byte record.
type Key struct {
	Len  uint8
	Data [MaxKeyLen]byte
}

// Value is a string value packed into a fixed 128 byte record.
type Value struct {
	Len  uint16
	Data [MaxValueLen]byte
}

func MakeKey(s string) (Key, error) {
	var k Key
	if s == "" {
		return k, ErrEmptyKey
	}
	if len(s) > MaxKeyLen {
		return k, fmt.Errorf("%w: %d bytes, max %d", ErrKeyTooLong, len(s), MaxKeyLen)
	}
	k.Len = uint8(copy(k.Data[:], s))
	return k, nil
}

func (k Key) String() string { return string(k.bytes()) }

func (k Key) bytes() []byte { return k.Data[:min(int(k.Len), MaxKeyLen)] }

func MakeValue(s string) (Value, error) {
	var v Value
	if len(s) > MaxValueLen {
		return v, fmt.Errorf("%w: %d bytes, max %d", ErrValueTooLong, len(s), MaxValueLen)
	}
	v.Len = uint16(copy(v.Data[:], s))
	return v, nil
}

func (v Value) String() string { return string(v.Data[:min(int(v.Len), MaxValueLen)]) }

// CompareKeys orders keys bytewise, shorter prefixes first.
func CompareKeys(a, b Key) int {
	return bytes.Compare(a.bytes(), b.bytes())
}
