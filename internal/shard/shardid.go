package shard

import (
	"errors"
	"fmt"
	"strconv"
)

// NameWidth is the zero-padded width of shard directory names.
const NameWidth = 5

var (
	// ErrInvalidShardName indicates a directory name is not a shard index.
	ErrInvalidShardName = errors.New("invalid shard name")
	// ErrShardNotFound indicates the requested shard does not exist.
	ErrShardNotFound = errors.New("shard not found")
)

// Name returns the directory name of the shard at index.
func Name(index int) string {
	return fmt.Sprintf("%0*d", NameWidth, index)
}

// ParseName returns the index encoded in a shard directory name.
// Names must be all digits and at least NameWidth long.
func ParseName(name string) (int, error) {
	if len(name) < NameWidth {
		return 0, fmt.Errorf("%w: %q shorter than %d digits", ErrInvalidShardName, name, NameWidth)
	}
	for _, r := range name {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%w: %q contains non-digit", ErrInvalidShardName, name)
		}
	}
	index, err := strconv.Atoi(name)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidShardName, err)
	}
	if Name(index) != name {
		return 0, fmt.Errorf("%w: %q is not canonical", ErrInvalidShardName, name)
	}
	return index, nil
}
