package shard

import (
	"errors"

	"github.com/ChineseWriter/novel-dl/internal/store"
)

// ErrNotFound indicates no shard holds the requested record.
var ErrNotFound = store.ErrNotFound

// ErrShardGap indicates shard directories are not numbered contiguously from zero.
var ErrShardGap = errors.New("shard directories are not contiguous")
