// Copyright 2021 Converter Systems LLC. All rights reserved.

package ua

import (
	"github.com/djherbis/buffer"
)

// defaultBufferSize is the size of a partition of the buffer pool.
const defaultBufferSize = 64 * 1024

// bufferPool is a pool of capacity buffers
var bufferPool = buffer.NewMemPoolAt(int64(defaultBufferSize))
