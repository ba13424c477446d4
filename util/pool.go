package util

import "sync"

// ChunkSize bounds a single relayed tunnel payload (16 KiB).  Reads
// from tunnel targets never produce a chunk larger than this, which
// keeps every TunnelData frame well under the wire frame limit.
const ChunkSize = 16 * 1024

// chunkPool recycles relay buffers for tunnel streams.
var chunkPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, ChunkSize)
		return &buf
	},
}

// GetChunk retrieves a ChunkSize buffer from the pool.  Callers must
// return it with [PutChunk] and must not retain slices of it after
// that.
func GetChunk() *[]byte {
	return chunkPool.Get().(*[]byte)
}

// PutChunk returns a buffer to the pool.
func PutChunk(buf *[]byte) {
	if buf == nil || cap(*buf) < ChunkSize {
		return
	}
	*buf = (*buf)[:ChunkSize]
	chunkPool.Put(buf)
}
