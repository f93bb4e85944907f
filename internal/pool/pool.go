package pool

import (
	"bytes"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// maxPooledBuffer keeps one oversized batch from pinning memory forever
const maxPooledBuffer = 4 << 20

// ByteBufferPool is a pool of byte buffers for batch encoding
var ByteBufferPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

// GetByteBuffer retrieves a byte buffer from the pool
func GetByteBuffer() *bytes.Buffer {
	buf := ByteBufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutByteBuffer returns a byte buffer to the pool
func PutByteBuffer(buf *bytes.Buffer) {
	if buf != nil && buf.Cap() <= maxPooledBuffer {
		buf.Reset()
		ByteBufferPool.Put(buf)
	}
}

// gzipWriterPool reuses compressor state, which is far larger than the
// payload of a typical batch
var gzipWriterPool = sync.Pool{
	New: func() interface{} {
		return gzip.NewWriter(io.Discard)
	},
}

// GetGzipWriter returns a pooled gzip writer that writes to w
func GetGzipWriter(w io.Writer) *gzip.Writer {
	zw := gzipWriterPool.Get().(*gzip.Writer)
	zw.Reset(w)
	return zw
}

// PutGzipWriter returns zw to the pool. The caller must have closed it.
func PutGzipWriter(zw *gzip.Writer) {
	if zw != nil {
		zw.Reset(io.Discard)
		gzipWriterPool.Put(zw)
	}
}
