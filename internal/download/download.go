// Package download implements the chunked HTTP downloader from spec
// §4.3: a single GET per attempt, delivering the response body to a
// sink callback that can abort the transfer mid-stream.
package download

import (
	"context"
	"errors"
)

var (
	ErrNetwork     = errors.New("download: network error")
	ErrHTTPRequest = errors.New("download: http request error")
)

// Chunk is delivered to the sink for each piece of the response body
// (spec §4.3's "{socket_handle, chunk_start, chunk_size, total_size,
// last_chunk}").
type Chunk struct {
	Handle     Handle
	ChunkStart int64
	Data       []byte
	TotalSize  int64
	LastChunk  bool
}

// Handle lets the sink abort the in-flight transfer.
type Handle interface {
	Abort()
}

// Sink receives each chunk and returns nil to continue or any error to
// abort the transfer.
type Sink func(ctx context.Context, c Chunk) error

// Downloader is the abstract HTTP chunk downloader.
type Downloader interface {
	Download(ctx context.Context, url string, headers map[string]string, timeoutMs int, sink Sink) error
}
