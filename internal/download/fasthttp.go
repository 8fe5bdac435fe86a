package download

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/valyala/fasthttp"
)

const defaultChunkSize = 4096

// FastHTTPDownloader implements Downloader over fasthttp.Client, reading
// the response body as a stream (Response.StreamBody) instead of
// buffering it, so arbitrarily large firmware images never sit fully in
// memory.
type FastHTTPDownloader struct {
	Client       *fasthttp.Client
	ChunkSize    int
	MaxRedirects int
}

func NewFastHTTPDownloader() *FastHTTPDownloader {
	return &FastHTTPDownloader{
		Client:       &fasthttp.Client{},
		ChunkSize:    defaultChunkSize,
		MaxRedirects: 5,
	}
}

type abortHandle struct {
	cancel context.CancelFunc
}

func (h *abortHandle) Abort() {
	h.cancel()
}

func (d *FastHTTPDownloader) Download(ctx context.Context, url string, headers map[string]string, timeoutMs int, sink Sink) error {
	chunkSize := d.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}

	timeout := time.Duration(timeoutMs) * time.Millisecond

	// timeout_ms bounds the whole operation, connect through final byte,
	// not just the body-read loop: dlCtx's own deadline covers connect/
	// TLS/header phases where DoRedirects runs in the goroutine below,
	// and the same ctx then gates the read loop.
	dlCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	handle := &abortHandle{cancel: cancel}

	// Plain (non-pooled) request/response: on a timeout this function
	// returns while the DoRedirects goroutine below may still be running
	// against them, and returning a pooled object to fasthttp's
	// sync.Pool while another goroutine still writes to it would corrupt
	// whatever later caller reuses it from the pool.
	req := &fasthttp.Request{}
	resp := &fasthttp.Response{}

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodGet)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp.StreamBody = true

	client := d.Client
	if client == nil {
		client = &fasthttp.Client{}
	}
	// Backstop the connect/write/header-read phase at the socket level
	// too, so a hung dial doesn't leak the goroutine past dlCtx firing.
	if client.ReadTimeout == 0 {
		client.ReadTimeout = timeout
	}
	if client.WriteTimeout == 0 {
		client.WriteTimeout = timeout
	}

	doErrCh := make(chan error, 1)
	go func() {
		doErrCh <- client.DoRedirects(req, resp, d.MaxRedirects)
	}()

	select {
	case err := <-doErrCh:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNetwork, err)
		}
	case <-dlCtx.Done():
		return fmt.Errorf("%w: %v", ErrNetwork, dlCtx.Err())
	}

	status := resp.StatusCode()
	if status < 200 || status >= 300 {
		return fmt.Errorf("%w: status %d", ErrHTTPRequest, status)
	}

	totalSize := int64(resp.Header.ContentLength())

	bodyStream := resp.BodyStream()
	buf := make([]byte, chunkSize)
	var chunkStart int64

	// fasthttp's Content-Length body stream delivers the final bytes with
	// err == nil and only reports io.EOF on the following call with no
	// data; buffer one read ahead so LastChunk lands on the chunk that
	// actually is last, whichever call EOF arrives on.
	var pending []byte
	var pendingStart int64
	havePending := false

	flushPending := func(last bool) error {
		if !havePending {
			return nil
		}
		err := sink(dlCtx, Chunk{
			Handle:     handle,
			ChunkStart: pendingStart,
			Data:       pending,
			TotalSize:  totalSize,
			LastChunk:  last,
		})
		havePending = false
		return err
	}

	for {
		select {
		case <-dlCtx.Done():
			return fmt.Errorf("%w: %v", ErrNetwork, dlCtx.Err())
		default:
		}

		n, readErr := bodyStream.Read(buf)
		if n > 0 {
			if err := flushPending(false); err != nil {
				return err
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			pending = data
			pendingStart = chunkStart
			havePending = true
			chunkStart += int64(n)
		}
		if readErr == io.EOF {
			return flushPending(true)
		}
		if readErr != nil {
			return fmt.Errorf("%w: %v", ErrNetwork, readErr)
		}
	}
}
