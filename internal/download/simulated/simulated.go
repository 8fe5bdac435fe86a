// Package simulated provides an in-memory download.Downloader for the
// OTA engine's tests, able to reproduce the network-flake and
// connection-refused scenarios from spec §8 (S2, S3).
package simulated

import (
	"context"
	"fmt"

	"github.com/sorru94/edgehog-zephyr-device/internal/download"
)

// Attempt describes the outcome of one Download call.
type Attempt struct {
	// FailAfter aborts the transfer with FailErr at the first chunk
	// boundary where at least this many bytes have been delivered to the
	// sink. Zero means fail before any byte is delivered (e.g.
	// connection refused).
	FailAfter int
	FailErr   error
	// Image, when FailErr is nil, is the full body delivered in
	// ChunkSize pieces.
	Image []byte
}

type Downloader struct {
	ChunkSize int
	Attempts  []Attempt
	calls     int
}

type handle struct{ aborted *bool }

func (h *handle) Abort() { *h.aborted = true }

func (d *Downloader) Download(ctx context.Context, url string, headers map[string]string, timeoutMs int, sink download.Sink) error {
	if d.calls >= len(d.Attempts) {
		return fmt.Errorf("simulated downloader: no attempt configured for call %d", d.calls)
	}
	a := d.Attempts[d.calls]
	d.calls++

	chunkSize := d.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 256
	}

	var aborted bool
	h := &handle{aborted: &aborted}
	total := int64(len(a.Image))
	delivered := 0

	for pos := 0; pos < len(a.Image); pos += chunkSize {
		if a.FailErr != nil && delivered >= a.FailAfter {
			return a.FailErr
		}
		end := pos + chunkSize
		if end > len(a.Image) {
			end = len(a.Image)
		}
		last := end == len(a.Image) && a.FailErr == nil
		if err := sink(ctx, download.Chunk{
			Handle:     h,
			ChunkStart: int64(pos),
			Data:       a.Image[pos:end],
			TotalSize:  total,
			LastChunk:  last,
		}); err != nil {
			return err
		}
		if aborted {
			return fmt.Errorf("aborted")
		}
		delivered = end
	}
	if a.FailErr != nil && delivered >= a.FailAfter {
		return a.FailErr
	}
	return nil
}

// CallCount returns how many Download calls have been made so far.
func (d *Downloader) CallCount() int { return d.calls }
