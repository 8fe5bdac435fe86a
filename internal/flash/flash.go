// Package flash implements the dual-bank image writer from spec §4.2:
// erase the inactive bank, stream the downloaded image into it
// sequentially, and report how many bytes have landed.
package flash

import (
	"context"
	"errors"
)

var (
	ErrErase          = errors.New("flash: erase secondary failed")
	ErrInit           = errors.New("flash: init session failed")
	ErrWrite          = errors.New("flash: write failed")
	ErrOutOfOrder     = errors.New("flash: out-of-order write")
)

// Session is a single streaming write into the secondary bank, opened by
// Writer.Init. Writes must be sequential; last=true flushes any tail.
type Session interface {
	Write(ctx context.Context, buf []byte, last bool) error
	BytesWritten() int64
}

// Writer is the abstract flash image writer (spec §4.2).
type Writer interface {
	EraseSecondary(ctx context.Context) error
	Init(ctx context.Context) (Session, error)
}
