// Package simulated provides an in-memory flash.Writer for tests,
// mirroring the teacher's pattern of a non-hardware-backed stand-in for
// a real device subsystem.
package simulated

import (
	"context"
	"sync"

	"github.com/sorru94/edgehog-zephyr-device/internal/flash"
)

type Writer struct {
	mu sync.Mutex

	Erased bool
	Image  []byte

	// FailErase/FailInit/FailWrite let tests force the corresponding
	// flash.Err* sentinel.
	FailErase, FailInit, FailWrite bool
	// FailWriteAfter fails the Nth Write call (1-indexed) if > 0.
	FailWriteAfter int

	// OnLastWrite, if set, runs after the session's final (last=true)
	// write lands, with the complete image written this attempt. It
	// mirrors the real device, where the secondary bank's on-disk image
	// and its header live behind the same file and so become visible to
	// the bootloader adapter together; a simulated Writer and a
	// simulated bootloader.Adapter have no such shared backing store, so
	// tests wire this to populate the adapter's header.
	OnLastWrite func(image []byte)
}

func New() *Writer {
	return &Writer{}
}

func (w *Writer) EraseSecondary(ctx context.Context) error {
	if w.FailErase {
		return flash.ErrErase
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Erased = true
	w.Image = nil
	return nil
}

func (w *Writer) Init(ctx context.Context) (flash.Session, error) {
	if w.FailInit {
		return nil, flash.ErrInit
	}
	return &session{w: w}, nil
}

type session struct {
	w       *Writer
	written int64
	calls   int
}

func (s *session) Write(ctx context.Context, buf []byte, last bool) error {
	s.calls++
	if s.w.FailWrite {
		return flash.ErrWrite
	}
	if s.w.FailWriteAfter > 0 && s.calls >= s.w.FailWriteAfter {
		return flash.ErrWrite
	}
	s.w.mu.Lock()
	s.w.Image = append(s.w.Image, buf...)
	s.written += int64(len(buf))
	image := s.w.Image
	onLastWrite := s.w.OnLastWrite
	s.w.mu.Unlock()

	if last && onLastWrite != nil {
		onLastWrite(image)
	}
	return nil
}

func (s *session) BytesWritten() int64 {
	return s.written
}
