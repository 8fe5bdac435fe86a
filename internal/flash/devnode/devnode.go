// Package devnode implements flash.Writer against a raw block device or
// flat image file representing the secondary bank. This is the one
// genuinely stdlib-only corner of the system: writing at a byte offset
// into a device node is raw POSIX file I/O with no third-party library
// in the ecosystem abstracting it usefully for a single fixed-size
// sequential region (see DESIGN.md).
package devnode

import (
	"context"
	"fmt"
	"os"

	"github.com/sorru94/edgehog-zephyr-device/internal/flash"
)

// Writer writes sequentially into a file/device node starting at Offset,
// up to Size bytes.
type Writer struct {
	Path   string
	Offset int64
	Size   int64
}

func New(path string, offset, size int64) *Writer {
	return &Writer{Path: path, Offset: offset, Size: size}
}

func (w *Writer) EraseSecondary(ctx context.Context) error {
	f, err := os.OpenFile(w.Path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("%w: open: %v", flash.ErrErase, err)
	}
	defer f.Close()

	zero := make([]byte, 64*1024)
	remaining := w.Size
	if _, err := f.Seek(w.Offset, 0); err != nil {
		return fmt.Errorf("%w: seek: %v", flash.ErrErase, err)
	}
	for remaining > 0 {
		n := int64(len(zero))
		if remaining < n {
			n = remaining
		}
		if _, err := f.Write(zero[:n]); err != nil {
			return fmt.Errorf("%w: %v", flash.ErrErase, err)
		}
		remaining -= n
	}
	return f.Sync()
}

func (w *Writer) Init(ctx context.Context) (flash.Session, error) {
	f, err := os.OpenFile(w.Path, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", flash.ErrInit, err)
	}
	if _, err := f.Seek(w.Offset, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: seek: %v", flash.ErrInit, err)
	}
	return &session{f: f, max: w.Size}, nil
}

type session struct {
	f       *os.File
	written int64
	max     int64
}

func (s *session) Write(ctx context.Context, buf []byte, last bool) error {
	if int64(len(buf))+s.written > s.max {
		return fmt.Errorf("%w: image exceeds bank size %d", flash.ErrWrite, s.max)
	}
	n, err := s.f.Write(buf)
	s.written += int64(n)
	if err != nil {
		return fmt.Errorf("%w: %v", flash.ErrWrite, err)
	}
	if last {
		if err := s.f.Sync(); err != nil {
			return fmt.Errorf("%w: sync: %v", flash.ErrWrite, err)
		}
		return s.f.Close()
	}
	return nil
}

func (s *session) BytesWritten() int64 {
	return s.written
}
