// Package settings implements the crash-safe key/value persistence
// described in spec §4.1. Keys live under a namespace so unrelated
// subsystems never collide; the OTA engine uses namespace "ota" for its
// persisted state and request id.
package settings

import (
	"context"
	"errors"
	"io"
)

var (
	ErrInit   = errors.New("settings: init failed")
	ErrSave   = errors.New("settings: save failed")
	ErrLoad   = errors.New("settings: load failed")
	ErrDelete = errors.New("settings: delete failed")
)

// Visitor is invoked once per key found under a namespace during Load. A
// non-nil return stops iteration and is propagated to the caller of Load.
type Visitor func(key string, r io.Reader) error

// Store is the key/value persistence contract. Save is atomic at the key
// level: after a crash, readers observe either the old value or the new
// one, never a torn write.
type Store interface {
	Init(ctx context.Context) error
	Save(ctx context.Context, namespace, key string, value []byte) error
	Load(ctx context.Context, namespace string, visit Visitor) error
	Delete(ctx context.Context, namespace, key string) error
}
