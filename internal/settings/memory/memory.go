// Package memory provides a non-persistent settings.Store used by tests,
// mirroring the teacher's pattern of a hardware-free stub standing in
// for a real storage-backed implementation.
package memory

import (
	"bytes"
	"context"
	"sync"

	"github.com/sorru94/edgehog-zephyr-device/internal/settings"
)

type Store struct {
	mu   sync.Mutex
	data map[string]map[string][]byte

	// FailInit/FailSave/FailLoad/FailDelete let tests force the
	// corresponding settings.Err* sentinel without a real I/O failure.
	FailInit, FailSave, FailLoad, FailDelete bool
}

func New() *Store {
	return &Store{data: make(map[string]map[string][]byte)}
}

func (s *Store) Init(ctx context.Context) error {
	if s.FailInit {
		return settings.ErrInit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		s.data = make(map[string]map[string][]byte)
	}
	return nil
}

func (s *Store) Save(ctx context.Context, namespace, key string, value []byte) error {
	if s.FailSave {
		return settings.ErrSave
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.data[namespace]
	if !ok {
		ns = make(map[string][]byte)
		s.data[namespace] = ns
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	ns[key] = cp
	return nil
}

func (s *Store) Load(ctx context.Context, namespace string, visit settings.Visitor) error {
	if s.FailLoad {
		return settings.ErrLoad
	}
	s.mu.Lock()
	ns := s.data[namespace]
	keys := make([]string, 0, len(ns))
	vals := make([][]byte, 0, len(ns))
	for k, v := range ns {
		keys = append(keys, k)
		vals = append(vals, v)
	}
	s.mu.Unlock()

	for i, k := range keys {
		if err := visit(k, bytes.NewReader(vals[i])); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	if s.FailDelete {
		return settings.ErrDelete
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ns, ok := s.data[namespace]; ok {
		delete(ns, key)
	}
	return nil
}
