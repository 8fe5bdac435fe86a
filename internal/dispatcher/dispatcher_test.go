package dispatcher

import (
	"context"
	"sync"
	"testing"

	"github.com/sorru94/edgehog-zephyr-device/internal/ota"
)

type fakeEngine struct {
	mu      sync.Mutex
	updates []ota.Request
	cancels []string
}

func (f *fakeEngine) Update(ctx context.Context, req ota.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, req)
	return nil
}

func (f *fakeEngine) Cancel(ctx context.Context, uuid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, uuid)
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []ota.Event
}

func (f *fakePublisher) Publish(ctx context.Context, ev ota.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

const validUUID = "11111111-1111-1111-1111-111111111111"

func TestDispatchUpdate(t *testing.T) {
	fe := &fakeEngine{}
	d := New(fe, nil, nil)

	raw := []byte(`{"uuid":"` + validUUID + `","operation":"Update","url":"https://x/a.bin"}`)
	if err := d.Dispatch(context.Background(), raw); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(fe.updates) != 1 || fe.updates[0].UUID != validUUID || fe.updates[0].DownloadURL != "https://x/a.bin" {
		t.Fatalf("unexpected updates: %+v", fe.updates)
	}
}

func TestDispatchCancel(t *testing.T) {
	fe := &fakeEngine{}
	d := New(fe, nil, nil)

	raw := []byte(`{"uuid":"` + validUUID + `","operation":"Cancel"}`)
	if err := d.Dispatch(context.Background(), raw); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(fe.cancels) != 1 || fe.cancels[0] != validUUID {
		t.Fatalf("unexpected cancels: %+v", fe.cancels)
	}
}

func TestDispatchUpdateMissingURLRejected(t *testing.T) {
	fe := &fakeEngine{}
	d := New(fe, nil, nil)

	raw := []byte(`{"uuid":"` + validUUID + `","operation":"Update"}`)
	if err := d.Dispatch(context.Background(), raw); err == nil {
		t.Fatal("expected an error for Update without url")
	}
	if len(fe.updates) != 0 {
		t.Fatalf("expected no call to Update, got %+v", fe.updates)
	}
}

func TestDispatchMissingUUIDRejected(t *testing.T) {
	fe := &fakeEngine{}
	d := New(fe, nil, nil)

	raw := []byte(`{"operation":"Update","url":"https://x/a.bin"}`)
	if err := d.Dispatch(context.Background(), raw); err == nil {
		t.Fatal("expected an error for a missing uuid")
	}
	if len(fe.updates) != 0 {
		t.Fatalf("expected no call to Update, got %+v", fe.updates)
	}
}

func TestDispatchUnknownOperationRejected(t *testing.T) {
	fe := &fakeEngine{}
	pub := &fakePublisher{}
	d := New(fe, pub, nil)

	raw := []byte(`{"uuid":"` + validUUID + `","operation":"Reboot"}`)
	if err := d.Dispatch(context.Background(), raw); err == nil {
		t.Fatal("expected an error for an unknown operation")
	}
	if len(fe.updates) != 0 || len(fe.cancels) != 0 {
		t.Fatalf("expected no engine calls, got updates=%+v cancels=%+v", fe.updates, fe.cancels)
	}
	if len(pub.events) != 1 {
		t.Fatalf("expected one InvalidRequest event, got %+v", pub.events)
	}
	ev := pub.events[0]
	if ev.RequestUUID != validUUID || ev.Status != ota.StatusFailure || ev.StatusCode != "InvalidRequest" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestDispatchMalformedJSONRejected(t *testing.T) {
	fe := &fakeEngine{}
	d := New(fe, nil, nil)

	if err := d.Dispatch(context.Background(), []byte(`not json`)); err == nil {
		t.Fatal("expected an error for malformed JSON")
	}
}
