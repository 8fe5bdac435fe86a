package ota

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sorru94/edgehog-zephyr-device/internal/bootloader"
	bootsim "github.com/sorru94/edgehog-zephyr-device/internal/bootloader/simulated"
	"github.com/sorru94/edgehog-zephyr-device/internal/download"
	dlsim "github.com/sorru94/edgehog-zephyr-device/internal/download/simulated"
	"github.com/sorru94/edgehog-zephyr-device/internal/eventbus/memory"
	flashsim "github.com/sorru94/edgehog-zephyr-device/internal/flash/simulated"
	settingsmem "github.com/sorru94/edgehog-zephyr-device/internal/settings/memory"
)

const testUUID = "11111111-1111-1111-1111-111111111111"

// noSleep makes the attempt back-off and the pre-reboot wait instant so
// tests don't pay the real 2s/5s wall-clock cost.
func noSleep(ctx context.Context, d time.Duration) {}

func newTestEngine(t *testing.T) (*Engine, *memory.Publisher, *flashsim.Writer, *bootsim.Adapter, *dlsim.Downloader, *settingsmem.Store) {
	t.Helper()
	store := settingsmem.New()
	fw := flashsim.New()
	bl := bootsim.New()
	dl := &dlsim.Downloader{ChunkSize: 100}
	pub := memory.NewPublisher()

	// The real mcuboot adapter reads the secondary header straight off
	// the file devnode.Writer just populated; the simulated pair has no
	// shared backing store, so wire the last write through to the
	// simulated bootloader the way the filesystem would.
	fw.OnLastWrite = func(image []byte) {
		bl.SetSecondaryHeader(bootloader.Header{Magic: 0x96f3b83d, Size: uint32(len(image)), Version: "test"})
	}

	e := New(store, fw, bl, dl, pub)
	e.Sleep = noSleep
	return e, pub, fw, bl, dl, store
}

// S1 — happy path.
func TestEngineUpdateHappyPath(t *testing.T) {
	e, pub, fw, bl, dl, _ := newTestEngine(t)
	image := make([]byte, 1000)
	dl.Attempts = []dlsim.Attempt{{Image: image}}

	e.Update(context.Background(), Request{UUID: testUUID, DownloadURL: "https://x/a.bin"})
	e.Wait()

	got := pub.Statuses()
	want := []Status{StatusAcknowledged}
	for percent := 0; percent <= 100; percent += 10 {
		want = append(want, StatusDownloading)
	}
	want = append(want, StatusDeploying, StatusDeployed, StatusRebooting)

	if len(got) != len(want) {
		t.Fatalf("status count = %d, want %d\ngot:  %v\nwant: %v", len(got), len(want), got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("status[%d] = %s, want %s (full: %v)", i, got[i], want[i], got)
		}
	}

	if !fw.Erased {
		t.Fatal("expected secondary bank to be erased")
	}
	if len(fw.Image) != len(image) {
		t.Fatalf("flash image length = %d, want %d", len(fw.Image), len(image))
	}
	if !bl.RebootCalled {
		t.Fatal("expected RebootWarm to be called")
	}
	if e.running.Load() {
		t.Fatal("run-bit should be cleared after a completed update")
	}
}

// S2 — network flake: first three attempts fail after 256 bytes, fourth succeeds.
func TestEngineUpdateNetworkFlakeThenSuccess(t *testing.T) {
	e, pub, _, _, dl, _ := newTestEngine(t)
	image := make([]byte, 1000)
	flaky := errors.New("connection reset")
	dl.Attempts = []dlsim.Attempt{
		{FailAfter: 256, FailErr: flaky, Image: image},
		{FailAfter: 256, FailErr: flaky, Image: image},
		{FailAfter: 256, FailErr: flaky, Image: image},
		{Image: image},
	}

	e.Update(context.Background(), Request{UUID: testUUID, DownloadURL: "https://x/a.bin"})
	e.Wait()

	got := pub.Statuses()
	errorCount := 0
	for _, s := range got {
		if s == StatusError {
			errorCount++
		}
	}
	if errorCount != 3 {
		t.Fatalf("expected 3 Error events, got %d (%v)", errorCount, got)
	}
	if got[len(got)-1] != StatusRebooting {
		t.Fatalf("expected sequence to end at Rebooting, got %v", got)
	}
	if dl.CallCount() != 4 {
		t.Fatalf("expected 4 download attempts, got %d", dl.CallCount())
	}
	for _, ev := range pub.Snapshot() {
		if ev.Status == StatusError && ev.StatusCode != "ErrorNetwork" {
			t.Fatalf("expected ErrorNetwork status code, got %q", ev.StatusCode)
		}
	}
}

// S3 — retries exhausted: all five attempts fail, record returns to IDLE.
func TestEngineUpdateRetriesExhausted(t *testing.T) {
	e, pub, _, _, dl, store := newTestEngine(t)
	refused := errors.New("connection refused")
	dl.Attempts = make([]dlsim.Attempt, 5)
	for i := range dl.Attempts {
		dl.Attempts[i] = dlsim.Attempt{FailAfter: 0, FailErr: refused}
	}

	e.Update(context.Background(), Request{UUID: testUUID, DownloadURL: "https://x/a.bin"})
	e.Wait()

	got := pub.Statuses()
	if got[len(got)-1] != StatusFailure {
		t.Fatalf("expected terminal Failure, got %v", got)
	}
	last := pub.Snapshot()[len(pub.Snapshot())-1]
	if last.StatusCode != "ErrorNetwork" {
		t.Fatalf("expected terminal statusCode ErrorNetwork, got %q", last.StatusCode)
	}
	if e.running.Load() {
		t.Fatal("run-bit should be cleared")
	}

	var sawState, sawReqID bool
	ctx := context.Background()
	if err := store.Load(ctx, namespace, func(key string, r io.Reader) error {
		b, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		switch key {
		case keyState:
			if len(b) == 1 && State(b[0]) == StateIdle {
				sawState = true
			}
		case keyReqID:
			sawReqID = true
		}
		return nil
	}); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !sawState {
		t.Fatal("expected persisted state to be IDLE")
	}
	if sawReqID {
		t.Fatal("expected req_id to be deleted")
	}
}

// cancelAfterBytes wraps a download.Downloader and triggers Cancel on
// the engine once a chunk boundary crosses triggerAt bytes, modeling
// the dispatcher delivering a Cancel command mid-transfer (spec
// scenario S4). The real run-bit cancellation is then observed at the
// next chunk boundary, exactly as spec §5 describes.
type cancelAfterBytes struct {
	inner     download.Downloader
	engine    *Engine
	uuid      string
	triggerAt int64
}

func (c *cancelAfterBytes) Download(ctx context.Context, url string, headers map[string]string, timeoutMs int, sink download.Sink) error {
	wrapped := func(ctx context.Context, ch download.Chunk) error {
		err := sink(ctx, ch)
		if err == nil && ch.ChunkStart+int64(len(ch.Data)) >= c.triggerAt {
			c.engine.Cancel(context.Background(), c.uuid)
		}
		return err
	}
	return c.inner.Download(ctx, url, headers, timeoutMs, wrapped)
}

// S4 — cancel during download.
func TestEngineCancelDuringDownload(t *testing.T) {
	e, pub, _, _, dl, _ := newTestEngine(t)
	dl.ChunkSize = 100
	image := make([]byte, 1000)
	dl.Attempts = []dlsim.Attempt{{Image: image}}
	e.Downloader = &cancelAfterBytes{inner: dl, engine: e, uuid: testUUID, triggerAt: 300}

	e.Update(context.Background(), Request{UUID: testUUID, DownloadURL: "https://x/a.bin"})
	e.Wait()

	got := pub.Statuses()
	if got[len(got)-1] != StatusFailure {
		t.Fatalf("expected terminal Failure after cancel, got %v", got)
	}
	last := pub.Snapshot()[len(pub.Snapshot())-1]
	if last.StatusCode != "Canceled" {
		t.Fatalf("expected Canceled status code, got %q", last.StatusCode)
	}
	if e.running.Load() {
		t.Fatal("run-bit should be cleared after cancel")
	}
}

// S5 — duplicate update while one is running.
func TestEngineUpdateDuplicateRejected(t *testing.T) {
	e, pub, _, _, dl, _ := newTestEngine(t)
	image := make([]byte, 1<<20)
	dl.Attempts = []dlsim.Attempt{{Image: image}}

	e.Update(context.Background(), Request{UUID: "aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa", DownloadURL: "https://x/a.bin"})
	e.Update(context.Background(), Request{UUID: "bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb", DownloadURL: "https://x/b.bin"})
	e.Wait()

	found := false
	for _, ev := range pub.Snapshot() {
		if ev.RequestUUID == "bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb" {
			found = true
			if ev.Status != StatusFailure || ev.StatusCode != "UpdateAlreadyInProgress" {
				t.Fatalf("expected Failure/UpdateAlreadyInProgress for duplicate, got %+v", ev)
			}
		}
	}
	if !found {
		t.Fatal("expected a rejection event for the duplicate request")
	}
}

// S6 — reboot reverts: reconciliation after a failed TBYB reports
// Failure with the rollback code surfaced by the bootloader.
func TestReconcileAfterRevert(t *testing.T) {
	store := settingsmem.New()
	bl := bootsim.New()
	pub := memory.NewPublisher()
	e := New(store, flashsim.New(), bl, &dlsim.Downloader{}, pub)

	ctx := context.Background()
	store.Init(ctx)
	store.Save(ctx, namespace, keyState, []byte{byte(StateReboot)})
	store.Save(ctx, namespace, keyReqID, []byte(testUUID))
	bl.SimulateRevert()

	if err := e.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	events := pub.Snapshot()
	if len(events) != 1 {
		t.Fatalf("expected exactly one reconciliation event, got %v", events)
	}
	if events[0].Status != StatusFailure {
		t.Fatalf("expected Failure, got %s", events[0].Status)
	}
	if events[0].StatusCode != "SystemRollback" {
		t.Fatalf("expected SystemRollback, got %q", events[0].StatusCode)
	}

	var sawIdle bool
	if err := store.Load(ctx, namespace, func(key string, r io.Reader) error {
		if key == keyState {
			b, err := io.ReadAll(r)
			if err != nil {
				return err
			}
			if len(b) == 1 && State(b[0]) == StateIdle {
				sawIdle = true
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !sawIdle {
		t.Fatal("expected persisted state to be cleared to IDLE")
	}
}

// Reconciliation of the expected happy-path post-swap boot: NONE swap,
// unconfirmed image, confirm succeeds, Success is emitted.
func TestReconcileSuccessPath(t *testing.T) {
	store := settingsmem.New()
	bl := bootsim.New()
	pub := memory.NewPublisher()
	e := New(store, flashsim.New(), bl, &dlsim.Downloader{}, pub)

	ctx := context.Background()
	store.Init(ctx)
	store.Save(ctx, namespace, keyState, []byte{byte(StateReboot)})
	store.Save(ctx, namespace, keyReqID, []byte(testUUID))
	// Simulate the post-swap boot the happy path leaves behind: a test
	// swap that has not yet been confirmed.
	bl.RequestUpgradeTest(ctx)
	bl.SimulateReboot()

	if err := e.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	events := pub.Snapshot()
	if len(events) != 1 || events[0].Status != StatusSuccess {
		t.Fatalf("expected a single Success event, got %v", events)
	}
	confirmed, _ := bl.IsImageConfirmed(ctx)
	if !confirmed {
		t.Fatal("expected ConfirmCurrentImage to have been called")
	}
}

// No pending OTA record: reconciliation is a silent no-op.
func TestReconcileNoPendingOTA(t *testing.T) {
	store := settingsmem.New()
	bl := bootsim.New()
	pub := memory.NewPublisher()
	e := New(store, flashsim.New(), bl, &dlsim.Downloader{}, pub)

	if err := e.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(pub.Snapshot()) != 0 {
		t.Fatalf("expected no events, got %v", pub.Snapshot())
	}
}
