package ota

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sorru94/edgehog-zephyr-device/internal/bootloader"
	"github.com/sorru94/edgehog-zephyr-device/internal/download"
	"github.com/sorru94/edgehog-zephyr-device/internal/flash"
	"github.com/sorru94/edgehog-zephyr-device/internal/settings"
)

const (
	namespace = "ota"
	keyState  = "state"
	keyReqID  = "req_id"
)

var (
	errAlreadyInProgress  = errors.New("ota: update already in progress")
	errNoUpdateInProgress = errors.New("ota: no update in progress")
)

const (
	defaultMaxRetries   = 5
	defaultReqTimeoutMs = 60_000
	defaultRebootDelay  = 5 * time.Second
)

// Publisher emits a single OTAEvent. It has the same method set as
// eventbus.Publisher, so an eventbus.Fanout satisfies it without this
// package importing eventbus (which itself imports ota).
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Engine is the OTA state machine: the single run-bit, the worker it
// spawns on demand, and boot-time reconciliation. At most one worker
// runs at a time; admission and cancellation are both arbitrated by the
// run-bit.
type Engine struct {
	Settings   settings.Store
	Flash      flash.Writer
	Bootloader bootloader.Adapter
	Downloader download.Downloader
	Events     Publisher
	Logger     *slog.Logger

	// MaxRetries bounds the attempt loop; zero means defaultMaxRetries.
	MaxRetries int
	// ReqTimeoutMs is passed through to the downloader; zero means
	// defaultReqTimeoutMs (spec's OTA_REQ_TIMEOUT_MS).
	ReqTimeoutMs int
	// RebootDelay is the pre-reboot pause after Deployed; zero means
	// defaultRebootDelay.
	RebootDelay time.Duration

	// Sleep and Now are overridable for tests; nil means the real
	// context-aware timer and wall clock respectively.
	Sleep func(ctx context.Context, d time.Duration)
	Now   func() time.Time

	running atomic.Bool
	wg      sync.WaitGroup

	mu         sync.Mutex
	cancelNote string
}

// New wires an Engine from its four collaborator subsystems and an
// event publisher (typically an eventbus.Fanout composing the MQTT
// publisher with the optional local bus mirror).
func New(store settings.Store, fw flash.Writer, bl bootloader.Adapter, dl download.Downloader, pub Publisher) *Engine {
	return &Engine{
		Settings:   store,
		Flash:      fw,
		Bootloader: bl,
		Downloader: dl,
		Events:     pub,
	}
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) {
	if e.Sleep != nil {
		e.Sleep(ctx, d)
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (e *Engine) maxRetries() int {
	if e.MaxRetries > 0 {
		return e.MaxRetries
	}
	return defaultMaxRetries
}

func (e *Engine) reqTimeoutMs() int {
	if e.ReqTimeoutMs > 0 {
		return e.ReqTimeoutMs
	}
	return defaultReqTimeoutMs
}

func (e *Engine) rebootDelay() time.Duration {
	if e.RebootDelay > 0 {
		return e.RebootDelay
	}
	return defaultRebootDelay
}

// Wait blocks until no worker is running. Tests use it to synchronize
// with the background worker spawned by Update; production code has no
// need to call it.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) publish(ctx context.Context, ev Event) {
	if err := e.Events.Publish(ctx, ev); err != nil {
		e.logger().Warn("ota: publish failed", slog.String("err", err.Error()), slog.String("status", string(ev.Status)))
	}
}

// Update admits a new OTA request (spec §4.6 "Update handling"). The
// run-bit is the sole admission gate: if it is already set, a
// Failure/UpdateAlreadyInProgress event is emitted for the rejected
// request and the in-flight worker is left untouched. Otherwise the
// worker is spawned and Update returns immediately; Wait (tests only)
// or the terminal event (production) observes completion.
func (e *Engine) Update(ctx context.Context, req Request) error {
	if !e.running.CompareAndSwap(false, true) {
		e.publish(ctx, NewEvent(req.UUID, StatusFailure, 0, CodeAlreadyInProgress, "", e.now()))
		return fmt.Errorf("ota: update %s rejected: %w", req.UUID, errAlreadyInProgress)
	}
	e.wg.Add(1)
	go e.runWorker(req)
	return nil
}

// Cancel clears the run-bit if a worker is running (spec §4.6 "Cancel
// handling"). The cancelling uuid need not match the in-flight request;
// any mismatch is recorded and surfaces in the worker's terminal
// Failure/Canceled event message rather than being silently redirected.
func (e *Engine) Cancel(ctx context.Context, uuid string) error {
	if !e.running.Load() {
		e.publish(ctx, NewEvent(uuid, StatusFailure, 0, CodeInvalidRequest, "", e.now()))
		return fmt.Errorf("ota: cancel %s rejected: %w", uuid, errNoUpdateInProgress)
	}
	if err := e.Settings.Init(ctx); err != nil {
		e.publish(ctx, NewEvent(uuid, StatusFailure, 0, CodeSettingsInitFail, err.Error(), e.now()))
		return fmt.Errorf("ota: cancel %s: %w", uuid, err)
	}
	var reqID string
	var found bool
	err := e.Settings.Load(ctx, namespace, func(key string, r io.Reader) error {
		if key == keyReqID {
			b, err := io.ReadAll(r)
			if err != nil {
				return err
			}
			reqID = string(b)
			found = true
		}
		return nil
	})
	if err != nil {
		e.publish(ctx, NewEvent(uuid, StatusFailure, 0, CodeSettingsLoadFail, err.Error(), e.now()))
		return fmt.Errorf("ota: cancel %s: %w", uuid, err)
	}
	if !found {
		e.publish(ctx, NewEvent(uuid, StatusFailure, 0, CodeInternalError, "", e.now()))
		return fmt.Errorf("ota: cancel %s: no req_id persisted despite run-bit set", uuid)
	}

	note := ""
	if reqID != uuid {
		note = fmt.Sprintf("cancel uuid %s does not match in-flight request %s", uuid, reqID)
	}
	e.mu.Lock()
	e.cancelNote = note
	e.mu.Unlock()

	e.running.Store(false)
	return nil
}

func (e *Engine) persistState(ctx context.Context, s State) error {
	return e.Settings.Save(ctx, namespace, keyState, []byte{byte(s)})
}

// clearRecord implements spec §4.6's "clear record": persist state=IDLE
// then delete req_id. Both failures are logged, not escalated — the
// caller has already emitted the terminal event for this update.
func (e *Engine) clearRecord(ctx context.Context) {
	if err := e.persistState(ctx, StateIdle); err != nil {
		e.logger().Warn("ota: persist idle failed", slog.String("err", err.Error()))
	}
	if err := e.Settings.Delete(ctx, namespace, keyReqID); err != nil {
		e.logger().Warn("ota: delete req_id failed", slog.String("err", err.Error()))
	}
}

// runWorker is the OTA worker task (spec §4.6 step 3). It owns the
// request end to end and self-destructs on exit, clearing the run-bit
// via the deferred atomic store.
func (e *Engine) runWorker(req Request) {
	ctx := context.Background()
	defer e.wg.Done()
	defer e.running.Store(false)

	emit := func(status Status, progress int32, code Code, msg string) {
		e.publish(ctx, NewEvent(req.UUID, status, progress, code, msg, e.now()))
	}

	emit(StatusAcknowledged, 0, CodeOK, "")

	if err := e.Settings.Init(ctx); err != nil {
		emit(StatusFailure, 0, CodeSettingsInitFail, err.Error())
		return
	}
	if err := e.persistState(ctx, StateInProgress); err != nil {
		emit(StatusFailure, 0, CodeSettingsSaveFail, err.Error())
		return
	}
	if err := e.Settings.Save(ctx, namespace, keyReqID, []byte(req.UUID)); err != nil {
		emit(StatusFailure, 0, CodeSettingsSaveFail, err.Error())
		return
	}

	code, attemptErr := e.attemptLoop(ctx, req, emit)

	if code == CodeCanceled {
		e.mu.Lock()
		note := e.cancelNote
		e.cancelNote = ""
		e.mu.Unlock()
		emit(StatusFailure, 0, CodeCanceled, note)
		e.clearRecord(ctx)
		return
	}
	if code != CodeOK {
		emit(StatusFailure, 0, code, errString(attemptErr))
		e.clearRecord(ctx)
		return
	}

	e.deploy(ctx, emit)
}

// deploy runs the post-download half of a successful update: persist
// state=REBOOT, sanity-check the secondary image, request the test
// swap, then reboot. Per spec §9 the REBOOT persist MUST precede the
// secondary header read.
func (e *Engine) deploy(ctx context.Context, emit func(Status, int32, Code, string)) {
	emit(StatusDeploying, 0, CodeOK, "")

	if err := e.persistState(ctx, StateReboot); err != nil {
		emit(StatusFailure, 0, CodeSettingsSaveFail, err.Error())
		e.clearRecord(ctx)
		return
	}
	if _, err := e.Bootloader.ReadSecondaryHeader(ctx); err != nil {
		emit(StatusFailure, 0, CodeInternalError, err.Error())
		e.clearRecord(ctx)
		return
	}
	if err := e.Bootloader.RequestUpgradeTest(ctx); err != nil {
		emit(StatusFailure, 0, CodeInternalError, err.Error())
		e.clearRecord(ctx)
		return
	}

	emit(StatusDeployed, 0, CodeOK, "")
	emit(StatusRebooting, 0, CodeOK, "")
	e.sleep(ctx, e.rebootDelay())

	if err := e.Bootloader.RebootWarm(ctx); err != nil {
		e.logger().Error("ota: reboot_warm failed", slog.String("err", err.Error()))
	}
}

// downloadState tracks the running totals a single attempt's sink
// callback needs to compute the rounded-to-10 percent stream (spec
// §3's last_percent_sent).
type downloadState struct {
	written     int64
	totalSize   int64
	lastPercent int
}

// attemptLoop implements spec §4.6 step 5: up to maxRetries attempts,
// each erasing the secondary bank, opening a flash session, and
// streaming the download into it. Returns CodeOK on success,
// CodeCanceled if the run-bit was cleared mid-attempt, or the last
// attempt's failure code once the budget is exhausted.
func (e *Engine) attemptLoop(ctx context.Context, req Request, emit func(Status, int32, Code, string)) (Code, error) {
	var lastErr error
	lastCode := CodeNetworkError

	for attempt := 1; attempt <= e.maxRetries(); attempt++ {
		if !e.running.Load() {
			return CodeCanceled, nil
		}
		emit(StatusDownloading, 0, CodeOK, "")

		if err := e.Flash.EraseSecondary(ctx); err != nil {
			lastCode, lastErr = CodeEraseSecondSlotError, err
			if !lastCode.retryable() {
				emit(StatusError, 0, lastCode, errString(lastErr))
				return lastCode, lastErr
			}
			e.reportAndBackoff(ctx, attempt, lastCode, err, emit)
			continue
		}
		if !e.running.Load() {
			return CodeCanceled, nil
		}

		session, err := e.Flash.Init(ctx)
		if err != nil {
			lastCode, lastErr = CodeInitFlashError, err
			if !lastCode.retryable() {
				emit(StatusError, 0, lastCode, errString(lastErr))
				return lastCode, lastErr
			}
			e.reportAndBackoff(ctx, attempt, lastCode, err, emit)
			continue
		}

		state := &downloadState{lastPercent: 0}
		sink := e.makeSink(session, state, emit)

		dlErr := e.Downloader.Download(ctx, req.DownloadURL, nil, e.reqTimeoutMs(), sink)

		if !e.running.Load() {
			return CodeCanceled, nil
		}
		if dlErr != nil {
			lastCode, lastErr = CodeNetworkError, dlErr
			if !lastCode.retryable() {
				emit(StatusError, 0, lastCode, errString(lastErr))
				return lastCode, lastErr
			}
			e.reportAndBackoff(ctx, attempt, lastCode, dlErr, emit)
			continue
		}
		if state.written == 0 || state.written != state.totalSize {
			lastErr = fmt.Errorf("size mismatch: wrote %d of declared %d", state.written, state.totalSize)
			lastCode = CodeNetworkError
			if !lastCode.retryable() {
				emit(StatusError, 0, lastCode, errString(lastErr))
				return lastCode, lastErr
			}
			e.reportAndBackoff(ctx, attempt, lastCode, lastErr, emit)
			continue
		}
		return CodeOK, nil
	}

	return lastCode, lastErr
}

// reportAndBackoff emits the intermediate Error event for a failed
// attempt, then sleeps the linear back-off before the next attempt
// (spec §9: "bounded retries, not exponential"): the zero-based attempt
// index times 2s, i.e. 0, 2, 4, 6, 8s, a 20s total bound across 5
// attempts.
func (e *Engine) reportAndBackoff(ctx context.Context, attempt int, code Code, err error, emit func(Status, int32, Code, string)) {
	emit(StatusError, 0, code, errString(err))
	e.sleep(ctx, time.Duration(attempt-1)*2*time.Second)
}

// makeSink builds the HTTP downloader sink for one attempt: it aborts
// on a cleared run-bit, writes every chunk to the flash session in
// order, and emits a Downloading event each time the rounded percent
// changes (spec §4.6 step 5, §3's last_percent_sent).
func (e *Engine) makeSink(session flash.Session, state *downloadState, emit func(Status, int32, Code, string)) download.Sink {
	return func(ctx context.Context, c download.Chunk) error {
		if !e.running.Load() {
			c.Handle.Abort()
			return fmt.Errorf("ota: canceled")
		}
		if c.TotalSize > 0 {
			state.totalSize = c.TotalSize
		}
		if err := session.Write(ctx, c.Data, c.LastChunk); err != nil {
			return err
		}
		state.written = session.BytesWritten()

		if state.totalSize <= 0 {
			return nil
		}
		percent := int((100 * state.written / state.totalSize) / 10 * 10)
		if percent > 100 {
			percent = 100
		}
		if percent != state.lastPercent {
			state.lastPercent = percent
			emit(StatusDownloading, int32(percent), CodeOK, "")
		}
		return nil
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
