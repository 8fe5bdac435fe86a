package ota

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/sorru94/edgehog-zephyr-device/internal/bootloader"
)

// Reconcile runs once at agent start, before the command dispatcher
// accepts anything (spec §4.6 "Boot-time reconciliation"). It decides
// the fate of whatever OTA was in flight across the last reboot: a
// pending REBOOT record with a NONE swap type and an unconfirmed image
// is the expected post-swap boot, confirmed and reported Success;
// anything else is a Failure with the code that best explains it.
func (e *Engine) Reconcile(ctx context.Context) error {
	if err := e.Settings.Init(ctx); err != nil {
		return fmt.Errorf("ota: reconcile init: %w", err)
	}

	var (
		state       State
		hasState    bool
		reqID       string
		hasReqID    bool
	)
	err := e.Settings.Load(ctx, namespace, func(key string, r io.Reader) error {
		b, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		switch key {
		case keyState:
			if len(b) == 1 {
				state = State(b[0])
				hasState = true
			}
		case keyReqID:
			reqID = string(b)
			hasReqID = true
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ota: reconcile load: %w", err)
	}

	if !hasReqID || len(reqID) != 36 {
		return nil
	}

	emit := func(status Status, code Code, msg string) {
		e.publish(ctx, NewEvent(reqID, status, 0, code, msg, e.now()))
	}

	if !hasState || state != StateReboot {
		emit(StatusFailure, CodeInternalError, "agent restarted mid-update with no pending reboot recorded")
		e.clearRecord(ctx)
		return nil
	}

	swap, err := e.Bootloader.CurrentSwapType(ctx)
	if err != nil {
		emit(StatusFailure, CodeInternalError, err.Error())
		e.clearRecord(ctx)
		return nil
	}
	if swap != bootloader.SwapNone {
		code := CodeSwapFail
		if swap == bootloader.SwapRevert {
			code = CodeSystemRollback
		}
		emit(StatusFailure, code, fmt.Sprintf("unexpected swap type %s after reboot", swap))
		e.clearRecord(ctx)
		return nil
	}

	confirmed, err := e.Bootloader.IsImageConfirmed(ctx)
	if err != nil {
		emit(StatusFailure, CodeInternalError, err.Error())
		e.clearRecord(ctx)
		return nil
	}
	if confirmed {
		emit(StatusFailure, CodeSwapFail, "secondary already confirmed; not the freshly swapped image")
		e.clearRecord(ctx)
		return nil
	}

	if err := e.Bootloader.ConfirmCurrentImage(ctx); err != nil {
		emit(StatusFailure, CodeInternalError, err.Error())
		e.clearRecord(ctx)
		return nil
	}

	emit(StatusSuccess, CodeOK, "")
	e.clearRecord(ctx)
	e.logger().Info("ota: reconciled pending update", slog.String("uuid", reqID))
	return nil
}
