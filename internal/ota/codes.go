// Package ota implements the over-the-air update engine: the persistent
// state machine, retry/cancellation logic, and boot-time reconciliation
// described in spec §4.6.
package ota

// Code is the unified internal error kind produced by every subsystem the
// engine talks to. It is never sent over the wire directly — StatusCode
// maps it onto the external vocabulary from spec §6.
type Code int

const (
	CodeOK Code = iota
	CodeInvalidRequest
	CodeAlreadyInProgress
	CodeNetworkError
	CodeSettingsInitFail
	CodeSettingsSaveFail
	CodeSettingsLoadFail
	CodeSettingsDeleteFail
	CodeEraseSecondSlotError
	CodeInitFlashError
	CodeWriteFlashError
	CodeInvalidImage
	CodeSwapFail
	CodeSystemRollback
	CodeCanceled
	CodeOutOfMemory
	CodeThreadCreateError
	CodeInternalError
)

// StatusCode maps a Code onto the external statusCode vocabulary from
// spec §6. The empty string corresponds to "no code" (used with OK and
// with non-terminal statuses that carry no code).
func (c Code) StatusCode() string {
	switch c {
	case CodeOK:
		return ""
	case CodeInvalidRequest:
		return "InvalidRequest"
	case CodeAlreadyInProgress:
		return "UpdateAlreadyInProgress"
	case CodeNetworkError:
		return "ErrorNetwork"
	case CodeSettingsInitFail, CodeSettingsSaveFail, CodeSettingsLoadFail, CodeSettingsDeleteFail:
		return "IOError"
	case CodeEraseSecondSlotError, CodeInitFlashError, CodeWriteFlashError:
		// These start another attempt; if the retry budget is exhausted
		// the terminal Failure still reports InternalError per spec §7.
		return "InternalError"
	case CodeInvalidImage:
		return "InvalidBaseImage"
	case CodeSwapFail:
		return "InternalError"
	case CodeSystemRollback:
		return "SystemRollback"
	case CodeCanceled:
		return "Canceled"
	case CodeOutOfMemory, CodeThreadCreateError, CodeInternalError:
		return "InternalError"
	default:
		return "InternalError"
	}
}

// retryable reports whether an attempt failure with this code should be
// retried within the attempt loop (spec §4.6 step 5) rather than
// terminating the update immediately.
func (c Code) retryable() bool {
	switch c {
	case CodeEraseSecondSlotError, CodeInitFlashError, CodeWriteFlashError, CodeNetworkError:
		return true
	default:
		return false
	}
}
