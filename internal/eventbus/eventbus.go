// Package eventbus implements the event publisher from spec §4.5:
// mapping internal OTA progress onto the external OTAEvent schema and,
// optionally, mirroring a coarse-grained event onto a local in-process
// bus for other subscribers (UI, watchdog).
package eventbus

import (
	"context"

	"github.com/sorru94/edgehog-zephyr-device/internal/ota"
)

// Publisher emits a single OTAEvent.
type Publisher interface {
	Publish(ctx context.Context, ev ota.Event) error
}

// LocalPublisher emits a single mirrored coarse-grained event.
type LocalPublisher interface {
	PublishLocal(ctx context.Context, ev ota.LocalEvent) error
}

// Fanout composes a required remote Publisher with an optional
// LocalPublisher so internal/ota only ever calls one method. A nil Local
// disables the optional mirror (spec §4.5: "when the optional local
// event bus is enabled").
type Fanout struct {
	Remote Publisher
	Local  LocalPublisher
}

func (f Fanout) Publish(ctx context.Context, ev ota.Event) error {
	if err := f.Remote.Publish(ctx, ev); err != nil {
		return err
	}
	if f.Local == nil {
		return nil
	}
	local := localEventFor(ev)
	if local == "" {
		return nil
	}
	return f.Local.PublishLocal(ctx, local)
}

// localEventFor maps a terminal/milestone OTAEvent onto the coarse local
// bus vocabulary (spec §4.5). Non-milestone events (Downloading, Error)
// have no local counterpart and are dropped from the mirror.
func localEventFor(ev ota.Event) ota.LocalEvent {
	switch ev.Status {
	case ota.StatusAcknowledged:
		return ota.LocalInit
	case ota.StatusSuccess:
		return ota.LocalSuccess
	case ota.StatusFailure:
		return ota.LocalFailed
	case ota.StatusRebooting:
		return ota.LocalPendingReboot
	case ota.StatusDeployed:
		return ota.LocalConfirmReboot
	default:
		return ""
	}
}
