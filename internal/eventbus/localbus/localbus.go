// Package localbus implements the optional local OTA bus from spec
// §4.5: a mirrored coarse-grained event stream so other in-process or
// loopback subscribers (a UI, a watchdog, the otactl "watch" command)
// can react to OTA milestones without parsing the full wire event
// schema. Built on go-zeromq/zmq4's pure-Go PUB/SUB sockets, matching
// the "message-oriented" framing spec §1 uses for the backend channel
// too.
package localbus

import (
	"context"
	"fmt"

	"github.com/go-zeromq/zmq4"

	"github.com/sorru94/edgehog-zephyr-device/internal/ota"
)

// Mirror publishes LocalEvent values on a PUB socket bound at Endpoint
// (an inproc:// address for same-process subscribers, or a loopback
// tcp:// address so otactl can subscribe from outside the process).
type Mirror struct {
	Endpoint string

	pub zmq4.Socket
}

func NewMirror(endpoint string) *Mirror {
	return &Mirror{Endpoint: endpoint}
}

func (m *Mirror) Start(ctx context.Context) error {
	m.pub = zmq4.NewPub(ctx)
	if err := m.pub.Listen(m.Endpoint); err != nil {
		return fmt.Errorf("localbus: listen %s: %w", m.Endpoint, err)
	}
	return nil
}

func (m *Mirror) PublishLocal(ctx context.Context, ev ota.LocalEvent) error {
	if m.pub == nil {
		return fmt.Errorf("localbus: not started")
	}
	if err := m.pub.Send(zmq4.NewMsg([]byte(ev))); err != nil {
		return fmt.Errorf("localbus: send: %w", err)
	}
	return nil
}

func (m *Mirror) Close() error {
	if m.pub == nil {
		return nil
	}
	return m.pub.Close()
}

// Subscribe dials endpoint and invokes handler for every mirrored event
// until ctx is canceled. Used by otactl's "watch" subcommand and by
// local reactors such as a watchdog.
func Subscribe(ctx context.Context, endpoint string, handler func(ota.LocalEvent)) error {
	sub := zmq4.NewSub(ctx)
	defer sub.Close()
	if err := sub.Dial(endpoint); err != nil {
		return fmt.Errorf("localbus: dial %s: %w", endpoint, err)
	}
	if err := sub.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		return fmt.Errorf("localbus: subscribe: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		msg, err := sub.Recv()
		if err != nil {
			return fmt.Errorf("localbus: recv: %w", err)
		}
		if len(msg.Frames) == 0 {
			continue
		}
		handler(ota.LocalEvent(msg.Frames[0]))
	}
}
