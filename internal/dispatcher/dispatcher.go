// Package dispatcher parses inbound OTARequest aggregated objects
// (spec §6) arriving on the telemetry command channel and routes them
// to the OTA engine's two entry points, per spec §4.7.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/sorru94/edgehog-zephyr-device/internal/eventbus"
	"github.com/sorru94/edgehog-zephyr-device/internal/ota"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// request mirrors the OTARequest aggregated object's wire shape (spec
// §6). Fields are pointers so a missing JSON key is distinguishable
// from an explicit empty string.
type request struct {
	UUID      *string `json:"uuid"`
	Operation *string `json:"operation"`
	URL       *string `json:"url"`
}

const (
	opUpdate = "Update"
	opCancel = "Cancel"
)

// Engine is the subset of ota.Engine the dispatcher needs, so tests can
// supply a fake without the full subsystem wiring.
type Engine interface {
	Update(ctx context.Context, req ota.Request) error
	Cancel(ctx context.Context, uuid string) error
}

type Dispatcher struct {
	Engine    Engine
	Publisher eventbus.Publisher
	Logger    *slog.Logger
}

func New(engine Engine, pub eventbus.Publisher, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{Engine: engine, Publisher: pub, Logger: logger}
}

// reject logs and, when a uuid was recoverable from the payload, emits
// Failure/InvalidRequest so the backend observes the rejection (spec
// §4.7: "if uuid or operation missing/unknown → reject with
// INVALID_REQUEST") instead of the request silently vanishing.
func (d *Dispatcher) reject(ctx context.Context, id, reason string) error {
	d.Logger.Warn("dispatcher: rejecting OTARequest", slog.String("reason", reason), slog.String("uuid", id))
	if id != "" && d.Publisher != nil {
		ev := ota.NewEvent(id, ota.StatusFailure, 0, ota.CodeInvalidRequest, reason, time.Now())
		if err := d.Publisher.Publish(ctx, ev); err != nil {
			d.Logger.Warn("dispatcher: publish InvalidRequest failed", slog.String("err", err.Error()))
		}
	}
	return fmt.Errorf("dispatcher: %s", reason)
}

// Dispatch parses raw as an OTARequest object and calls Update or
// Cancel on the engine.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) error {
	var req request
	if err := json.Unmarshal(raw, &req); err != nil {
		return d.reject(ctx, "", fmt.Sprintf("unmarshal: %v", err))
	}

	if req.UUID == nil || req.Operation == nil {
		id := ""
		if req.UUID != nil {
			id = *req.UUID
		}
		return d.reject(ctx, id, "missing uuid or operation")
	}

	if _, err := uuid.Parse(*req.UUID); err != nil && len(*req.UUID) != 36 {
		return d.reject(ctx, "", fmt.Sprintf("malformed uuid %q", *req.UUID))
	}

	switch *req.Operation {
	case opUpdate:
		if req.URL == nil || *req.URL == "" {
			return d.reject(ctx, *req.UUID, fmt.Sprintf("update %s missing url", *req.UUID))
		}
		return d.Engine.Update(ctx, ota.Request{UUID: *req.UUID, DownloadURL: *req.URL})
	case opCancel:
		return d.Engine.Cancel(ctx, *req.UUID)
	default:
		return d.reject(ctx, *req.UUID, fmt.Sprintf("unknown operation %q", *req.Operation))
	}
}
