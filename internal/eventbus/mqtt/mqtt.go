// Package mqtt implements eventbus.Publisher over the telemetry MQTT
// client, marshaling the OTAEvent aggregated object (spec §6) with
// json-iterator for allocation-lean encoding on the hot status-reporting
// path.
package mqtt

import (
	"context"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/sorru94/edgehog-zephyr-device/internal/ota"
	"github.com/sorru94/edgehog-zephyr-device/internal/telemetry"
)

const Topic = "OTAEvent/event"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Publisher struct {
	Client *telemetry.Client
	Topic  string
}

func New(client *telemetry.Client) *Publisher {
	return &Publisher{Client: client, Topic: Topic}
}

func (p *Publisher) Publish(ctx context.Context, ev ota.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("eventbus/mqtt: marshal: %w", err)
	}
	topic := p.Topic
	if topic == "" {
		topic = Topic
	}
	if err := p.Client.Publish(topic, payload); err != nil {
		return fmt.Errorf("eventbus/mqtt: publish: %w", err)
	}
	return nil
}
