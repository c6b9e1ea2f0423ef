// Package mqttbridge mirrors the bus render topics onto an MQTT broker and
// accepts control interactions from it.
//
// Topics, relative to the configured base:
//
//	<base>/state/<busTopic>   retained JSON of the latest detail
//	<base>/status             retained "online" / "offline"
//	<base>/cmd                inbound {"type":..., "data":...} interactions
package mqttbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	paho "github.com/eclipse/paho.mqtt.golang"

	"spotifycontrols/internal/bus"
	"spotifycontrols/internal/control"
)

// Publisher is the subset of the MQTT client the bridge needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Subscribe(topic string, qos byte, handler paho.MessageHandler) error
	Unsubscribe(topic string) error
}

// Mirrored lists the bus topics published to the broker.
var Mirrored = []bus.Topic{
	bus.TopicStateUpdate,
	bus.TopicShouldShowUpdate,
	bus.TopicComponentsVisibilityUpdate,
	bus.TopicDevicesUpdate,
	bus.TopicNotice,
}

// Bridge connects a bus to a broker.
type Bridge struct {
	client Publisher
	bus    *bus.Bus
	base   string
	log    *slog.Logger
}

func New(client Publisher, b *bus.Bus, topicBase string, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		client: client,
		bus:    b,
		base:   strings.TrimSuffix(topicBase, "/"),
		log:    logger.With("component", "mqttbridge"),
	}
}

// StatusTopic is where online/offline presence is published.
func (br *Bridge) StatusTopic() string { return StatusTopicFor(br.base) }

// StatusTopicFor returns the status topic under topicBase, for use as the
// connection's last will before a Bridge exists.
func StatusTopicFor(topicBase string) string {
	return strings.TrimSuffix(topicBase, "/") + "/status"
}

// CommandTopic is where inbound interactions are read from.
func (br *Bridge) CommandTopic() string { return br.base + "/cmd" }

// StateTopic is where the detail of t is published.
func (br *Bridge) StateTopic(t bus.Topic) string { return br.base + "/state/" + string(t) }

// Run mirrors until ctx ends.
func (br *Bridge) Run(ctx context.Context) error {
	var offs []func()
	for _, t := range Mirrored {
		t := t
		offs = append(offs, br.bus.On(t, func(d any) { br.publish(t, d) }))
	}
	defer func() {
		for _, off := range offs {
			off()
		}
	}()

	handler := func(_ paho.Client, msg paho.Message) { br.handleCommand(msg.Payload()) }
	if err := br.client.Subscribe(br.CommandTopic(), 1, handler); err != nil {
		return fmt.Errorf("subscribe cmd: %w", err)
	}
	defer br.client.Unsubscribe(br.CommandTopic())

	if err := br.client.Publish(br.StatusTopic(), 1, true, []byte("online")); err != nil {
		br.log.Warn("failed to publish status", "error", err)
	}

	<-ctx.Done()

	if err := br.client.Publish(br.StatusTopic(), 1, true, []byte("offline")); err != nil {
		br.log.Debug("failed to publish offline status", "error", err)
	}
	return nil
}

func (br *Bridge) publish(t bus.Topic, detail any) {
	payload, err := json.Marshal(detail)
	if err != nil {
		br.log.Warn("failed to encode bus detail", "topic", string(t), "error", err)
		return
	}
	// Notices are events, not state.
	retained := t != bus.TopicNotice
	if err := br.client.Publish(br.StateTopic(t), 0, retained, payload); err != nil {
		br.log.Warn("mqtt publish failed", "topic", string(t), "error", err)
	}
}

func (br *Bridge) handleCommand(payload []byte) {
	in, err := control.DecodeInteraction(payload)
	if err != nil {
		br.log.Warn("invalid mqtt command", "error", err)
		return
	}
	br.bus.Emit(bus.TopicControlInteraction, in)
}
