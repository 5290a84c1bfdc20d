package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"lightwatch/internal/config"
	"lightwatch/internal/logging"
	"lightwatch/internal/model"
)

// MQTTNotifier publishes one message per alert creation and per
// escalation to the notification topic. Re-bands that lower severity,
// acknowledgements and resolutions stay off the wire.
type MQTTNotifier struct {
	cfg    *config.Manager
	client mqtt.Client
	logger *slog.Logger
}

// NewMQTTNotifier reuses an already connected client when one is given
// (the ingest client, typically) and dials its own otherwise.
func NewMQTTNotifier(cfg *config.Manager, client mqtt.Client, logger *slog.Logger) (*MQTTNotifier, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	current := cfg.Get()
	if !current.Notify.Enabled {
		return nil, nil
	}
	if client == nil {
		opts := mqtt.NewClientOptions()
		opts.AddBroker(current.Ingest.MQTT.Broker)
		opts.SetClientID(current.Ingest.MQTT.ClientID + "-notify")
		opts.SetUsername(current.Ingest.MQTT.Username)
		opts.SetPassword(current.Ingest.MQTT.Password)
		opts.SetAutoReconnect(true)
		opts.SetKeepAlive(60 * time.Second)
		client = mqtt.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			return nil, token.Error()
		}
	}
	return &MQTTNotifier{cfg: cfg, client: client, logger: logger}, nil
}

type notification struct {
	Event    string      `json:"event"`
	Alert    model.Alert `json:"alert"`
	SentAt   time.Time   `json:"sent_at"`
	Severity string      `json:"severity"`
}

func (n *MQTTNotifier) AlertCreated(ctx context.Context, a model.Alert) {
	n.publish(ctx, "created", a)
}

func (n *MQTTNotifier) AlertEscalated(ctx context.Context, a model.Alert) {
	n.publish(ctx, "escalated", a)
}

func (n *MQTTNotifier) publish(_ context.Context, event string, a model.Alert) {
	current := n.cfg.Get().Notify
	body, err := json.Marshal(notification{
		Event:    event,
		Alert:    a,
		SentAt:   time.Now().UTC(),
		Severity: string(a.Severity),
	})
	if err != nil {
		return
	}
	token := n.client.Publish(current.Topic, current.QoS, false, body)
	go func() {
		if token.Wait() && token.Error() != nil && n.logger != nil {
			n.logger.Error("alert notification publish failed",
				"event", event, "alert_id", a.ID, "err", token.Error())
		}
	}()
}

// OperationalAlert reports an internal pipeline condition, such as the
// store being unreachable past the retry budget. It shares the alert
// topic with a distinct event tag so pagers can route on it.
func (n *MQTTNotifier) OperationalAlert(reason string) {
	current := n.cfg.Get().Notify
	body, err := json.Marshal(map[string]any{
		"event":   "operational",
		"reason":  reason,
		"sent_at": time.Now().UTC(),
	})
	if err != nil {
		return
	}
	token := n.client.Publish(current.Topic, current.QoS, false, body)
	go func() {
		if token.Wait() && token.Error() != nil && n.logger != nil {
			n.logger.Error("operational alert publish failed", "reason", reason, "err", token.Error())
		}
	}()
}
