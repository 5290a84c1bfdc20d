package ingest

import (
	"context"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"lightwatch/internal/config"
)

// StartMQTT subscribes to the per-station telemetry topic space
// (stations/<code>/telemetry). Delivery is at-least-once; the intake's
// dedupe cache and the store's idempotent upsert absorb redeliveries.
func StartMQTT(ctx context.Context, cfg *config.Manager, intake *Intake, logger *slog.Logger) (mqtt.Client, error) {
	current := cfg.Get().Ingest.MQTT
	if !current.Enabled {
		if logger != nil {
			logger.Info("mqtt ingest disabled")
		}
		return nil, nil
	}
	if logger != nil {
		logger.Info("mqtt ingest enabled", "broker", current.Broker, "topic", current.Topic)
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(current.Broker)
	opts.SetClientID(current.ClientID)
	opts.SetUsername(current.Username)
	opts.SetPassword(current.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		if logger != nil {
			logger.Warn("mqtt connection lost", "err", err)
		}
	})
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		// Resubscribe on every (re)connect; paho does not replay
		// subscriptions made before a reconnect with a clean session.
		token := c.Subscribe(current.Topic, current.QoS, func(_ mqtt.Client, msg mqtt.Message) {
			_, _ = intake.Process(ctx, "mqtt:"+msg.Topic(), msg.Payload())
		})
		go func() {
			if token.Wait() && token.Error() != nil && logger != nil {
				logger.Error("mqtt subscribe failed", "topic", current.Topic, "err", token.Error())
			}
		}()
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}

	go func() {
		<-ctx.Done()
		client.Disconnect(250)
	}()
	return client, nil
}
