package control

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ConnConfig configures the broker connection.
type ConnConfig struct {
	Broker   string // tcp://host:1883
	ClientID string
	Timeout  time.Duration // default 5 seconds
	Logger   *slog.Logger
}

// Connect dials the broker. The client reconnects on its own after a drop.
func Connect(ctx context.Context, cfg ConnConfig) (mqtt.Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("control: mqtt connected", "broker", cfg.Broker, "client_id", cfg.ClientID)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("control: mqtt connection lost, reconnecting", "broker", cfg.Broker, "error", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if err := wait(ctx, token, cfg.Timeout); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("control: connect %s: %w", cfg.Broker, err)
	}
	return client, nil
}

// wait blocks until token completes, timeout passes or ctx is done.
func wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("timeout after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
