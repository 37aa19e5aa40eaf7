package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// publishTimeout bounds each publish and (un)subscribe round trip.
const publishTimeout = 2 * time.Second

// client is the part of mqtt.Client the handler uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

// Callbacks connect commands to the streams they act on.
type Callbacks struct {
	Status func() []StreamStatus
	Start  func(ctx context.Context, camera string) error
	Stop   func(camera string) error
}

// Config configures a Handler.
type Config struct {
	Instance       string // reported in status messages
	TopicPrefix    string
	QoS            byte
	StatusInterval time.Duration // 0 disables periodic status
	StatusFormat   string
	Logger         *slog.Logger
}

// Handler subscribes to the control topic, executes commands and publishes
// periodic status.
type Handler struct {
	client client
	cfg    Config
	cb     Callbacks
	logger *slog.Logger

	commands chan queued

	executed atomic.Uint64
	failed   atomic.Uint64
	dropped  atomic.Uint64
}

// NewHandler creates a handler on an established client.
func NewHandler(c client, cfg Config, cb Callbacks) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		client:   c,
		cfg:      cfg,
		cb:       cb,
		logger:   cfg.Logger,
		commands: make(chan queued, 10),
	}
}

func (h *Handler) controlTopic() string  { return h.cfg.TopicPrefix + "/control" }
func (h *Handler) responseTopic() string { return h.cfg.TopicPrefix + "/control/response" }
func (h *Handler) statusTopic() string   { return h.cfg.TopicPrefix + "/status" }

// Run subscribes and serves commands until ctx is done.
func (h *Handler) Run(ctx context.Context) error {
	topic := h.controlTopic()
	if err := wait(ctx, h.client.Subscribe(topic, h.cfg.QoS, h.onMessage), publishTimeout); err != nil {
		return fmt.Errorf("control: subscribe %s: %w", topic, err)
	}
	h.logger.Info("control: listening", "topic", topic, "status_topic", h.statusTopic())

	defer func() {
		// ctx is already done here; unsubscribe on a fresh deadline.
		if err := wait(context.Background(), h.client.Unsubscribe(topic), publishTimeout); err != nil {
			h.logger.Warn("control: unsubscribe failed", "error", err)
		}
	}()

	var tick <-chan time.Time
	if h.cfg.StatusInterval > 0 {
		t := time.NewTicker(h.cfg.StatusInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case q := <-h.commands:
			if q.invalid {
				h.respond(Response{CommandAck: "unknown", Status: "error", Error: "invalid JSON"})
				continue
			}
			h.respond(h.Execute(ctx, q.cmd))
		case <-tick:
			if err := h.PublishStatus(); err != nil {
				h.logger.Warn("control: status publish failed", "error", err)
			}
		}
	}
}

// queued is a parsed command, or a payload that failed to parse and
// still needs an error response.
type queued struct {
	cmd     Command
	invalid bool
}

// onMessage runs on the client's delivery goroutine and never blocks it.
func (h *Handler) onMessage(_ mqtt.Client, msg mqtt.Message) {
	h.enqueue(msg.Payload())
}

// enqueue parses payload and queues it for Run. Responses, including the
// one for invalid JSON, are published from Run.
func (h *Handler) enqueue(payload []byte) {
	var q queued
	if err := json.Unmarshal(payload, &q.cmd); err != nil {
		h.logger.Warn("control: invalid command", "error", err)
		q = queued{cmd: Command{Command: "unknown"}, invalid: true}
	}
	select {
	case h.commands <- q:
	default:
		h.dropped.Add(1)
		h.logger.Warn("control: command queue full, dropping", "command", q.cmd.Command)
	}
}

var errNoCamera = errors.New("camera is required")

// Execute runs one command and builds its response.
func (h *Handler) Execute(ctx context.Context, cmd Command) Response {
	resp := Response{CommandAck: cmd.Command, Camera: cmd.Camera, Status: "ok"}

	var err error
	switch cmd.Command {
	case "status":
		resp.Data = h.status()
	case "start":
		err = h.withCamera(cmd, func() error { return h.cb.Start(ctx, cmd.Camera) })
	case "stop":
		err = h.withCamera(cmd, func() error { return h.cb.Stop(cmd.Camera) })
	case "restart":
		err = h.withCamera(cmd, func() error {
			if err := h.cb.Stop(cmd.Camera); err != nil {
				return err
			}
			return h.cb.Start(ctx, cmd.Camera)
		})
	default:
		err = fmt.Errorf("unknown command %q", cmd.Command)
	}

	h.executed.Add(1)
	if err != nil {
		h.failed.Add(1)
		resp.Status = "error"
		resp.Error = err.Error()
		h.logger.Warn("control: command failed", "command", cmd.Command, "camera", cmd.Camera, "error", err)
	} else {
		h.logger.Info("control: command executed", "command", cmd.Command, "camera", cmd.Camera)
	}
	return resp
}

func (h *Handler) withCamera(cmd Command, fn func() error) error {
	if cmd.Camera == "" {
		return errNoCamera
	}
	return fn()
}

func (h *Handler) status() []StreamStatus {
	if h.cb.Status == nil {
		return nil
	}
	return h.cb.Status()
}

func (h *Handler) respond(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339)
	payload, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("control: marshal response", "error", err)
		return
	}
	if err := h.publish(h.responseTopic(), payload); err != nil {
		h.logger.Warn("control: response publish failed", "command", resp.CommandAck, "error", err)
	}
}

// PublishStatus publishes one status report.
func (h *Handler) PublishStatus() error {
	payload, err := EncodeStatus(h.cfg.StatusFormat, StatusReport{
		Instance:  h.cfg.Instance,
		Timestamp: time.Now().UnixMilli(),
		Streams:   h.status(),
	})
	if err != nil {
		return err
	}
	return h.publish(h.statusTopic(), payload)
}

func (h *Handler) publish(topic string, payload []byte) error {
	return wait(context.Background(), h.client.Publish(topic, h.cfg.QoS, false, payload), publishTimeout)
}

// Stats reports command counters.
func (h *Handler) Stats() (executed, failed, dropped uint64) {
	return h.executed.Load(), h.failed.Load(), h.dropped.Load()
}
