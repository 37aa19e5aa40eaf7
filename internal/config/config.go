// Package config loads the daemon configuration: transport, logging,
// metrics and the set of camera streams.
//
// Loading is defaults → YAML file (strict: unknown keys are errors) →
// Validate. A configuration that loads is safe to start from.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Source kinds.
const (
	SourceNATS      = "nats"
	SourceGStreamer = "gstreamer"
)

// Allocator kinds.
const (
	AllocatorHost = "host"
	AllocatorMmap = "mmap"
)

// Config is the root configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	NATS    NATSConfig    `yaml:"nats"`
	Control ControlConfig `yaml:"control"`

	// Source selects the frame transport for every camera: nats or gstreamer.
	Source string `yaml:"source"`

	// ReceiveTimeout bounds each blocking receive of the ingestion loop.
	ReceiveTimeout time.Duration `yaml:"receive_timeout"`

	// StopTimeout bounds how long Stop waits for the loop to exit.
	StopTimeout time.Duration `yaml:"stop_timeout"`

	Cameras []Camera `yaml:"cameras"`
}

// LogConfig configures slog.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Disabled  bool   `yaml:"disabled"`
	Listen    string `yaml:"listen"` // HTTP address for /metrics
	Namespace string `yaml:"namespace"`
}

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	URL            string        `yaml:"url"`
	Name           string        `yaml:"name"`
	ConnectRetries int           `yaml:"connect_retries"`
	PendingMsgs    int           `yaml:"pending_msgs"`
	ReconnectWait  time.Duration `yaml:"reconnect_wait"`
}

// Status payload encodings for the control plane.
const (
	FormatJSON    = "json"
	FormatMsgpack = "msgpack"
)

// ControlConfig configures the MQTT control plane.
type ControlConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"` // tcp://host:1883
	ClientID string `yaml:"client_id"`

	// TopicPrefix roots the control, response and status topics.
	TopicPrefix string `yaml:"topic_prefix"`

	StatusInterval time.Duration `yaml:"status_interval"`
	StatusFormat   string        `yaml:"status_format"` // json|msgpack
	QoS            byte          `yaml:"qos"`
}

// Camera configures one camera stream.
type Camera struct {
	Name   string `yaml:"name"`
	Sensor string `yaml:"sensor"`

	// Width, Height and Stride override the catalog geometry.
	Width  int `yaml:"width,omitempty"`
	Height int `yaml:"height,omitempty"`
	Stride int `yaml:"stride,omitempty"`

	FPS int `yaml:"fps"`

	// Slots is the frame pool size.
	Slots int `yaml:"slots"`

	// Allocator selects slot memory: host or mmap.
	Allocator string `yaml:"allocator"`

	// Subject is the NATS subject (default "camera.<name>").
	Subject string `yaml:"subject"`

	// RTSPURL is the stream for the gstreamer source.
	RTSPURL string `yaml:"rtsp_url"`
}

// Geometry resolves the sensor geometry, applying overrides.
func (c Camera) Geometry() (Sensor, error) {
	var s Sensor
	if c.Sensor != "" {
		var err error
		if s, err = LookupSensor(c.Sensor); err != nil {
			return Sensor{}, err
		}
	} else {
		s.Name = "custom"
	}

	if c.Width > 0 {
		s.Width = c.Width
	}
	if c.Height > 0 {
		s.Height = c.Height
	}
	if c.Stride > 0 {
		s.Stride = c.Stride
	}

	if s.Width <= 0 || s.Height <= 0 || s.Stride <= 0 {
		return Sensor{}, fmt.Errorf("config: camera %q: sensor or width/height/stride required", c.Name)
	}
	if s.Stride < s.Width {
		return Sensor{}, fmt.Errorf("config: camera %q: stride %d shorter than width %d", c.Name, s.Stride, s.Width)
	}
	return s, nil
}

// SlotSize is the byte capacity of each pool slot for this camera.
func (c Camera) SlotSize() int {
	s, err := c.Geometry()
	if err != nil {
		return 0
	}
	return s.FrameSize()
}

// Default returns the two-camera setup: rear imx298 at 20 fps and front
// ov8865 at 10 fps, fed from a local NATS server.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{
			Listen:    ":9464",
			Namespace: "visionbuf",
		},
		NATS: NATSConfig{
			URL:            "nats://127.0.0.1:4222",
			Name:           "visionbufd",
			ConnectRetries: 5,
			PendingMsgs:    4,
			ReconnectWait:  time.Second,
		},
		Control: ControlConfig{
			Broker:         "tcp://127.0.0.1:1883",
			ClientID:       "visionbufd",
			TopicPrefix:    "visionbuf/visionbufd",
			StatusInterval: 5 * time.Second,
			StatusFormat:   FormatJSON,
			QoS:            1,
		},
		Source:         SourceNATS,
		ReceiveTimeout: 100 * time.Millisecond,
		StopTimeout:    2 * time.Second,
		Cameras: []Camera{
			{Name: "rear", Sensor: "imx298", FPS: 20, Slots: 3, Allocator: AllocatorHost, Subject: "camera.rear"},
			{Name: "front", Sensor: "ov8865", FPS: 10, Slots: 3, Allocator: AllocatorHost, Subject: "camera.front"},
		},
	}
}

// Load reads path over the defaults and validates the result. An empty
// path returns the validated defaults.
func Load(path string) (Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}

	path = filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return Config{}, fmt.Errorf("config: unsupported format %q (only YAML supported)", ext)
	}

	// #nosec G304 -- path comes from the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result. A
// cameras list in the document replaces the default cameras.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc Config
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("config: strict parse: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("config: multiple documents or trailing content")
	}

	cfg.merge(doc)
	return cfg, cfg.Validate()
}

// merge overlays non-zero fields of doc.
func (c *Config) merge(doc Config) {
	if doc.Log.Level != "" {
		c.Log.Level = doc.Log.Level
	}
	if doc.Log.Format != "" {
		c.Log.Format = doc.Log.Format
	}
	if doc.Metrics.Disabled {
		c.Metrics.Disabled = true
	}
	if doc.Metrics.Listen != "" {
		c.Metrics.Listen = doc.Metrics.Listen
	}
	if doc.Metrics.Namespace != "" {
		c.Metrics.Namespace = doc.Metrics.Namespace
	}
	if doc.NATS.URL != "" {
		c.NATS.URL = doc.NATS.URL
	}
	if doc.NATS.Name != "" {
		c.NATS.Name = doc.NATS.Name
	}
	if doc.NATS.ConnectRetries != 0 {
		c.NATS.ConnectRetries = doc.NATS.ConnectRetries
	}
	if doc.NATS.PendingMsgs != 0 {
		c.NATS.PendingMsgs = doc.NATS.PendingMsgs
	}
	if doc.NATS.ReconnectWait != 0 {
		c.NATS.ReconnectWait = doc.NATS.ReconnectWait
	}
	if doc.Control.Enabled {
		c.Control.Enabled = true
	}
	if doc.Control.Broker != "" {
		c.Control.Broker = doc.Control.Broker
	}
	if doc.Control.ClientID != "" {
		c.Control.ClientID = doc.Control.ClientID
	}
	if doc.Control.TopicPrefix != "" {
		c.Control.TopicPrefix = strings.TrimSuffix(doc.Control.TopicPrefix, "/")
	}
	if doc.Control.StatusInterval != 0 {
		c.Control.StatusInterval = doc.Control.StatusInterval
	}
	if doc.Control.StatusFormat != "" {
		c.Control.StatusFormat = doc.Control.StatusFormat
	}
	if doc.Control.QoS != 0 {
		c.Control.QoS = doc.Control.QoS
	}
	if doc.Source != "" {
		c.Source = doc.Source
	}
	if doc.ReceiveTimeout != 0 {
		c.ReceiveTimeout = doc.ReceiveTimeout
	}
	if doc.StopTimeout != 0 {
		c.StopTimeout = doc.StopTimeout
	}
	if doc.Cameras != nil {
		c.Cameras = doc.Cameras
	}

	for i := range c.Cameras {
		cam := &c.Cameras[i]
		if cam.Slots == 0 {
			cam.Slots = 3
		}
		if cam.Allocator == "" {
			cam.Allocator = AllocatorHost
		}
		if cam.Subject == "" && cam.Name != "" {
			cam.Subject = "camera." + cam.Name
		}
	}
}

// Validate checks the configuration. All problems are reported together.
func (c Config) Validate() error {
	var errs []error

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q: want debug, info, warn or error", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want text or json", c.Log.Format))
	}

	switch c.Source {
	case SourceNATS:
		if c.NATS.URL == "" {
			errs = append(errs, errors.New("nats.url is required for the nats source"))
		}
	case SourceGStreamer:
	default:
		errs = append(errs, fmt.Errorf("source %q: want nats or gstreamer", c.Source))
	}

	if c.Control.Enabled {
		if c.Control.Broker == "" || c.Control.TopicPrefix == "" {
			errs = append(errs, errors.New("control: broker and topic_prefix are required when enabled"))
		}
		switch c.Control.StatusFormat {
		case FormatJSON, FormatMsgpack:
		default:
			errs = append(errs, fmt.Errorf("control.status_format %q: want json or msgpack", c.Control.StatusFormat))
		}
		if c.Control.QoS > 2 {
			errs = append(errs, fmt.Errorf("control.qos %d: want 0, 1 or 2", c.Control.QoS))
		}
	}

	if c.ReceiveTimeout <= 0 {
		errs = append(errs, errors.New("receive_timeout must be positive"))
	}
	if c.StopTimeout <= 0 {
		errs = append(errs, errors.New("stop_timeout must be positive"))
	}

	if len(c.Cameras) == 0 {
		errs = append(errs, errors.New("at least one camera is required"))
	}

	seen := make(map[string]bool, len(c.Cameras))
	for i, cam := range c.Cameras {
		if cam.Name == "" {
			errs = append(errs, fmt.Errorf("cameras[%d]: name is required", i))
			continue
		}
		if seen[cam.Name] {
			errs = append(errs, fmt.Errorf("cameras[%d]: duplicate name %q", i, cam.Name))
		}
		seen[cam.Name] = true

		if _, err := cam.Geometry(); err != nil {
			errs = append(errs, err)
		}
		if cam.FPS <= 0 {
			errs = append(errs, fmt.Errorf("camera %q: fps must be positive", cam.Name))
		}
		if cam.Slots < 1 {
			errs = append(errs, fmt.Errorf("camera %q: slots must be at least 1", cam.Name))
		}
		switch cam.Allocator {
		case AllocatorHost, AllocatorMmap:
		default:
			errs = append(errs, fmt.Errorf("camera %q: allocator %q: want host or mmap", cam.Name, cam.Allocator))
		}
		if c.Source == SourceGStreamer && cam.RTSPURL == "" {
			errs = append(errs, fmt.Errorf("camera %q: rtsp_url is required for the gstreamer source", cam.Name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid: %w", errors.Join(errs...))
	}
	return nil
}
