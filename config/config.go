// Package config loads the application configuration from YAML.
package config

import (
	"image"
	"os"
	"strings"
	"time"

	"github.com/TheCacophonyProject/window"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"

	"github.com/nvr-ai/intrusion-warning/alert"
	"github.com/nvr-ai/intrusion-warning/dispatch"
)

// Config is the full application configuration. It is loaded once at startup
// and passed by value to the components that need it.
type Config struct {
	Camera    CameraConfig    `yaml:"camera"`
	Region    RegionConfig    `yaml:"region"`
	Detector  DetectorConfig  `yaml:"detector"`
	Alert     alert.Config    `yaml:"alert"`
	Dispatch  dispatch.Config `yaml:"dispatch"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Storage   StorageConfig   `yaml:"storage"`
	Chat      ChatConfig      `yaml:"chat"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	HTTP      HTTPConfig      `yaml:"http"`
	DBus      DBusConfig      `yaml:"dbus"`
	Log       LogConfig       `yaml:"log"`
}

// CameraConfig selects the frame source. Video and Images take precedence over Device.
type CameraConfig struct {
	Device     int     `yaml:"device"`
	Video      string  `yaml:"video"`
	Images     string  `yaml:"images"`
	Width      int     `yaml:"width"`
	Height     int     `yaml:"height"`
	FPS        float64 `yaml:"fps"`
	Mirror     bool    `yaml:"mirror"`
	ShowWindow bool    `yaml:"show-window"`
	WindowName string  `yaml:"window-name"`
}

// RegionConfig presets the monitored polygon, for headless runs. Points are
// [x, y] pairs in frame coordinates; the region is finalized at startup.
type RegionConfig struct {
	Points [][]int `yaml:"points"`
}

// Polygon returns the preset vertices.
func (r RegionConfig) Polygon() []image.Point {
	out := make([]image.Point, 0, len(r.Points))
	for _, p := range r.Points {
		out = append(out, image.Pt(p[0], p[1]))
	}
	return out
}

// DetectorConfig describes the model assets and thresholds.
type DetectorConfig struct {
	// Backend is "darknet" (OpenCV DNN) or "onnx" (ONNX Runtime).
	Backend     string  `yaml:"backend"`
	Weights     string  `yaml:"weights"`
	Topology    string  `yaml:"topology"`
	ClassNames  string  `yaml:"class-names"`
	InputSize   int     `yaml:"input-size"`
	Confidence  float32 `yaml:"confidence"`
	NMS         float32 `yaml:"nms"`
	TargetClass string  `yaml:"target-class"`
	// OnnxLibrary is the path to the onnxruntime shared library.
	OnnxLibrary string `yaml:"onnx-library"`
	Threads     int    `yaml:"threads"`
	// Letterbox keeps the frame aspect ratio when resizing for the onnx
	// backend. The darknet backend always stretches.
	Letterbox bool `yaml:"letterbox"`
	// Provider selects the ONNX Runtime execution provider: cpu, cuda, coreml
	// or openvino. ProviderOptions are passed to it verbatim.
	Provider        string            `yaml:"provider"`
	ProviderOptions map[string]string `yaml:"provider-options"`
}

// TelemetryConfig holds the MQTT broker settings.
type TelemetryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Broker         string        `yaml:"broker"`
	Port           int           `yaml:"port"`
	TopicRoot      string        `yaml:"topic-root"`
	Token          string        `yaml:"token"`
	DeviceID       string        `yaml:"device-id"`
	ClientID       string        `yaml:"client-id"`
	QoS            byte          `yaml:"qos"`
	ConnectTimeout time.Duration `yaml:"connect-timeout"`
	RetryInterval  time.Duration `yaml:"retry-interval"`
	// Required makes a failed initial connection fatal.
	Required bool `yaml:"required"`
}

// StorageConfig holds the Google Drive upload settings.
type StorageConfig struct {
	Enabled         bool   `yaml:"enabled"`
	CredentialsFile string `yaml:"credentials-file"`
	FolderID        string `yaml:"folder-id"`
	ClassName       string `yaml:"class-name"`
	SiteID          string `yaml:"site-id"`
	Endpoint        string `yaml:"endpoint"`
}

// ChatConfig holds the Telegram bot settings.
type ChatConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Token    string  `yaml:"token"`
	ChatID   int64   `yaml:"chat-id"`
	Caption  string  `yaml:"caption"`
	Endpoint string  `yaml:"endpoint"`
	Rate     float64 `yaml:"rate"`
}

// SnapshotConfig controls the local alert snapshots.
type SnapshotConfig struct {
	Dir     string  `yaml:"dir"`
	Scale   float64 `yaml:"scale"`
	Quality int     `yaml:"quality"`
}

// ScheduleConfig limits monitoring to a time of day window. Equal start and
// end (including both unset) means always active.
type ScheduleConfig struct {
	Start window.TimeOfDay `yaml:"start"`
	End   window.TimeOfDay `yaml:"end"`
}

// Window builds the schedule window.
func (s ScheduleConfig) Window() *window.Window {
	return window.New(s.Start.Time, s.End.Time)
}

// HTTPConfig enables the status and metrics server when Address is set.
type HTTPConfig struct {
	Address string `yaml:"address"`
}

// DBusConfig enables the D-Bus control service.
type DBusConfig struct {
	Enabled bool `yaml:"enabled"`
	// Session uses the session bus instead of the system bus.
	Session bool `yaml:"session"`
}

// LogConfig controls logrus output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

var defaultConfig = Config{
	Camera: CameraConfig{
		Device:     0,
		Width:      1280,
		Height:     720,
		FPS:        30,
		Mirror:     true,
		ShowWindow: true,
		WindowName: "Intrusion Warning",
	},
	Detector: DetectorConfig{
		Backend:     "darknet",
		Weights:     "model/yolov4-tiny.weights",
		Topology:    "model/yolov4-tiny.cfg",
		ClassNames:  "model/classes.names",
		InputSize:   416,
		Confidence:  0.5,
		NMS:         0.4,
		TargetClass: "person",
		Threads:     2,
	},
	Alert:    alert.DefaultConfig(),
	Dispatch: dispatch.DefaultConfig(),
	Telemetry: TelemetryConfig{
		Enabled:        false,
		Broker:         "mqtt1.eoh.io",
		Port:           1883,
		TopicRoot:      "eoh/chip",
		QoS:            1,
		ConnectTimeout: 5 * time.Second,
		RetryInterval:  10 * time.Second,
	},
	Storage: StorageConfig{
		ClassName: "human",
		SiteID:    "21040202",
	},
	Chat: ChatConfig{
		Caption: "⚠️ Có xâm nhập, nguy hiểm!",
		Rate:    1,
	},
	Snapshot: SnapshotConfig{
		Dir:     "snapshots",
		Scale:   0.2,
		Quality: 90,
	},
	Log: LogConfig{
		Level:  "info",
		Format: "text",
	},
}

// Default returns the built-in configuration.
func Default() Config {
	return defaultConfig
}

// Load reads a YAML file over the defaults and validates the result. An empty
// path returns the validated defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		conf := Default()
		return &conf, conf.Validate()
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	return Parse(buf)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(buf []byte) (*Config, error) {
	conf := Default()
	if err := yaml.UnmarshalStrict(buf, &conf); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

// Validate checks the configuration for values the application cannot run with.
func (c *Config) Validate() error {
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return errors.New("camera width and height must be positive")
	}

	if len(c.Region.Points) > 0 {
		if len(c.Region.Points) < 3 {
			return errors.New("region.points needs at least 3 vertices")
		}
		for i, p := range c.Region.Points {
			if len(p) != 2 {
				return errors.Errorf("region.points[%d] must be an [x, y] pair", i)
			}
		}
	}

	switch c.Detector.Backend {
	case "darknet":
		if c.Detector.Topology == "" {
			return errors.New("darknet backend needs detector.topology")
		}
		if c.Detector.Letterbox {
			return errors.New("detector.letterbox needs the onnx backend")
		}
	case "onnx":
		switch c.Detector.Provider {
		case "", "cpu", "cuda", "coreml", "openvino":
		default:
			return errors.Errorf("unknown detector.provider %q", c.Detector.Provider)
		}
	default:
		return errors.Errorf("unknown detector backend %q", c.Detector.Backend)
	}
	if c.Detector.Weights == "" || c.Detector.ClassNames == "" {
		return errors.New("detector.weights and detector.class-names are required")
	}
	if c.Detector.InputSize <= 0 || c.Detector.InputSize%32 != 0 {
		return errors.Errorf("detector.input-size %d must be a positive multiple of 32", c.Detector.InputSize)
	}
	if c.Detector.Confidence < 0 || c.Detector.Confidence > 1 {
		return errors.New("detector.confidence must be within [0, 1]")
	}
	if c.Detector.NMS < 0 || c.Detector.NMS > 1 {
		return errors.New("detector.nms must be within [0, 1]")
	}
	if c.Detector.TargetClass == "" {
		return errors.New("detector.target-class is required")
	}

	if c.Alert.AlertCooldown < 0 || c.Alert.CountPublishInterval < 0 {
		return errors.New("alert intervals must not be negative")
	}
	if c.Dispatch.QueueSize <= 0 || c.Dispatch.Workers <= 0 {
		return errors.New("dispatch queue-size and workers must be positive")
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Broker == "" || c.Telemetry.Token == "" || c.Telemetry.DeviceID == "" {
			return errors.New("telemetry needs broker, token and device-id")
		}
		if c.Telemetry.QoS > 2 {
			return errors.Errorf("telemetry.qos %d out of range", c.Telemetry.QoS)
		}
	}
	if c.Storage.Enabled && (c.Storage.CredentialsFile == "" || c.Storage.FolderID == "") {
		return errors.New("storage needs credentials-file and folder-id")
	}
	if c.Chat.Enabled && (c.Chat.Token == "" || c.Chat.ChatID == 0) {
		return errors.New("chat needs token and chat-id")
	}
	if c.Chat.Rate <= 0 {
		return errors.New("chat.rate must be positive")
	}
	if c.Snapshot.Scale <= 0 || c.Snapshot.Scale > 1 {
		return errors.New("snapshot.scale must be within (0, 1]")
	}
	if c.Snapshot.Quality < 1 || c.Snapshot.Quality > 100 {
		return errors.New("snapshot.quality must be within [1, 100]")
	}

	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "log.level")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return errors.Errorf("unknown log format %q", c.Log.Format)
	}

	return nil
}

// Mask hides all but the first and last four characters of a secret.
func Mask(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + strings.Repeat("*", len(secret)-8) + secret[len(secret)-4:]
}
