package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "DETECTION"

type CameraConfig struct {
	ID                string
	Index             int
	FallbackIndices   []int
	Width             int
	Height            int
	FPS               int
	Device            string
	ReconnectDelay    time.Duration
	ReconnectAttempts int
	ReadRetryBudget   int
}

type DetectionConfig struct {
	DisplayThreshold float64
	AlertThreshold   float64
}

type DetectorConfig struct {
	Backend    string
	URL        string
	Timeout    time.Duration
	ClassNames []string
}

type AlertConfig struct {
	BackendURL   string
	Cooldown     time.Duration
	Timeout      time.Duration
	IncludeImage bool
	ImageQuality int
	Async        bool
	QueueSize    int
	AuthSecret   string
	Register     bool
}

type StreamConfig struct {
	Addr             string
	Interval         time.Duration
	DefaultQuality   string
	MaxWebRTCClients int
	STUNServers      []string
}

type RecordingConfig struct {
	Path string
}

type NATSConfig struct {
	URL               string
	SubjectPrefix     string
	HeartbeatInterval time.Duration
}

type StorageConfig struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Bucket        string
	Region        string
	PublicBaseURL string
}

type LogConfig struct {
	Level string
	Color bool
}

type Config struct {
	Environment string
	Log         LogConfig
	Camera      CameraConfig
	Detection   DetectionConfig
	Detector    DetectorConfig
	Alert       AlertConfig
	Stream      StreamConfig
	Recording   RecordingConfig
	NATS        NATSConfig
	Storage     StorageConfig
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.color", true)

	v.SetDefault("camera.id", "webcam-01")
	v.SetDefault("camera.index", 0)
	v.SetDefault("camera.fallback_indices", []int{0, 1, 2})
	v.SetDefault("camera.width", 640)
	v.SetDefault("camera.height", 480)
	v.SetDefault("camera.fps", 30)
	v.SetDefault("camera.device", "opencv")
	v.SetDefault("camera.reconnect_delay", 2*time.Second)
	v.SetDefault("camera.reconnect_attempts", 3)
	v.SetDefault("camera.read_retry_budget", 5)

	v.SetDefault("detection.display_threshold", 0.5)
	v.SetDefault("detection.alert_threshold", 0.7)

	v.SetDefault("detector.backend", "http")
	v.SetDefault("detector.url", "http://localhost:8500/predict")
	v.SetDefault("detector.timeout", 2*time.Second)
	v.SetDefault("detector.class_names", []string{"gun", "knife"})

	v.SetDefault("alert.backend_url", "http://localhost:8000")
	v.SetDefault("alert.cooldown", 10*time.Second)
	v.SetDefault("alert.timeout", 5*time.Second)
	v.SetDefault("alert.include_image", true)
	v.SetDefault("alert.image_quality", 70)
	v.SetDefault("alert.async", true)
	v.SetDefault("alert.queue_size", 8)
	v.SetDefault("alert.auth_secret", "")
	v.SetDefault("alert.register", true)

	v.SetDefault("stream.addr", ":5000")
	v.SetDefault("stream.interval", 33*time.Millisecond)
	v.SetDefault("stream.default_quality", "auto")
	v.SetDefault("stream.max_webrtc_clients", 10)
	v.SetDefault("stream.stun_servers", []string{"stun:stun.l.google.com:19302"})

	v.SetDefault("recording.path", "./recordings")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", "alertmatrix")
	v.SetDefault("nats.heartbeat_interval", 15*time.Second)

	v.SetDefault("storage.region", "auto")
}

// NewFlagSet declares the command-line overrides. Every flag is bound to a
// config key, so the same option can come from a file, the environment or
// the command line.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "Path to a config file (yaml, json or toml)")
	fs.String("camera-id", "webcam-01", "Camera identifier reported to the backend")
	fs.Int("camera-index", 0, "Preferred camera device index")
	fs.String("device", "opencv", "Capture device backend (opencv, testpattern)")
	fs.Float64("confidence", 0.5, "Display threshold for detections")
	fs.Float64("alert-threshold", 0.7, "Confidence required to send an alert")
	fs.Duration("cooldown", 10*time.Second, "Minimum time between alerts of the same type")
	fs.String("backend-url", "http://localhost:8000", "Alert backend base URL")
	fs.String("detector-url", "http://localhost:8500/predict", "Detector endpoint")
	fs.String("addr", ":5000", "Streaming server listen address")
	fs.String("log-level", "info", "Log level (debug, info, warn, error, silent)")
	fs.Bool("log-color", true, "Enable console log output instead of JSON")
	return fs
}

var flagKeys = map[string]string{
	"camera-id":       "camera.id",
	"camera-index":    "camera.index",
	"device":          "camera.device",
	"confidence":      "detection.display_threshold",
	"alert-threshold": "detection.alert_threshold",
	"cooldown":        "alert.cooldown",
	"backend-url":     "alert.backend_url",
	"detector-url":    "detector.url",
	"addr":            "stream.addr",
	"log-level":       "log.level",
	"log-color":       "log.color",
}

// Load resolves configuration from defaults, an optional config file,
// DETECTION_* environment variables and the given command-line args.
func Load(args []string) (*Config, error) {
	fs := NewFlagSet("detection-service")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return LoadFlags(fs)
}

// LoadFlags is Load for an already parsed flag set.
func LoadFlags(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for flagName, key := range flagKeys {
		if f := fs.Lookup(flagName); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", flagName, err)
			}
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configFile, _ := fs.GetString("config")
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("detection-service")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	fallback, err := intList(v, "camera.fallback_indices")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Environment: v.GetString("app.env"),
		Log: LogConfig{
			Level: v.GetString("log.level"),
			Color: v.GetBool("log.color"),
		},
		Camera: CameraConfig{
			ID:                strings.TrimSpace(v.GetString("camera.id")),
			Index:             v.GetInt("camera.index"),
			FallbackIndices:   fallback,
			Width:             v.GetInt("camera.width"),
			Height:            v.GetInt("camera.height"),
			FPS:               v.GetInt("camera.fps"),
			Device:            strings.ToLower(v.GetString("camera.device")),
			ReconnectDelay:    v.GetDuration("camera.reconnect_delay"),
			ReconnectAttempts: v.GetInt("camera.reconnect_attempts"),
			ReadRetryBudget:   v.GetInt("camera.read_retry_budget"),
		},
		Detection: DetectionConfig{
			DisplayThreshold: v.GetFloat64("detection.display_threshold"),
			AlertThreshold:   v.GetFloat64("detection.alert_threshold"),
		},
		Detector: DetectorConfig{
			Backend:    strings.ToLower(v.GetString("detector.backend")),
			URL:        v.GetString("detector.url"),
			Timeout:    v.GetDuration("detector.timeout"),
			ClassNames: stringList(v, "detector.class_names"),
		},
		Alert: AlertConfig{
			BackendURL:   strings.TrimRight(strings.TrimSpace(v.GetString("alert.backend_url")), "/"),
			Cooldown:     v.GetDuration("alert.cooldown"),
			Timeout:      v.GetDuration("alert.timeout"),
			IncludeImage: v.GetBool("alert.include_image"),
			ImageQuality: v.GetInt("alert.image_quality"),
			Async:        v.GetBool("alert.async"),
			QueueSize:    v.GetInt("alert.queue_size"),
			AuthSecret:   v.GetString("alert.auth_secret"),
			Register:     v.GetBool("alert.register"),
		},
		Stream: StreamConfig{
			Addr:             v.GetString("stream.addr"),
			Interval:         v.GetDuration("stream.interval"),
			DefaultQuality:   v.GetString("stream.default_quality"),
			MaxWebRTCClients: v.GetInt("stream.max_webrtc_clients"),
			STUNServers:      stringList(v, "stream.stun_servers"),
		},
		Recording: RecordingConfig{
			Path: v.GetString("recording.path"),
		},
		NATS: NATSConfig{
			URL:               strings.TrimSpace(v.GetString("nats.url")),
			SubjectPrefix:     strings.TrimSuffix(v.GetString("nats.subject_prefix"), "."),
			HeartbeatInterval: v.GetDuration("nats.heartbeat_interval"),
		},
		Storage: StorageConfig{
			Endpoint:      strings.TrimSpace(v.GetString("storage.endpoint")),
			AccessKey:     strings.TrimSpace(v.GetString("storage.access_key")),
			SecretKey:     strings.TrimSpace(v.GetString("storage.secret_key")),
			Bucket:        strings.TrimSpace(v.GetString("storage.bucket")),
			Region:        strings.TrimSpace(v.GetString("storage.region")),
			PublicBaseURL: strings.TrimRight(strings.TrimSpace(v.GetString("storage.public_base_url")), "/"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and the relationship between the two thresholds.
func (c *Config) Validate() error {
	d := c.Detection
	if d.DisplayThreshold < 0 || d.DisplayThreshold > 1 {
		return fmt.Errorf("detection.display_threshold must be within [0,1], got %v", d.DisplayThreshold)
	}
	if d.AlertThreshold < 0 || d.AlertThreshold > 1 {
		return fmt.Errorf("detection.alert_threshold must be within [0,1], got %v", d.AlertThreshold)
	}
	if d.AlertThreshold <= d.DisplayThreshold {
		return fmt.Errorf("detection.alert_threshold (%v) must be greater than detection.display_threshold (%v)",
			d.AlertThreshold, d.DisplayThreshold)
	}
	if c.Camera.ID == "" {
		return errors.New("camera.id is required")
	}
	switch c.Camera.Device {
	case "opencv", "testpattern":
	default:
		return fmt.Errorf("camera.device must be opencv or testpattern, got %q", c.Camera.Device)
	}
	switch c.Detector.Backend {
	case "http", "static":
	default:
		return fmt.Errorf("detector.backend must be http or static, got %q", c.Detector.Backend)
	}
	if len(c.Detector.ClassNames) == 0 {
		return errors.New("detector.class_names must not be empty")
	}
	if c.Alert.BackendURL == "" {
		return errors.New("alert.backend_url is required")
	}
	if c.Alert.Cooldown <= 0 {
		return fmt.Errorf("alert.cooldown must be >0, got %s", c.Alert.Cooldown)
	}
	if c.Alert.Timeout <= 0 {
		return fmt.Errorf("alert.timeout must be >0, got %s", c.Alert.Timeout)
	}
	if c.Alert.ImageQuality < 1 || c.Alert.ImageQuality > 100 {
		return fmt.Errorf("alert.image_quality must be within [1,100], got %d", c.Alert.ImageQuality)
	}
	if c.Stream.Interval <= 0 {
		return fmt.Errorf("stream.interval must be >0, got %s", c.Stream.Interval)
	}
	if c.Detector.Timeout <= 0 {
		return fmt.Errorf("detector.timeout must be >0, got %s", c.Detector.Timeout)
	}
	if c.Camera.ReconnectDelay < 0 {
		return fmt.Errorf("camera.reconnect_delay cannot be negative")
	}
	return nil
}

// ClassNames maps detector class indices to names.
func (c *Config) ClassNames() map[int]string {
	names := make(map[int]string, len(c.Detector.ClassNames))
	for i, n := range c.Detector.ClassNames {
		names[i] = n
	}
	return names
}

// stringList accepts both list values and comma separated strings (the
// shape an environment variable arrives in).
func stringList(v *viper.Viper, key string) []string {
	var parts []string
	switch raw := v.Get(key).(type) {
	case string:
		parts = strings.Split(raw, ",")
	default:
		parts = v.GetStringSlice(key)
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func intList(v *viper.Viper, key string) ([]int, error) {
	var items []string
	switch raw := v.Get(key).(type) {
	case []int:
		return append([]int(nil), raw...), nil
	case []any:
		for _, item := range raw {
			items = append(items, strings.TrimSpace(fmt.Sprint(item)))
		}
	default:
		items = stringList(v, key)
	}

	var out []int
	for _, s := range items {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid index %q", key, s)
		}
		out = append(out, n)
	}
	return out, nil
}
