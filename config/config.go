package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/hashicorp/go-multierror"
)

// Capture sources
const (
	SourcePattern = "pattern"
	SourceFFmpeg  = "ffmpeg"
	SourceRTMP    = "rtmp"
)

// Storage backends
const (
	StorageLocal = "local"
	StorageGCS   = "gcs"
)

// Config holds all application configuration
type Config struct {
	// HTTP Server
	HTTPAddr   string `yaml:"http_addr"`
	PublicHost string `yaml:"public_host"` // host publishers and browsers reach us on

	// RTMP camera ingest
	RTMPAddr         string `yaml:"rtmp_addr"`
	RTMPStreamKey    string `yaml:"rtmp_stream_key"`
	RTMPRequireToken bool   `yaml:"rtmp_require_token"`

	// Capture
	CaptureSource      string   `yaml:"capture_source"`
	CaptureInputFormat string   `yaml:"capture_input_format"`
	CaptureDevices     []string `yaml:"capture_devices"`
	CaptureAudioDevice string   `yaml:"capture_audio_device"`
	CaptureWidth       int      `yaml:"capture_width"`
	CaptureHeight      int      `yaml:"capture_height"`
	CaptureFPS         float64  `yaml:"capture_fps"`
	AudioSampleRate    int      `yaml:"audio_sample_rate"`
	AudioChannels      int      `yaml:"audio_channels"`

	// Recording
	RecordAudio      bool          `yaml:"record_audio"`
	RecordingDir     string        `yaml:"recording_dir"`
	VideoCodec       string        `yaml:"video_codec"`
	VideoBitrate     string        `yaml:"video_bitrate"`
	AudioCodec       string        `yaml:"audio_codec"`
	AudioBitrate     string        `yaml:"audio_bitrate"`
	EncoderQueueSize int           `yaml:"encoder_queue_size"`
	RouterQueueSize  int           `yaml:"router_queue_size"`
	FinalizeTimeout  time.Duration `yaml:"finalize_timeout"`
	FFmpegPath       string        `yaml:"ffmpeg_path"`

	// Storage
	StorageType      string `yaml:"storage_type"`
	StorageDir       string `yaml:"storage_dir"`
	GCSProjectID     string `yaml:"gcs_project_id"`
	GCSBucketName    string `yaml:"gcs_bucket_name"`
	GCSBaseDir       string `yaml:"gcs_base_dir"`
	PhotoJPEGQuality int    `yaml:"photo_jpeg_quality"`

	// Auth
	DefaultTokenExpiration time.Duration `yaml:"default_token_expiration"`
	MaxTokenExpiration     time.Duration `yaml:"max_token_expiration"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text or json
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		HTTPAddr:               ":8080",
		PublicHost:             "localhost",
		RTMPAddr:               ":1935",
		RTMPStreamKey:          "camera",
		CaptureSource:          SourcePattern,
		CaptureWidth:           1280,
		CaptureHeight:          720,
		CaptureFPS:             30,
		AudioSampleRate:        48000,
		AudioChannels:          1,
		RecordAudio:            true,
		RecordingDir:           "./data/recordings",
		VideoCodec:             "libx264",
		AudioCodec:             "aac",
		AudioBitrate:           "128k",
		EncoderQueueSize:       30,
		RouterQueueSize:        8,
		FinalizeTimeout:        30 * time.Second,
		FFmpegPath:             "ffmpeg",
		StorageType:            StorageLocal,
		StorageDir:             "./data/media",
		PhotoJPEGQuality:       90,
		DefaultTokenExpiration: 1 * time.Hour,
		MaxTokenExpiration:     24 * time.Hour,
		LogLevel:               "info",
		LogFormat:              "text",
	}
}

// Load builds the configuration from defaults, the optional YAML file named by
// CONFIG_FILE, and environment variables, in increasing precedence.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.PublicHost = getEnv("PUBLIC_HOST", c.PublicHost)

	c.RTMPAddr = getEnv("RTMP_ADDR", c.RTMPAddr)
	c.RTMPStreamKey = getEnv("RTMP_STREAM_KEY", c.RTMPStreamKey)
	c.RTMPRequireToken = getBoolEnv("RTMP_REQUIRE_TOKEN", c.RTMPRequireToken)

	c.CaptureSource = getEnv("CAPTURE_SOURCE", c.CaptureSource)
	c.CaptureInputFormat = getEnv("CAPTURE_INPUT_FORMAT", c.CaptureInputFormat)
	c.CaptureDevices = getListEnv("CAPTURE_DEVICES", c.CaptureDevices)
	c.CaptureAudioDevice = getEnv("CAPTURE_AUDIO_DEVICE", c.CaptureAudioDevice)
	c.CaptureWidth = getIntEnv("CAPTURE_WIDTH", c.CaptureWidth)
	c.CaptureHeight = getIntEnv("CAPTURE_HEIGHT", c.CaptureHeight)
	c.CaptureFPS = getFloatEnv("CAPTURE_FPS", c.CaptureFPS)
	c.AudioSampleRate = getIntEnv("AUDIO_SAMPLE_RATE", c.AudioSampleRate)
	c.AudioChannels = getIntEnv("AUDIO_CHANNELS", c.AudioChannels)

	c.RecordAudio = getBoolEnv("RECORD_AUDIO", c.RecordAudio)
	c.RecordingDir = getEnv("RECORDING_DIR", c.RecordingDir)
	c.VideoCodec = getEnv("VIDEO_CODEC", c.VideoCodec)
	c.VideoBitrate = getEnv("VIDEO_BITRATE", c.VideoBitrate)
	c.AudioCodec = getEnv("AUDIO_CODEC", c.AudioCodec)
	c.AudioBitrate = getEnv("AUDIO_BITRATE", c.AudioBitrate)
	c.EncoderQueueSize = getIntEnv("ENCODER_QUEUE_SIZE", c.EncoderQueueSize)
	c.RouterQueueSize = getIntEnv("ROUTER_QUEUE_SIZE", c.RouterQueueSize)
	c.FinalizeTimeout = getDurationEnv("FINALIZE_TIMEOUT", c.FinalizeTimeout)
	c.FFmpegPath = getEnv("FFMPEG_PATH", c.FFmpegPath)

	c.StorageType = getEnv("STORAGE_TYPE", c.StorageType)
	c.StorageDir = getEnv("STORAGE_DIR", c.StorageDir)
	c.GCSProjectID = getEnv("GCS_PROJECT_ID", c.GCSProjectID)
	c.GCSBucketName = getEnv("GCS_BUCKET_NAME", c.GCSBucketName)
	c.GCSBaseDir = getEnv("GCS_BASE_DIR", c.GCSBaseDir)
	c.PhotoJPEGQuality = getIntEnv("PHOTO_JPEG_QUALITY", c.PhotoJPEGQuality)

	c.DefaultTokenExpiration = getDurationEnv("DEFAULT_TOKEN_EXPIRATION", c.DefaultTokenExpiration)
	c.MaxTokenExpiration = getDurationEnv("MAX_TOKEN_EXPIRATION", c.MaxTokenExpiration)

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
}

// Validate reports settings that cannot work together
func (c *Config) Validate() error {
	var errs *multierror.Error

	switch c.CaptureSource {
	case SourcePattern, SourceRTMP:
	case SourceFFmpeg:
		if c.CaptureInputFormat == "" {
			errs = multierror.Append(errs, errors.New("CAPTURE_INPUT_FORMAT must be set when CAPTURE_SOURCE=ffmpeg"))
		}
		if len(c.CaptureDevices) == 0 {
			errs = multierror.Append(errs, errors.New("CAPTURE_DEVICES must be set when CAPTURE_SOURCE=ffmpeg"))
		}
	default:
		errs = multierror.Append(errs, fmt.Errorf("unknown CAPTURE_SOURCE %q", c.CaptureSource))
	}

	switch c.StorageType {
	case StorageLocal:
	case StorageGCS:
		if c.GCSBucketName == "" {
			errs = multierror.Append(errs, errors.New("GCS_BUCKET_NAME must be set when STORAGE_TYPE=gcs"))
		}
	default:
		errs = multierror.Append(errs, fmt.Errorf("unknown STORAGE_TYPE %q", c.StorageType))
	}

	if c.CaptureWidth <= 0 || c.CaptureHeight <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("invalid capture size %dx%d", c.CaptureWidth, c.CaptureHeight))
	}
	if c.CaptureFPS <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("invalid CAPTURE_FPS %v", c.CaptureFPS))
	}
	if c.PhotoJPEGQuality < 1 || c.PhotoJPEGQuality > 100 {
		errs = multierror.Append(errs, fmt.Errorf("PHOTO_JPEG_QUALITY must be 1-100, got %d", c.PhotoJPEGQuality))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = multierror.Append(errs, fmt.Errorf("unknown LOG_FORMAT %q", c.LogFormat))
	}

	return errs.ErrorOrNil()
}

// RTMPPublicURL is the base URL camera publishers connect to
func (c *Config) RTMPPublicURL() string {
	port := "1935"
	if _, p, err := net.SplitHostPort(c.RTMPAddr); err == nil && p != "" {
		port = p
	}
	return "rtmp://" + net.JoinHostPort(c.PublicHost, port)
}

// Helper functions to get environment variables with defaults

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getListEnv splits a comma separated value, dropping empty entries
func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var list []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return list
}
