package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	ListenHost string `mapstructure:"listen_host"`
	TLSCert    string `mapstructure:"tls_cert"`
	TLSKey     string `mapstructure:"tls_key"`

	// Media plane.
	AnnouncedIP        string   `mapstructure:"announced_ip"`
	ListenIP           string   `mapstructure:"listen_ip"`
	WebRTCMinPort      int      `mapstructure:"webrtc_min_port"`
	WebRTCMaxPort      int      `mapstructure:"webrtc_max_port"`
	EgressMinPort      int      `mapstructure:"egress_min_port"`
	EgressMaxPort      int      `mapstructure:"egress_max_port"`
	MediaCodecs        []string `mapstructure:"media_codecs"`
	InitialBitrate     int      `mapstructure:"initial_bitrate"`
	MaxIncomingBitrate int      `mapstructure:"max_incoming_bitrate"`

	// Device lifecycle.
	RemovalGrace time.Duration `mapstructure:"removal_grace"`

	// Worker subprocess.
	WorkerBin      string        `mapstructure:"worker_bin"`
	WorkerLogLevel string        `mapstructure:"worker_log_level"`
	StatsInterval  time.Duration `mapstructure:"stats_interval"`

	// Signaling flood guard.
	MsgRateLimit    int           `mapstructure:"msg_rate_limit"`
	MsgRateInterval time.Duration `mapstructure:"msg_rate_interval"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 4443)
	v.SetDefault("listen_host", "0.0.0.0")
	v.SetDefault("announced_ip", "127.0.0.1")
	v.SetDefault("listen_ip", "0.0.0.0")
	v.SetDefault("webrtc_min_port", 40000)
	v.SetDefault("webrtc_max_port", 49999)
	v.SetDefault("egress_min_port", 20000)
	v.SetDefault("egress_max_port", 20100)
	v.SetDefault("media_codecs", []string{"opus", "VP8", "VP9", "H264"})
	v.SetDefault("initial_bitrate", 1_000_000)
	v.SetDefault("max_incoming_bitrate", 1_500_000)
	v.SetDefault("removal_grace", "30s")
	v.SetDefault("worker_bin", "mcr-worker")
	v.SetDefault("worker_log_level", "warn")
	v.SetDefault("stats_interval", "10s")
	v.SetDefault("msg_rate_limit", 100)
	v.SetDefault("msg_rate_interval", "1s")

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").
		Str("mode", cfg.Mode).Int("port", cfg.Port).Str("announced_ip", cfg.AnnouncedIP).
		Msg("config ready")
	return &cfg, nil
}

// validate rejects configurations the media plane cannot run with. The
// egress pool must stay disjoint from the WebRTC ICE range or the worker
// fights itself over ports.
func (c *Config) validate() error {
	if c.WebRTCMinPort <= 0 || c.WebRTCMaxPort < c.WebRTCMinPort {
		return fmt.Errorf("invalid webrtc port range %d-%d", c.WebRTCMinPort, c.WebRTCMaxPort)
	}
	if c.EgressMinPort <= 0 || c.EgressMaxPort < c.EgressMinPort+1 {
		return fmt.Errorf("invalid egress port range %d-%d", c.EgressMinPort, c.EgressMaxPort)
	}
	if c.EgressMaxPort >= c.WebRTCMinPort && c.EgressMinPort <= c.WebRTCMaxPort {
		return fmt.Errorf("egress port range %d-%d overlaps webrtc range %d-%d",
			c.EgressMinPort, c.EgressMaxPort, c.WebRTCMinPort, c.WebRTCMaxPort)
	}
	if c.RemovalGrace <= 0 {
		return fmt.Errorf("removal_grace must be positive")
	}
	if len(c.MediaCodecs) == 0 {
		return fmt.Errorf("media_codecs must not be empty")
	}
	return nil
}
