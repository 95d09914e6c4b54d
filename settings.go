package main

import (
	"fmt"
	"time"

	ini "gopkg.in/ini.v1"
)

// Settings holds application configuration loaded from settings.ini.
type Settings struct {
	ariURL          string
	ariWebsocketURL string
	ariUsername     string
	ariPassword     string
	application     string

	rtpHost     string
	rtpPort     int
	audioFormat string
	payloadType int
	sampleRate  int
	ptimeMs     int

	speechURL    string
	speechAPIKey string
	speechPrompt string

	carrierListenAddress string
	metricsListenAddress string

	rpcTimeoutMs      int
	setupTimeoutMs    int
	livenessIntervalS int

	breakerThreshold int
	breakerCooldownS int

	reconnectBaseMs   int
	reconnectMaxS     int
	reconnectAttempts int
}

// LoadSettings reads configuration from the ini file and validates required fields.
func LoadSettings(cfg *ini.File) (*Settings, error) {
	s := &Settings{}

	sec := cfg.Section("ari")
	s.ariURL = sec.Key("url").MustString("http://127.0.0.1:8088/ari")
	s.ariWebsocketURL = sec.Key("websocket_url").MustString("ws://127.0.0.1:8088/ari/events")
	s.ariUsername = sec.Key("username").String()
	s.ariPassword = sec.Key("password").String()
	s.application = sec.Key("application").MustString("ari2ai")

	sec = cfg.Section("media")
	s.rtpHost = sec.Key("rtp_host").String()
	s.rtpPort = sec.Key("rtp_port").MustInt(40000)
	s.audioFormat = sec.Key("audio_format").MustString("slin16")
	s.payloadType = sec.Key("payload_type").MustInt(118)
	s.sampleRate = sec.Key("sample_rate").MustInt(16000)
	s.ptimeMs = sec.Key("ptime").MustInt(20)

	sec = cfg.Section("speech")
	s.speechURL = sec.Key("url").String()
	s.speechAPIKey = sec.Key("api_key").String()
	s.speechPrompt = sec.Key("prompt").String()

	sec = cfg.Section("carrier")
	s.carrierListenAddress = sec.Key("listen_address").MustString(":8089")

	sec = cfg.Section("metrics")
	s.metricsListenAddress = sec.Key("listen_address").MustString(":9120")

	sec = cfg.Section("gateway")
	s.rpcTimeoutMs = sec.Key("rpc_timeout_ms").MustInt(5000)
	s.setupTimeoutMs = sec.Key("setup_timeout_ms").MustInt(10000)
	s.livenessIntervalS = sec.Key("liveness_interval").MustInt(30)
	s.breakerThreshold = sec.Key("breaker_threshold").MustInt(5)
	s.breakerCooldownS = sec.Key("breaker_cooldown").MustInt(30)
	s.reconnectBaseMs = sec.Key("reconnect_base_ms").MustInt(500)
	s.reconnectMaxS = sec.Key("reconnect_max").MustInt(30)
	s.reconnectAttempts = sec.Key("reconnect_attempts").MustInt(10)

	if s.ariUsername == "" || s.ariPassword == "" {
		return nil, fmt.Errorf("ari credentials must be set")
	}
	if s.speechURL == "" {
		return nil, fmt.Errorf("speech backend url must be set")
	}

	if s.rtpHost == "" {
		host, err := detectMediaHostIP()
		if err != nil {
			return nil, fmt.Errorf("rtp_host not set and autodetect failed: %w", err)
		}
		s.rtpHost = host
	}

	return s, nil
}

func (s *Settings) ARIURL() string          { return s.ariURL }
func (s *Settings) ARIWebsocketURL() string { return s.ariWebsocketURL }
func (s *Settings) ARIUsername() string     { return s.ariUsername }
func (s *Settings) ARIPassword() string     { return s.ariPassword }
func (s *Settings) Application() string     { return s.application }

func (s *Settings) RTPHost() string     { return s.rtpHost }
func (s *Settings) RTPPort() int        { return s.rtpPort }
func (s *Settings) AudioFormat() string { return s.audioFormat }
func (s *Settings) PayloadType() uint8  { return uint8(s.payloadType) }
func (s *Settings) SampleRate() int     { return s.sampleRate }

func (s *Settings) SpeechURL() string    { return s.speechURL }
func (s *Settings) SpeechAPIKey() string { return s.speechAPIKey }
func (s *Settings) SpeechPrompt() string { return s.speechPrompt }

func (s *Settings) CarrierListenAddress() string { return s.carrierListenAddress }
func (s *Settings) MetricsListenAddress() string { return s.metricsListenAddress }

func (s *Settings) BreakerThreshold() int  { return s.breakerThreshold }
func (s *Settings) ReconnectAttempts() int { return s.reconnectAttempts }

func (s *Settings) RPCTimeout() time.Duration {
	return time.Duration(s.rpcTimeoutMs) * time.Millisecond
}

func (s *Settings) SetupTimeout() time.Duration {
	return time.Duration(s.setupTimeoutMs) * time.Millisecond
}

func (s *Settings) LivenessInterval() time.Duration {
	return time.Duration(s.livenessIntervalS) * time.Second
}

func (s *Settings) BreakerCooldown() time.Duration {
	return time.Duration(s.breakerCooldownS) * time.Second
}

func (s *Settings) ReconnectBase() time.Duration {
	return time.Duration(s.reconnectBaseMs) * time.Millisecond
}

func (s *Settings) ReconnectMax() time.Duration {
	return time.Duration(s.reconnectMaxS) * time.Second
}

// PtimeSamples returns the number of audio samples carried by one RTP packet.
func (s *Settings) PtimeSamples() int {
	return s.sampleRate * s.ptimeMs / 1000
}
