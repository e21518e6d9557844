// Package config loads runtime configuration for the voice bridge from CLI
// flags and environment variables.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the voice bridge.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	// Process / ambient
	HTTPPort   int
	LogLevel   string
	LogFormat  string
	DataDir    string
	ExternalIP string

	// sip.*
	SIPServer     string
	SIPPort       int
	SIPUsername   string
	SIPPassword   string
	SIPAuthUser   string
	SIPDomain     string
	SIPTransport  string // UDP, TCP, TLS
	SIPTLSCert    string
	SIPTLSKey     string
	EnableSTUN    bool
	STUNServer    string
	STUNPort      int
	RTPPortMin    int
	RTPPortMax    int

	// llm.*
	LLMAPIKey string
	LLMModel  string
	LLMVoice  string
	LLMURL    string
	// LLMTranscriptionModel enables caller transcription (input_audio_transcription)
	// when non-empty. Empty skips the field, leaving caller transcripts undelivered.
	LLMTranscriptionModel string

	// audio.*
	PreferredCodec string // ALAW or ULAW
	VolumeBoost    float64
	IngressBoost   float64

	// rtp.*
	CircuitBreakerThreshold int
}

// defaults
const (
	defaultHTTPPort              = 8080
	defaultSIPPort               = 5060
	defaultRTPPortMin            = 10000
	defaultRTPPortMax            = 20000
	defaultSTUNPort              = 3478
	defaultLogLevel              = "info"
	defaultLogFormat             = "text"
	defaultSIPTransport          = "UDP"
	defaultLLMModel              = "gpt-realtime"
	defaultLLMVoice              = "alloy"
	defaultLLMTranscriptionModel = "whisper-1"
	defaultPreferredCodec        = "ALAW"
	defaultCircuitBreaker        = 100
)

// envPrefix is the prefix for all bridge environment variables.
const envPrefix = "BRIDGE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("bridge", flag.ContinueOnError)

	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port (health/metrics)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.DataDir, "data-dir", "./data", "data directory for system prompts and greetings")
	fs.StringVar(&cfg.ExternalIP, "external-ip", "", "public IP address for SDP (auto-detected if empty)")

	fs.StringVar(&cfg.SIPServer, "sip-server", "", "upstream SIP registrar/trunk host")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP UDP/TCP listen port")
	fs.StringVar(&cfg.SIPUsername, "sip-username", "", "SIP account username")
	fs.StringVar(&cfg.SIPPassword, "sip-password", "", "SIP account password")
	fs.StringVar(&cfg.SIPAuthUser, "sip-auth-user", "", "SIP digest auth username, defaults to sip-username")
	fs.StringVar(&cfg.SIPDomain, "sip-domain", "", "SIP domain/realm")
	fs.StringVar(&cfg.SIPTransport, "sip-transport", defaultSIPTransport, "SIP transport (UDP, TCP, TLS)")
	fs.StringVar(&cfg.SIPTLSCert, "sip-tls-cert", "", "path to SIP TLS certificate file")
	fs.StringVar(&cfg.SIPTLSKey, "sip-tls-key", "", "path to SIP TLS private key file")
	fs.BoolVar(&cfg.EnableSTUN, "enable-stun", false, "discover public IP/port via STUN")
	fs.StringVar(&cfg.STUNServer, "stun-server", "", "STUN server hostname")
	fs.IntVar(&cfg.STUNPort, "stun-port", defaultSTUNPort, "STUN server port")
	fs.IntVar(&cfg.RTPPortMin, "rtp-port-min", defaultRTPPortMin, "minimum UDP port for RTP")
	fs.IntVar(&cfg.RTPPortMax, "rtp-port-max", defaultRTPPortMax, "maximum UDP port for RTP")

	fs.StringVar(&cfg.LLMAPIKey, "llm-api-key", "", "API key for the LLM streaming service")
	fs.StringVar(&cfg.LLMModel, "llm-model", defaultLLMModel, "LLM model identifier")
	fs.StringVar(&cfg.LLMVoice, "llm-voice", defaultLLMVoice, "LLM synthesized voice")
	fs.StringVar(&cfg.LLMURL, "llm-url", "", "WebSocket URL of the LLM streaming endpoint")
	fs.StringVar(&cfg.LLMTranscriptionModel, "llm-transcription-model", defaultLLMTranscriptionModel, "model used for caller audio transcription (empty disables it)")

	fs.StringVar(&cfg.PreferredCodec, "preferred-codec", defaultPreferredCodec, "preferred G.711 codec (ALAW, ULAW)")
	fs.Float64Var(&cfg.VolumeBoost, "volume-boost", 1.0, "playback volume multiplier")
	fs.Float64Var(&cfg.IngressBoost, "ingress-boost", 1.0, "microphone gain multiplier")

	fs.IntVar(&cfg.CircuitBreakerThreshold, "rtp-circuit-breaker-threshold", defaultCircuitBreaker, "consecutive RTP send failures before a call is torn down")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. CLI flags take precedence.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"http-port":                     envPrefix + "HTTP_PORT",
		"log-level":                     envPrefix + "LOG_LEVEL",
		"log-format":                    envPrefix + "LOG_FORMAT",
		"data-dir":                      envPrefix + "DATA_DIR",
		"external-ip":                   envPrefix + "EXTERNAL_IP",
		"sip-server":                    envPrefix + "SIP_SERVER",
		"sip-port":                      envPrefix + "SIP_PORT",
		"sip-username":                  envPrefix + "SIP_USERNAME",
		"sip-password":                  envPrefix + "SIP_PASSWORD",
		"sip-auth-user":                 envPrefix + "SIP_AUTH_USER",
		"sip-domain":                    envPrefix + "SIP_DOMAIN",
		"sip-transport":                 envPrefix + "SIP_TRANSPORT",
		"sip-tls-cert":                  envPrefix + "SIP_TLS_CERT",
		"sip-tls-key":                   envPrefix + "SIP_TLS_KEY",
		"enable-stun":                   envPrefix + "ENABLE_STUN",
		"stun-server":                   envPrefix + "STUN_SERVER",
		"stun-port":                     envPrefix + "STUN_PORT",
		"rtp-port-min":                  envPrefix + "RTP_PORT_MIN",
		"rtp-port-max":                  envPrefix + "RTP_PORT_MAX",
		"llm-api-key":                   envPrefix + "LLM_API_KEY",
		"llm-model":                     envPrefix + "LLM_MODEL",
		"llm-voice":                     envPrefix + "LLM_VOICE",
		"llm-url":                       envPrefix + "LLM_URL",
		"llm-transcription-model":       envPrefix + "LLM_TRANSCRIPTION_MODEL",
		"preferred-codec":               envPrefix + "PREFERRED_CODEC",
		"volume-boost":                  envPrefix + "VOLUME_BOOST",
		"ingress-boost":                 envPrefix + "INGRESS_BOOST",
		"rtp-circuit-breaker-threshold": envPrefix + "RTP_CIRCUIT_BREAKER_THRESHOLD",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "data-dir":
			cfg.DataDir = val
		case "external-ip":
			cfg.ExternalIP = val
		case "sip-server":
			cfg.SIPServer = val
		case "sip-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SIPPort = v
			}
		case "sip-username":
			cfg.SIPUsername = val
		case "sip-password":
			cfg.SIPPassword = val
		case "sip-auth-user":
			cfg.SIPAuthUser = val
		case "sip-domain":
			cfg.SIPDomain = val
		case "sip-transport":
			cfg.SIPTransport = val
		case "sip-tls-cert":
			cfg.SIPTLSCert = val
		case "sip-tls-key":
			cfg.SIPTLSKey = val
		case "enable-stun":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.EnableSTUN = v
			}
		case "stun-server":
			cfg.STUNServer = val
		case "stun-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.STUNPort = v
			}
		case "rtp-port-min":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RTPPortMin = v
			}
		case "rtp-port-max":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RTPPortMax = v
			}
		case "llm-api-key":
			cfg.LLMAPIKey = val
		case "llm-model":
			cfg.LLMModel = val
		case "llm-voice":
			cfg.LLMVoice = val
		case "llm-url":
			cfg.LLMURL = val
		case "llm-transcription-model":
			cfg.LLMTranscriptionModel = val
		case "preferred-codec":
			cfg.PreferredCodec = val
		case "volume-boost":
			if v, err := strconv.ParseFloat(val, 64); err == nil {
				cfg.VolumeBoost = v
			}
		case "ingress-boost":
			if v, err := strconv.ParseFloat(val, 64); err == nil {
				cfg.IngressBoost = v
			}
		case "rtp-circuit-breaker-threshold":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.CircuitBreakerThreshold = v
			}
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if c.RTPPortMin < 1024 || c.RTPPortMin > 65534 {
		return fmt.Errorf("rtp-port-min must be between 1024 and 65534, got %d", c.RTPPortMin)
	}
	if c.RTPPortMax < c.RTPPortMin+2 || c.RTPPortMax > 65535 {
		return fmt.Errorf("rtp-port-max must be between rtp-port-min+2 and 65535, got %d", c.RTPPortMax)
	}
	if c.RTPPortMin%2 != 0 {
		return fmt.Errorf("rtp-port-min must be even, got %d", c.RTPPortMin)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	validTransports := map[string]bool{"UDP": true, "TCP": true, "TLS": true}
	c.SIPTransport = strings.ToUpper(c.SIPTransport)
	if !validTransports[c.SIPTransport] {
		return fmt.Errorf("sip-transport must be one of UDP, TCP, TLS; got %q", c.SIPTransport)
	}
	if c.SIPTransport == "TLS" && (c.SIPTLSCert == "" || c.SIPTLSKey == "") {
		return fmt.Errorf("sip-transport TLS requires both sip-tls-cert and sip-tls-key")
	}

	validCodecs := map[string]bool{"ALAW": true, "ULAW": true}
	c.PreferredCodec = strings.ToUpper(c.PreferredCodec)
	if !validCodecs[c.PreferredCodec] {
		return fmt.Errorf("preferred-codec must be one of ALAW, ULAW; got %q", c.PreferredCodec)
	}

	if c.EnableSTUN && c.STUNServer == "" {
		return fmt.Errorf("enable-stun requires stun-server to be set")
	}

	if c.CircuitBreakerThreshold < 1 {
		return fmt.Errorf("rtp-circuit-breaker-threshold must be positive, got %d", c.CircuitBreakerThreshold)
	}

	return nil
}

// SIPHost returns the hostname to use for the SIP User-Agent.
func (c *Config) SIPHost() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return hostname
}

// AuthUser returns the digest auth username, falling back to SIPUsername.
func (c *Config) AuthUser() string {
	if c.SIPAuthUser != "" {
		return c.SIPAuthUser
	}
	return c.SIPUsername
}

// MediaIP returns the IP address to advertise in SDP. If ExternalIP is
// configured it is returned directly; otherwise the machine's primary
// non-loopback IPv4 address is used, falling back to "127.0.0.1".
func (c *Config) MediaIP() string {
	if c.ExternalIP != "" {
		return c.ExternalIP
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
