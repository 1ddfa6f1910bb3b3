// Package config loads settings for the participant client and the room
// store server: environment variables with an ATM_ prefix, overridable by
// flags.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/JassCoder/atm-video-call/internal/room"
)

const (
	envVarMode            = "ATM_MODE"
	envVarLogFormat       = "ATM_LOG_FORMAT"
	envVarLogLevel        = "ATM_LOG_LEVEL"
	envVarShutdownTimeout = "ATM_SHUTDOWN_TIMEOUT"

	// Client.
	envVarStoreURL       = "ATM_STORE_URL"
	envVarGender         = "ATM_GENDER"
	envVarLanguage       = "ATM_LANGUAGE"
	envVarTag            = "ATM_TAG"
	envVarGraceWindow    = "ATM_MATCH_GRACE_WINDOW"
	envVarChatPerMinute  = "ATM_CHAT_MESSAGES_PER_MINUTE"
	envVarCaptureVideo   = "ATM_CAPTURE_VIDEO"
	envVarCaptureAudio   = "ATM_CAPTURE_AUDIO"

	// Room store server.
	envVarListenAddr                = "ATM_STORE_LISTEN_ADDR"
	envVarMaxStoreMessageBytes      = "ATM_MAX_STORE_MESSAGE_BYTES"
	envVarMaxStoreMessagesPerSecond = "ATM_MAX_STORE_MESSAGES_PER_SECOND"
	envVarStoreWSIdleTimeout        = "ATM_STORE_WS_IDLE_TIMEOUT"
	envVarStoreWSPingInterval       = "ATM_STORE_WS_PING_INTERVAL"
)

const (
	DefaultListenAddr               = "127.0.0.1:8080"
	DefaultStoreURL                 = "ws://127.0.0.1:8080/store"
	DefaultShutdown                 = 15 * time.Second
	DefaultGraceWindow              = 3 * time.Second
	DefaultChatMessagesPerMinute    = 30
	DefaultMaxStoreMessageBytes     = int64(64 * 1024)
	DefaultMaxStoreMessagesPerSec   = 50
	DefaultStoreWSIdleTimeout       = 60 * time.Second
	DefaultStoreWSPingInterval      = 20 * time.Second
	DefaultMode                Mode = ModeDev
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// Client.
	StoreURL              string
	Filters               room.Filters
	GraceWindow           time.Duration
	ChatMessagesPerMinute int
	CaptureVideo          bool
	CaptureAudio          bool
	ICEServers            []webrtc.ICEServer

	// Room store server.
	ListenAddr                string
	MaxStoreMessageBytes      int64
	MaxStoreMessagesPerSecond int
	StoreWSIdleTimeout        time.Duration
	StoreWSPingInterval       time.Duration
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	logFormatDefault := envLogFormat
	if !envLogFormatOK || envLogFormat == "" {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	logLevelDefault := envLogLevel
	if !envLogLevelOK || envLogLevel == "" {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	storeURL := envOrDefault(lookup, envVarStoreURL, DefaultStoreURL)
	genderStr := envOrDefault(lookup, envVarGender, string(room.GenderUnspecified))
	language := envOrDefault(lookup, envVarLanguage, "")
	tag := envOrDefault(lookup, envVarTag, "")
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	graceWindow, err := envDurationOrDefault(lookup, envVarGraceWindow, DefaultGraceWindow)
	if err != nil {
		return Config{}, err
	}
	chatPerMinute, err := envIntOrDefault(lookup, envVarChatPerMinute, DefaultChatMessagesPerMinute)
	if err != nil {
		return Config{}, err
	}
	captureVideo, err := envBoolOrDefault(lookup, envVarCaptureVideo, true)
	if err != nil {
		return Config{}, err
	}
	captureAudio, err := envBoolOrDefault(lookup, envVarCaptureAudio, true)
	if err != nil {
		return Config{}, err
	}

	maxStoreMessageBytes := DefaultMaxStoreMessageBytes
	if raw, ok := lookup(envVarMaxStoreMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxStoreMessageBytes, raw, err)
		}
		maxStoreMessageBytes = n
	}
	maxStoreMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxStoreMessagesPerSecond, DefaultMaxStoreMessagesPerSec)
	if err != nil {
		return Config{}, err
	}
	storeWSIdleTimeout, err := envDurationOrDefault(lookup, envVarStoreWSIdleTimeout, DefaultStoreWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	storeWSPingInterval, err := envDurationOrDefault(lookup, envVarStoreWSPingInterval, DefaultStoreWSPingInterval)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("atm-video-call", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")

	fs.StringVar(&storeURL, "store-url", storeURL, "Room store websocket URL (env "+envVarStoreURL+")")
	fs.StringVar(&genderStr, "gender", genderStr, "Declared gender: male, female, other, unspecified (env "+envVarGender+")")
	fs.StringVar(&language, "language", language, "Preferred language metadata (env "+envVarLanguage+")")
	fs.StringVar(&tag, "tag", tag, "Interest tag metadata (env "+envVarTag+")")
	fs.DurationVar(&graceWindow, "match-grace-window", graceWindow, "Strict gender matching window before relaxing (env "+envVarGraceWindow+")")
	fs.IntVar(&chatPerMinute, "chat-messages-per-minute", chatPerMinute, "Chat send rate limit, 0 disables sending (env "+envVarChatPerMinute+")")
	fs.BoolVar(&captureVideo, "capture-video", captureVideo, "Capture local video (env "+envVarCaptureVideo+")")
	fs.BoolVar(&captureAudio, "capture-audio", captureAudio, "Capture local audio (env "+envVarCaptureAudio+")")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config (env "+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "Comma-separated STUN URLs (env "+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "Comma-separated TURN URLs (env "+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username (env "+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential (env "+envTurnCredential+")")

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "Store server HTTP listen address (env "+envVarListenAddr+")")
	fs.Int64Var(&maxStoreMessageBytes, "max-store-message-bytes", maxStoreMessageBytes, "Max inbound store WS message size in bytes (env "+envVarMaxStoreMessageBytes+")")
	fs.IntVar(&maxStoreMessagesPerSecond, "max-store-messages-per-second", maxStoreMessagesPerSecond, "Max inbound store WS messages per second (env "+envVarMaxStoreMessagesPerSecond+")")
	fs.DurationVar(&storeWSIdleTimeout, "store-ws-idle-timeout", storeWSIdleTimeout, "Close idle store WS connections after this duration (env "+envVarStoreWSIdleTimeout+")")
	fs.DurationVar(&storeWSPingInterval, "store-ws-ping-interval", storeWSPingInterval, "Ping interval on store WS connections (must be < --store-ws-idle-timeout; env "+envVarStoreWSPingInterval+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode := Mode(strings.ToLower(strings.TrimSpace(modeStr)))
	switch mode {
	case ModeDev, ModeProd:
	default:
		return Config{}, fmt.Errorf("invalid mode %q (expected dev or prod)", modeStr)
	}

	logFormat := LogFormat(strings.ToLower(strings.TrimSpace(logFormatStr)))
	switch logFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return Config{}, fmt.Errorf("invalid log format %q (expected text or json)", logFormatStr)
	}

	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	gender, err := room.ParseGender(strings.ToLower(strings.TrimSpace(genderStr)))
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envVarGender, err)
	}

	if graceWindow <= 0 {
		return Config{}, fmt.Errorf("invalid %s: must be positive", envVarGraceWindow)
	}
	if chatPerMinute < 0 {
		return Config{}, fmt.Errorf("invalid %s: must be >= 0", envVarChatPerMinute)
	}
	if storeWSPingInterval >= storeWSIdleTimeout {
		return Config{}, fmt.Errorf("%s must be less than %s", envVarStoreWSPingInterval, envVarStoreWSIdleTimeout)
	}
	if !strings.HasPrefix(storeURL, "ws://") && !strings.HasPrefix(storeURL, "wss://") {
		return Config{}, fmt.Errorf("invalid %s %q: must be a ws:// or wss:// URL", envVarStoreURL, storeURL)
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential)
	if err != nil {
		return Config{}, err
	}

	return Config{
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: shutdownTimeout,

		StoreURL:              storeURL,
		Filters:               room.Filters{Language: language, Tag: tag, Gender: gender},
		GraceWindow:           graceWindow,
		ChatMessagesPerMinute: chatPerMinute,
		CaptureVideo:          captureVideo,
		CaptureAudio:          captureAudio,
		ICEServers:            iceServers,

		ListenAddr:                listenAddr,
		MaxStoreMessageBytes:      maxStoreMessageBytes,
		MaxStoreMessagesPerSecond: maxStoreMessagesPerSecond,
		StoreWSIdleTimeout:        storeWSIdleTimeout,
		StoreWSPingInterval:       storeWSPingInterval,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}
