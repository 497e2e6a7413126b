package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(lookupFrom(nil), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("Mode = %q", cfg.Mode)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("LogFormat = %q", cfg.LogFormat)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel = %v", cfg.LogLevel)
	}
	if cfg.ShutdownTimeout != DefaultShutdown {
		t.Fatalf("ShutdownTimeout = %v", cfg.ShutdownTimeout)
	}
	if cfg.WSIdleTimeout != DefaultWSIdleTimeout || cfg.WSPingInterval != DefaultWSPingInterval {
		t.Fatalf("ws timeouts = %v / %v", cfg.WSIdleTimeout, cfg.WSPingInterval)
	}
	if cfg.MaxMessagesPerSecond != DefaultMaxMessagesPerSec {
		t.Fatalf("MaxMessagesPerSecond = %d", cfg.MaxMessagesPerSecond)
	}
	if cfg.DBPath != "" {
		t.Fatalf("DBPath = %q", cfg.DBPath)
	}
	if err := cfg.ICEConfigError(); err != nil {
		t.Fatalf("ICEConfigError = %v", err)
	}
}

func TestLoadProdModeSwitchesLogDefaults(t *testing.T) {
	cfg, err := load(lookupFrom(map[string]string{
		"VOICECALL_MODE": "prod",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("LogFormat = %q, want json in prod", cfg.LogFormat)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("LogLevel = %v, want info in prod", cfg.LogLevel)
	}
}

func TestLoadFlagsOverrideEnv(t *testing.T) {
	cfg, err := load(lookupFrom(map[string]string{
		"VOICECALL_LISTEN_ADDR": "127.0.0.1:9000",
		"VOICECALL_DB_PATH":     "/var/lib/voicecall/records.db",
	}), []string{
		"--listen-addr", "0.0.0.0:8443",
		"--log-level", "warn",
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:8443" {
		t.Fatalf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.DBPath != "/var/lib/voicecall/records.db" {
		t.Fatalf("DBPath = %q", cfg.DBPath)
	}
	if cfg.LogLevel != slog.LevelWarn {
		t.Fatalf("LogLevel = %v", cfg.LogLevel)
	}
}

func TestLoadWSIntervalValidation(t *testing.T) {
	_, err := load(lookupFrom(map[string]string{
		"VOICECALL_WS_PING_INTERVAL": "2m",
		"VOICECALL_WS_IDLE_TIMEOUT":  "1m",
	}), nil)
	if err == nil || !strings.Contains(err.Error(), "ws-ping-interval") {
		t.Fatalf("load = %v, want ping/idle validation error", err)
	}
}

func TestLoadSignalingURLValidation(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			"http scheme rejected",
			map[string]string{"VOICECALL_SIGNALING_URL": "http://relay:8080/ws", "VOICECALL_USERNAME": "alice"},
			"expected ws:// or wss://",
		},
		{
			"username required",
			map[string]string{"VOICECALL_SIGNALING_URL": "wss://relay:8080/ws"},
			"VOICECALL_USERNAME",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := load(lookupFrom(tc.env), nil)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("load = %v, want error containing %q", err, tc.want)
			}
		})
	}

	cfg, err := load(lookupFrom(map[string]string{
		"VOICECALL_SIGNALING_URL": "wss://relay.example.com/ws",
		"VOICECALL_USERNAME":      "alice",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SignalingURL != "wss://relay.example.com/ws" || cfg.Username != "alice" {
		t.Fatalf("client config = %q %q", cfg.SignalingURL, cfg.Username)
	}
}

func TestLoadAllowedOrigins(t *testing.T) {
	cfg, err := load(lookupFrom(map[string]string{
		"VOICECALL_ALLOWED_ORIGINS": "https://draw.example.com, http://localhost:5173",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := []string{"https://draw.example.com", "http://localhost:5173"}
	if len(cfg.AllowedOrigins) != len(want) {
		t.Fatalf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	for i := range want {
		if cfg.AllowedOrigins[i] != want[i] {
			t.Fatalf("AllowedOrigins[%d] = %q, want %q", i, cfg.AllowedOrigins[i], want[i])
		}
	}

	if _, err := load(lookupFrom(map[string]string{
		"VOICECALL_ALLOWED_ORIGINS": "example.com",
	}), nil); err == nil {
		t.Fatalf("schemeless origin accepted")
	}
}

func TestLoadInvalidDurations(t *testing.T) {
	for _, key := range []string{
		"VOICECALL_SHUTDOWN_TIMEOUT",
		"VOICECALL_WS_IDLE_TIMEOUT",
		"VOICECALL_WS_PING_INTERVAL",
	} {
		if _, err := load(lookupFrom(map[string]string{key: "soon"}), nil); err == nil {
			t.Fatalf("invalid %s accepted", key)
		}
	}
}

func TestLoadMessageRateLimit(t *testing.T) {
	cfg, err := load(lookupFrom(map[string]string{
		"VOICECALL_WS_MAX_MESSAGES_PER_SECOND": "0",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxMessagesPerSecond != 0 {
		t.Fatalf("MaxMessagesPerSecond = %d, want limit disabled", cfg.MaxMessagesPerSecond)
	}

	if _, err := load(lookupFrom(map[string]string{
		"VOICECALL_WS_MAX_MESSAGES_PER_SECOND": "-1",
	}), nil); err == nil {
		t.Fatalf("negative rate limit accepted")
	}
}

func TestNewLogger(t *testing.T) {
	cfg := Config{LogFormat: LogFormatJSON, LogLevel: slog.LevelInfo}
	logger, err := NewLogger(cfg)
	if err != nil || logger == nil {
		t.Fatalf("NewLogger = %v, %v", logger, err)
	}
	if _, err := NewLogger(Config{LogFormat: "yaml"}); err == nil {
		t.Fatalf("unsupported format accepted")
	}
}

func TestLoadShutdownTimeout(t *testing.T) {
	cfg, err := load(lookupFrom(map[string]string{
		"VOICECALL_SHUTDOWN_TIMEOUT": "30s",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ShutdownTimeout != 30*time.Second {
		t.Fatalf("ShutdownTimeout = %v", cfg.ShutdownTimeout)
	}
}
