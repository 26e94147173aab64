package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/motor.monitor/internal/errorlog"
	"github.com/banshee-data/motor.monitor/internal/motor"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestEmptyDefaults(t *testing.T) {
	cfg := Empty()

	if got := cfg.GetUDPAddress(); got != ":4015" {
		t.Errorf("GetUDPAddress() = %q, want :4015", got)
	}
	if got := cfg.GetRcvBuf(); got != 1<<20 {
		t.Errorf("GetRcvBuf() = %d, want %d", got, 1<<20)
	}
	if got := cfg.GetMotorCount(); got != 13 {
		t.Errorf("GetMotorCount() = %d, want 13", got)
	}
	if got := len(cfg.GetFields()); got != len(motor.DefaultFields()) {
		t.Errorf("GetFields() returned %d fields, want %d", got, len(motor.DefaultFields()))
	}
	if got := cfg.GetSampleInterval(); got != 20*time.Millisecond {
		t.Errorf("GetSampleInterval() = %v, want 20ms", got)
	}
	if got := cfg.GetSeriesWindow(); got != 30*time.Second {
		t.Errorf("GetSeriesWindow() = %v, want 30s", got)
	}
	if got := cfg.GetLogDir(); got != "/tmp/plotjuggler_motor_monitor_log" {
		t.Errorf("GetLogDir() = %q", got)
	}
	if got := cfg.GetLogMode(); got != errorlog.ErrorTriggered {
		t.Errorf("GetLogMode() = %v, want error_triggered", got)
	}
	if got := cfg.GetTrailFrames(); got != 0 {
		t.Errorf("GetTrailFrames() = %d, want 0", got)
	}
	if got := cfg.GetMaxPending(); got != 1000 {
		t.Errorf("GetMaxPending() = %d, want 1000", got)
	}
	if got := cfg.GetHTTPAddress(); got != ":8080" {
		t.Errorf("GetHTTPAddress() = %q, want :8080", got)
	}
	if cfg.GetGRPCAddress() != "" || cfg.GetDBPath() != "" || cfg.GetMQTTBroker() != "" || cfg.GetForwardAddress() != "" {
		t.Errorf("optional outputs should default to disabled")
	}
	if got := cfg.GetMQTTTopicPrefix(); got != "motors" {
		t.Errorf("GetMQTTTopicPrefix() = %q, want motors", got)
	}
	d := cfg.GetDiagnostics()
	if d.Directory != "" || d.MaxSizeMB != 50 || d.MaxAgeDays != 14 || d.MaxBackups != 5 {
		t.Errorf("GetDiagnostics() = %+v", d)
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "motormon.yaml", `
udp_address: "127.0.0.1:5000"
motor_count: 4
fields: [Pos, Vel, Error]
sample_interval: 50ms
log_mode: continuous
trail_frames: 3
mqtt_broker: tcp://broker:1883
diagnostics:
  directory: /var/log/motormon
  max_size_mb: 10
  compress: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.GetUDPAddress(); got != "127.0.0.1:5000" {
		t.Errorf("GetUDPAddress() = %q", got)
	}
	if got := cfg.GetMotorCount(); got != 4 {
		t.Errorf("GetMotorCount() = %d, want 4", got)
	}
	fields := cfg.GetFields()
	want := []motor.Field{motor.FieldPosition, motor.FieldVelocity, motor.FieldError}
	if len(fields) != len(want) {
		t.Fatalf("GetFields() = %v, want %v", fields, want)
	}
	for i := range want {
		if fields[i] != want[i] {
			t.Errorf("GetFields()[%d] = %v, want %v", i, fields[i], want[i])
		}
	}
	if got := cfg.GetSampleInterval(); got != 50*time.Millisecond {
		t.Errorf("GetSampleInterval() = %v, want 50ms", got)
	}
	if got := cfg.GetLogMode(); got != errorlog.Continuous {
		t.Errorf("GetLogMode() = %v, want continuous", got)
	}
	if got := cfg.GetTrailFrames(); got != 3 {
		t.Errorf("GetTrailFrames() = %d, want 3", got)
	}
	if got := cfg.GetMQTTBroker(); got != "tcp://broker:1883" {
		t.Errorf("GetMQTTBroker() = %q", got)
	}
	d := cfg.GetDiagnostics()
	if d.Directory != "/var/log/motormon" || d.MaxSizeMB != 10 || !d.Compress || d.MaxBackups != 5 {
		t.Errorf("GetDiagnostics() = %+v", d)
	}
	// Unset keys keep defaults.
	if got := cfg.GetHTTPAddress(); got != ":8080" {
		t.Errorf("GetHTTPAddress() = %q, want default", got)
	}
}

func TestLoad_JSON(t *testing.T) {
	path := writeConfig(t, "motormon.json", `{"http_address": ":9090", "max_pending": 20, "series_window": "1m"}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.GetHTTPAddress(); got != ":9090" {
		t.Errorf("GetHTTPAddress() = %q", got)
	}
	if got := cfg.GetMaxPending(); got != 20 {
		t.Errorf("GetMaxPending() = %d, want 20", got)
	}
	if got := cfg.GetSeriesWindow(); got != time.Minute {
		t.Errorf("GetSeriesWindow() = %v, want 1m", got)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{"wrong extension", "config.toml", "x = 1", "extension"},
		{"bad yaml", "bad.yaml", "motor_count: [", "parse config YAML"},
		{"bad json", "bad.json", "{", "parse config JSON"},
		{"motor count zero", "c.yaml", "motor_count: 0", "motor_count"},
		{"motor count too large", "c.yaml", "motor_count: 1000", "motor_count"},
		{"unknown field", "c.yaml", "fields: [Pos, Wobble]", "invalid fields"},
		{"duplicate field", "c.yaml", "fields: [Pos, position]", "invalid fields"},
		{"bad interval", "c.yaml", "sample_interval: fast", "sample_interval"},
		{"negative window", "c.yaml", "series_window: -1s", "series_window"},
		{"bad mode", "c.yaml", "log_mode: sometimes", "unknown log mode"},
		{"negative trail", "c.yaml", "trail_frames: -1", "trail_frames"},
		{"zero pending", "c.yaml", "max_pending: 0", "max_pending"},
		{"negative diagnostics", "c.yaml", "diagnostics: {max_backups: -1}", "diagnostics"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.file, tt.content)
			_, err := Load(path)
			if err == nil {
				t.Fatalf("Load() expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_TooLarge(t *testing.T) {
	path := writeConfig(t, "big.yaml", "# "+strings.Repeat("x", maxFileSize)+"\n")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected too large error, got %v", err)
	}
}

func TestGetters_FallBackOnInvalidValues(t *testing.T) {
	cfg := &Config{
		SampleInterval: ptrString("soon"),
		LogMode:        ptrString("sometimes"),
		Fields:         []string{"Wobble"},
		LogDir:         ptrString(""),
		RcvBuf:         ptrInt(0),
	}
	if got := cfg.GetSampleInterval(); got != 20*time.Millisecond {
		t.Errorf("GetSampleInterval() = %v, want default", got)
	}
	if got := cfg.GetLogMode(); got != errorlog.ErrorTriggered {
		t.Errorf("GetLogMode() = %v, want default", got)
	}
	if got := len(cfg.GetFields()); got != len(motor.DefaultFields()) {
		t.Errorf("GetFields() fell back to %d fields", got)
	}
	if got := cfg.GetLogDir(); got != errorlog.DefaultDir {
		t.Errorf("GetLogDir() = %q, want default", got)
	}
	// An explicit zero receive buffer leaves the OS default in place.
	if got := cfg.GetRcvBuf(); got != 0 {
		t.Errorf("GetRcvBuf() = %d, want 0", got)
	}
}
