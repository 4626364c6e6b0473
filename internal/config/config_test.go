package config

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func noEnv(string) (string, bool) { return "", false }

func TestDefaultsDev(t *testing.T) {
	cfg, err := load(noEnv, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeDev)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
	if cfg.WebRTCUDPPortRange != nil {
		t.Fatalf("expected WebRTCUDPPortRange unset, got %+v", *cfg.WebRTCUDPPortRange)
	}
	if !cfg.WebRTCUDPListenIP.Equal(net.IPv4zero) {
		t.Fatalf("WebRTCUDPListenIP=%v, want 0.0.0.0", cfg.WebRTCUDPListenIP)
	}
	if cfg.WebRTCNAT1To1IPCandidateType != NAT1To1CandidateTypeHost {
		t.Fatalf("WebRTCNAT1To1IPCandidateType=%q, want %q", cfg.WebRTCNAT1To1IPCandidateType, NAT1To1CandidateTypeHost)
	}
	if cfg.RecordingTimeslice != time.Second {
		t.Fatalf("RecordingTimeslice=%v, want 1s", cfg.RecordingTimeslice)
	}
	if cfg.CompositorWidth != 1280 || cfg.CompositorHeight != 720 || cfg.CompositorFPS != 30 {
		t.Fatalf("compositor=%dx%d@%d, want 1280x720@30", cfg.CompositorWidth, cfg.CompositorHeight, cfg.CompositorFPS)
	}
	if cfg.MediaSource != MediaSourceSynthetic {
		t.Fatalf("MediaSource=%q, want %q", cfg.MediaSource, MediaSourceSynthetic)
	}
	if cfg.ArtifactStore != ArtifactStoreHTTP {
		t.Fatalf("ArtifactStore=%q, want %q", cfg.ArtifactStore, ArtifactStoreHTTP)
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].URLs[0] != DefaultSTUNURL {
		t.Fatalf("ICEServers=%#v, want default STUN", cfg.ICEServers)
	}
	if cfg.SignalingURL != DefaultSignalingURL {
		t.Fatalf("SignalingURL=%q, want %q", cfg.SignalingURL, DefaultSignalingURL)
	}
}

func TestDefaultsProdWhenModeFlagSet(t *testing.T) {
	cfg, err := load(noEnv, []string{"--mode", "prod"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatJSON)
	}
	if cfg.LogLevel.String() != "INFO" {
		t.Fatalf("logLevel=%v, want INFO", cfg.LogLevel)
	}
}

func TestLogFormatExplicitOverride(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{envVarMode: "prod"}), []string{"--log-format", "text"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
}

func TestEnvBecomesFlagDefault(t *testing.T) {
	env := lookupMap(map[string]string{
		envVarRecordingTimeslice: "250ms",
		envVarMeetID:             "m1",
	})
	cfg, err := load(env, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RecordingTimeslice != 250*time.Millisecond || cfg.MeetID != "m1" {
		t.Fatalf("timeslice=%v meet=%q, want 250ms m1", cfg.RecordingTimeslice, cfg.MeetID)
	}

	cfg, err = load(env, []string{"--recording-timeslice", "2s", "--meet", "m2", "--host", "--record-for", "3s"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RecordingTimeslice != 2*time.Second || cfg.MeetID != "m2" || !cfg.Host || cfg.RecordFor != 3*time.Second {
		t.Fatalf("flags did not override env: %+v", cfg)
	}
}

func TestInvalidValuesNameTheVariable(t *testing.T) {
	cases := map[string]map[string]string{
		envVarRecordingTimeslice:       {envVarRecordingTimeslice: "soon"},
		envVarCompositorFPS:            {envVarCompositorFPS: "fast"},
		envVarS3UseSSL:                 {envVarS3UseSSL: "maybe"},
		envVarMediaSource:              {envVarMediaSource: "camera"},
		envVarArtifactStore:            {envVarArtifactStore: "ftp"},
		envVarSignalingURL:             {envVarSignalingURL: "http://example.com/signal"},
		envVarMaxSignalingMessageBytes: {envVarMaxSignalingMessageBytes: "lots"},
	}
	for name, env := range cases {
		_, err := load(lookupMap(env), nil)
		if err == nil {
			t.Fatalf("%s: expected error", name)
		}
		if !strings.Contains(err.Error(), name) {
			t.Fatalf("%s: error %q does not name the variable", name, err)
		}
	}
}

func TestCompositorAndSignalingBounds(t *testing.T) {
	cases := [][]string{
		{"--compositor-width", "1281"},
		{"--compositor-fps", "0"},
		{"--recording-timeslice", "0s"},
		{"--signaling-ws-ping-interval", "90s"},
		{"--max-signaling-messages-per-second", "0"},
	}
	for _, args := range cases {
		if _, err := load(noEnv, args); err == nil {
			t.Fatalf("%v: expected error", args)
		}
	}
}

func TestMediaSourceFileRequiresPath(t *testing.T) {
	if _, err := load(lookupMap(map[string]string{envVarMediaSource: "file"}), nil); err == nil {
		t.Fatalf("expected error")
	}
	cfg, err := load(lookupMap(map[string]string{envVarMediaSource: "file", envVarMediaVideoFile: "in.ivf"}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MediaVideoFile != "in.ivf" {
		t.Fatalf("MediaVideoFile=%q, want in.ivf", cfg.MediaVideoFile)
	}
}

func TestArtifactStoreS3(t *testing.T) {
	if _, err := load(lookupMap(map[string]string{envVarArtifactStore: "s3"}), nil); err == nil {
		t.Fatalf("expected error without endpoint and bucket")
	}
	cfg, err := load(lookupMap(map[string]string{
		envVarArtifactStore: "s3",
		envVarS3Endpoint:    "127.0.0.1:9000",
		envVarS3Bucket:      "meetflow",
		envVarS3UseSSL:      "true",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.S3.UseSSL || cfg.S3.Bucket != "meetflow" || cfg.S3.Prefix != DefaultS3Prefix {
		t.Fatalf("S3=%+v", cfg.S3)
	}
}

func TestHelpFlag(t *testing.T) {
	_, err := load(noEnv, []string{"--help"})
	if !errors.Is(err, pflag.ErrHelp) {
		t.Fatalf("err=%v, want pflag.ErrHelp", err)
	}
}

func TestWebRTCUDPPortRange_RequiresBoth(t *testing.T) {
	_, err := load(lookupMap(map[string]string{envVarWebRTCUDPPortMin: "50000"}), nil)
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestWebRTCUDPPortRange_TooSmall(t *testing.T) {
	_, err := load(lookupMap(map[string]string{
		envVarWebRTCUDPPortMin: "50000",
		envVarWebRTCUDPPortMax: "50010",
	}), nil)
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestWebRTCUDPPortRange_OK(t *testing.T) {
	cfg, err := load(noEnv, []string{"--" + flagWebRTCUDPPortMin, "50000", "--" + flagWebRTCUDPPortMax, "50199"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WebRTCUDPPortRange == nil {
		t.Fatalf("expected WebRTCUDPPortRange set")
	}
	if cfg.WebRTCUDPPortRange.Min != 50000 || cfg.WebRTCUDPPortRange.Max != 50199 {
		t.Fatalf("range=%+v, want 50000-50199", *cfg.WebRTCUDPPortRange)
	}
}

func TestWebRTCNAT1To1IPsAndCandidateType(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarWebRTCNAT1To1IPs:             "203.0.113.1, 2001:db8::1",
		envVarWebRTCNAT1To1IPCandidateType: "srflx",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.WebRTCNAT1To1IPs) != 2 || cfg.WebRTCNAT1To1IPs[0] != "203.0.113.1" {
		t.Fatalf("WebRTCNAT1To1IPs=%v", cfg.WebRTCNAT1To1IPs)
	}
	if cfg.WebRTCNAT1To1IPCandidateType != NAT1To1CandidateTypeSrflx {
		t.Fatalf("candidate type=%q, want srflx", cfg.WebRTCNAT1To1IPCandidateType)
	}
}

func TestWebRTCNAT1To1IPs_Invalid(t *testing.T) {
	if _, err := load(lookupMap(map[string]string{envVarWebRTCNAT1To1IPs: "not-an-ip"}), nil); err == nil {
		t.Fatalf("expected error for invalid IP")
	}
	if _, err := load(lookupMap(map[string]string{envVarWebRTCNAT1To1IPCandidateType: "relay"}), nil); err == nil {
		t.Fatalf("expected error for invalid candidate type")
	}
}

func TestWebRTCUDPListenIP_Invalid(t *testing.T) {
	if _, err := load(noEnv, []string{"--" + flagWebRTCUDPListenIP, "nope"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestParseAllowedOrigins_NormalizesAndValidates(t *testing.T) {
	got, err := parseAllowedOrigins("HTTPS://Example.COM:443, http://localhost:5173/")
	if err != nil {
		t.Fatalf("parseAllowedOrigins: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len=%d, want 2 (%v)", len(got), got)
	}
	if got[0] != "https://example.com" {
		t.Fatalf("got[0]=%q, want %q", got[0], "https://example.com")
	}
	if got[1] != "http://localhost:5173" {
		t.Fatalf("got[1]=%q, want %q", got[1], "http://localhost:5173")
	}
}

func TestParseAllowedOrigins_AllowsStarAndNull(t *testing.T) {
	got, err := parseAllowedOrigins("*,null")
	if err != nil {
		t.Fatalf("parseAllowedOrigins: %v", err)
	}
	if len(got) != 2 || got[0] != "*" || got[1] != "null" {
		t.Fatalf("got=%v, want [* null]", got)
	}
}

func TestParseAllowedOrigins_RejectsPathQueryAndCredentials(t *testing.T) {
	cases := []string{
		"ftp://example.com",
		"https://example.com/path",
		"https://example.com/?q=1",
		"https://user@example.com",
		"https://example.com/#frag",
	}
	for _, raw := range cases {
		if _, err := parseAllowedOrigins(raw); err == nil {
			t.Fatalf("expected error for %q, got nil", raw)
		}
	}
}

func TestLoadDotEnv_DoesNotOverrideExported(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("MEETFLOW_TEST_DOTENV_A=file\nMEETFLOW_TEST_DOTENV_B=file\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("MEETFLOW_TEST_DOTENV_A", "exported")
	t.Cleanup(func() { _ = os.Unsetenv("MEETFLOW_TEST_DOTENV_B") })

	if err := loadDotEnv(path); err != nil {
		t.Fatalf("loadDotEnv: %v", err)
	}
	if got := os.Getenv("MEETFLOW_TEST_DOTENV_A"); got != "exported" {
		t.Fatalf("A=%q, want exported", got)
	}
	if got := os.Getenv("MEETFLOW_TEST_DOTENV_B"); got != "file" {
		t.Fatalf("B=%q, want file", got)
	}
	if err := loadDotEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("missing file should be ignored, got %v", err)
	}
}
