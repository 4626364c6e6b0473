package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"
)

const (
	envVarListenAddr      = "MEETFLOW_LISTEN_ADDR"
	envVarSignalingURL    = "MEETFLOW_SIGNALING_URL"
	envVarAPIURL          = "MEETFLOW_API_URL"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarMode            = "MEETFLOW_MODE"
	envVarLogFormat       = "MEETFLOW_LOG_FORMAT"
	envVarLogLevel        = "MEETFLOW_LOG_LEVEL"
	envVarShutdownTimeout = "MEETFLOW_SHUTDOWN_TIMEOUT"

	// Participant identity for the join command.
	envVarMeetID   = "MEETFLOW_MEET_ID"
	envVarUserName = "MEETFLOW_USER_NAME"

	envVarWebRTCUDPPortMin              = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax              = "WEBRTC_UDP_PORT_MAX"
	envVarWebRTCUDPListenIP             = "WEBRTC_UDP_LISTEN_IP"
	envVarWebRTCNAT1To1IPs              = "WEBRTC_NAT_1TO1_IPS"
	envVarWebRTCNAT1To1IPCandidateType  = "WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"
	flagWebRTCUDPPortMin                = "webrtc-udp-port-min"
	flagWebRTCUDPPortMax                = "webrtc-udp-port-max"
	flagWebRTCUDPListenIP               = "webrtc-udp-listen-ip"
	flagWebRTCNAT1To1IPs                = "webrtc-nat-1to1-ips"
	flagWebRTCNAT1To1IPCandidateType    = "webrtc-nat-1to1-ip-candidate-type"
	envVarRecordingTimeslice            = "RECORDING_TIMESLICE"
	envVarCompositorWidth               = "COMPOSITOR_WIDTH"
	envVarCompositorHeight              = "COMPOSITOR_HEIGHT"
	envVarCompositorFPS                 = "COMPOSITOR_FPS"
	envVarMediaSource                   = "MEDIA_SOURCE"
	envVarMediaVideoFile                = "MEDIA_VIDEO_FILE"
	envVarMediaAudioFile                = "MEDIA_AUDIO_FILE"
	envVarArtifactStore                 = "ARTIFACT_STORE"
	envVarS3Endpoint                    = "S3_ENDPOINT"
	envVarS3Bucket                      = "S3_BUCKET"
	envVarS3AccessKey                   = "S3_ACCESS_KEY"
	envVarS3SecretKey                   = "S3_SECRET_KEY"
	envVarS3UseSSL                      = "S3_USE_SSL"
	envVarS3Region                      = "S3_REGION"
	envVarS3Prefix                      = "S3_PREFIX"
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"

	DefaultListenAddr                         = "127.0.0.1:8080"
	DefaultSignalingURL                       = "ws://127.0.0.1:8080/signal"
	DefaultAPIURL                             = "http://127.0.0.1:3000"
	DefaultShutdown                           = 15 * time.Second
	DefaultMode                          Mode = ModeDev
	DefaultRecordingTimeslice                 = time.Second
	DefaultCompositorWidth                    = 1280
	DefaultCompositorHeight                   = 720
	DefaultCompositorFPS                      = 30
	DefaultMediaSource                        = MediaSourceSynthetic
	DefaultArtifactStore                      = ArtifactStoreHTTP
	DefaultS3Prefix                           = "recordings"
	DefaultSignalingWSIdleTimeout             = 60 * time.Second
	DefaultSignalingWSPingInterval            = 20 * time.Second
	DefaultMaxSignalingMessageBytes           = 64 * 1024
	DefaultMaxSignalingMessagesPerSecond      = 50
	DefaultWebRTCUDPListenIP                  = "0.0.0.0"
	DefaultSTUNURL                            = "stun:stun.l.google.com:19302"
	maxCompositorFPS                          = 120
)

// recommendedWebRTCUDPPortRangeSize is the smallest port range accepted. Each
// connection may consume multiple UDP ports and exhaustion shows up as
// hard-to-debug connectivity failures.
const recommendedWebRTCUDPPortRangeSize = 100

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

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

type MediaSource string

const (
	MediaSourceSynthetic MediaSource = "synthetic"
	MediaSourceFile      MediaSource = "file"
)

type ArtifactStoreKind string

const (
	ArtifactStoreHTTP ArtifactStoreKind = "http"
	ArtifactStoreS3   ArtifactStoreKind = "s3"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

type S3Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
	Prefix    string
}

type Config struct {
	ListenAddr      string
	SignalingURL    string
	APIURL          string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	// Participant options used by the join command.
	MeetID      string
	UserName    string
	Host        bool
	RecordAfter time.Duration
	RecordFor   time.Duration

	ICEServers []webrtc.ICEServer

	// WebRTCUDPPortRange restricts the UDP ports used for ICE. When nil, pion uses
	// its defaults (OS ephemeral port selection).
	WebRTCUDPPortRange *UDPPortRange

	// WebRTCNAT1To1IPs configures pion to advertise these public IPs for ICE when
	// the participant is behind NAT. Values must be literal IPs.
	WebRTCNAT1To1IPs             []string
	WebRTCNAT1To1IPCandidateType NAT1To1IPCandidateType

	// WebRTCUDPListenIP restricts which local interface address ICE binds to.
	// 0.0.0.0 means library default.
	WebRTCUDPListenIP net.IP

	RecordingTimeslice time.Duration

	CompositorWidth  int
	CompositorHeight int
	CompositorFPS    int

	MediaSource    MediaSource
	MediaVideoFile string
	MediaAudioFile string

	ArtifactStore ArtifactStoreKind
	S3            S3Config

	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
}

// Load reads configuration from the environment (after merging a .env file in
// the working directory, if present) and then from args.
func Load(args []string) (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}
	return load(os.LookupEnv, args)
}

// loadDotEnv merges path into the process environment without overriding
// variables that are already set. A missing file is not an error.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	signalingURL := envOrDefault(lookup, envVarSignalingURL, DefaultSignalingURL)
	apiURL := envOrDefault(lookup, envVarAPIURL, DefaultAPIURL)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	meetID := envOrDefault(lookup, envVarMeetID, "")
	userName := envOrDefault(lookup, envVarUserName, "")
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	recordingTimeslice, err := envDurationOrDefault(lookup, envVarRecordingTimeslice, DefaultRecordingTimeslice)
	if err != nil {
		return Config{}, err
	}
	signalingWSIdleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingWSPingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}

	compositorWidth, err := envIntOrDefault(lookup, envVarCompositorWidth, DefaultCompositorWidth)
	if err != nil {
		return Config{}, err
	}
	compositorHeight, err := envIntOrDefault(lookup, envVarCompositorHeight, DefaultCompositorHeight)
	if err != nil {
		return Config{}, err
	}
	compositorFPS, err := envIntOrDefault(lookup, envVarCompositorFPS, DefaultCompositorFPS)
	if err != nil {
		return Config{}, err
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}

	var maxSignalingMessageBytes int64 = DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}

	mediaSourceStr := envOrDefault(lookup, envVarMediaSource, string(DefaultMediaSource))
	mediaVideoFile := envOrDefault(lookup, envVarMediaVideoFile, "")
	mediaAudioFile := envOrDefault(lookup, envVarMediaAudioFile, "")

	artifactStoreStr := envOrDefault(lookup, envVarArtifactStore, string(DefaultArtifactStore))
	s3 := S3Config{
		Endpoint:  envOrDefault(lookup, envVarS3Endpoint, ""),
		Bucket:    envOrDefault(lookup, envVarS3Bucket, ""),
		AccessKey: envOrDefault(lookup, envVarS3AccessKey, ""),
		SecretKey: envOrDefault(lookup, envVarS3SecretKey, ""),
		Region:    envOrDefault(lookup, envVarS3Region, ""),
		Prefix:    envOrDefault(lookup, envVarS3Prefix, DefaultS3Prefix),
	}
	if raw, ok := lookup(envVarS3UseSSL); ok && strings.TrimSpace(raw) != "" {
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarS3UseSSL, raw, err)
		}
		s3.UseSSL = v
	}

	// WebRTC network defaults (env values become flag defaults).
	var webrtcUDPPortMin uint
	if raw, ok := lookup(envVarWebRTCUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMin, raw, err)
		}
		webrtcUDPPortMin = uint(p)
	}
	var webrtcUDPPortMax uint
	if raw, ok := lookup(envVarWebRTCUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMax, raw, err)
		}
		webrtcUDPPortMax = uint(p)
	}
	webrtcUDPListenIPStr := envOrDefault(lookup, envVarWebRTCUDPListenIP, DefaultWebRTCUDPListenIP)
	webrtcNAT1To1IPsStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPs, "")
	webrtcNAT1To1CandidateTypeStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost))

	fs := pflag.NewFlagSet("meetflow", pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
		host         bool
		recordAfter  time.Duration
		recordFor    time.Duration
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "Relay HTTP listen address (host:port; env "+envVarListenAddr+")")
	fs.StringVar(&signalingURL, "signaling-url", signalingURL, "Signaling relay WebSocket URL (env "+envVarSignalingURL+")")
	fs.StringVar(&apiURL, "api-url", apiURL, "Meeting/recording REST API base URL (env "+envVarAPIURL+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated origins allowed to open the relay WebSocket (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.StringVar(&meetID, "meet", meetID, "Meeting id (env "+envVarMeetID+")")
	fs.StringVar(&userName, "name", userName, "Display name (env "+envVarUserName+")")
	fs.BoolVar(&host, "host", false, "Join as meeting host (may end the meeting)")
	fs.DurationVar(&recordAfter, "record-after", 0, "Start recording this long after joining (0 = never)")
	fs.DurationVar(&recordFor, "record-for", 0, "Stop recording and leave after this long (0 = until interrupted)")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs, or none for TURN only ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")

	fs.UintVar(&webrtcUDPPortMin, flagWebRTCUDPPortMin, webrtcUDPPortMin, "Min UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&webrtcUDPPortMax, flagWebRTCUDPPortMax, webrtcUDPPortMax, "Max UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&webrtcUDPListenIPStr, flagWebRTCUDPListenIP, webrtcUDPListenIPStr, "Local listen IP for WebRTC ICE UDP sockets (env "+envVarWebRTCUDPListenIP+")")
	fs.StringVar(&webrtcNAT1To1IPsStr, flagWebRTCNAT1To1IPs, webrtcNAT1To1IPsStr, "Comma-separated public IPs to advertise for WebRTC ICE (env "+envVarWebRTCNAT1To1IPs+")")
	fs.StringVar(&webrtcNAT1To1CandidateTypeStr, flagWebRTCNAT1To1IPCandidateType, webrtcNAT1To1CandidateTypeStr, "Candidate type for NAT 1:1 IPs: host or srflx (env "+envVarWebRTCNAT1To1IPCandidateType+")")

	fs.DurationVar(&recordingTimeslice, "recording-timeslice", recordingTimeslice, "Interval between recorded chunks (env "+envVarRecordingTimeslice+")")
	fs.IntVar(&compositorWidth, "compositor-width", compositorWidth, "Combined canvas width in pixels (env "+envVarCompositorWidth+")")
	fs.IntVar(&compositorHeight, "compositor-height", compositorHeight, "Combined canvas height in pixels (env "+envVarCompositorHeight+")")
	fs.IntVar(&compositorFPS, "compositor-fps", compositorFPS, "Combined canvas frame rate (env "+envVarCompositorFPS+")")

	fs.StringVar(&mediaSourceStr, "media-source", mediaSourceStr, "Local media source: synthetic or file (env "+envVarMediaSource+")")
	fs.StringVar(&mediaVideoFile, "media-video-file", mediaVideoFile, "IVF (VP8) file replayed as the camera (env "+envVarMediaVideoFile+")")
	fs.StringVar(&mediaAudioFile, "media-audio-file", mediaAudioFile, "Ogg/Opus file replayed as the microphone (env "+envVarMediaAudioFile+")")

	fs.StringVar(&artifactStoreStr, "artifact-store", artifactStoreStr, "Where recordings are saved: http or s3 (env "+envVarArtifactStore+")")
	fs.StringVar(&s3.Endpoint, "s3-endpoint", s3.Endpoint, "S3 endpoint host:port (env "+envVarS3Endpoint+")")
	fs.StringVar(&s3.Bucket, "s3-bucket", s3.Bucket, "S3 bucket (env "+envVarS3Bucket+")")
	fs.StringVar(&s3.AccessKey, "s3-access-key", s3.AccessKey, "S3 access key (env "+envVarS3AccessKey+")")
	fs.StringVar(&s3.SecretKey, "s3-secret-key", s3.SecretKey, "S3 secret key (env "+envVarS3SecretKey+")")
	fs.BoolVar(&s3.UseSSL, "s3-use-ssl", s3.UseSSL, "Use TLS for S3 (env "+envVarS3UseSSL+")")
	fs.StringVar(&s3.Region, "s3-region", s3.Region, "S3 region (env "+envVarS3Region+")")
	fs.StringVar(&s3.Prefix, "s3-prefix", s3.Prefix, "S3 object key prefix (env "+envVarS3Prefix+")")

	fs.DurationVar(&signalingWSIdleTimeout, "signaling-ws-idle-timeout", signalingWSIdleTimeout, "Close idle signaling WebSocket connections after this duration (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&signalingWSPingInterval, "signaling-ws-ping-interval", signalingWSPingInterval, "Send ping frames on signaling WebSocket connections at this interval (must be < --signaling-ws-idle-timeout; env "+envVarSignalingWSPingInterval+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound signaling WS message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Max inbound signaling WS messages per second (env "+envVarMaxSignalingMessagesPerSecond+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	if !envLogFormatSet && !fs.Changed("log-format") {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !fs.Changed("log-level") {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if err := validateURL(signalingURL, "ws", "wss"); err != nil {
		return Config{}, fmt.Errorf("invalid %s/--signaling-url %q: %w", envVarSignalingURL, signalingURL, err)
	}
	if err := validateURL(apiURL, "http", "https"); err != nil {
		return Config{}, fmt.Errorf("invalid %s/--api-url %q: %w", envVarAPIURL, apiURL, err)
	}
	if recordAfter < 0 || recordFor < 0 {
		return Config{}, fmt.Errorf("--record-after and --record-for must be >= 0")
	}
	if recordingTimeslice <= 0 {
		return Config{}, fmt.Errorf("%s/--recording-timeslice must be > 0", envVarRecordingTimeslice)
	}
	if compositorWidth <= 0 || compositorHeight <= 0 || compositorWidth%2 != 0 {
		return Config{}, fmt.Errorf("invalid compositor size %dx%d (width must be positive and even)", compositorWidth, compositorHeight)
	}
	if compositorFPS <= 0 || compositorFPS > maxCompositorFPS {
		return Config{}, fmt.Errorf("%s/--compositor-fps must be in 1-%d, got %d", envVarCompositorFPS, maxCompositorFPS, compositorFPS)
	}
	if signalingWSIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-idle-timeout must be > 0", envVarSignalingWSIdleTimeout)
	}
	if signalingWSPingInterval <= 0 || signalingWSPingInterval >= signalingWSIdleTimeout {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be > 0 and < %s", envVarSignalingWSPingInterval, envVarSignalingWSIdleTimeout)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxSignalingMessageBytes)
	}
	if maxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-messages-per-second must be > 0", envVarMaxSignalingMessagesPerSecond)
	}

	mediaSource, err := parseMediaSource(mediaSourceStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--media-source %q: %w", envVarMediaSource, mediaSourceStr, err)
	}
	if mediaSource == MediaSourceFile && mediaVideoFile == "" && mediaAudioFile == "" {
		return Config{}, fmt.Errorf("%s=file requires %s or %s", envVarMediaSource, envVarMediaVideoFile, envVarMediaAudioFile)
	}

	artifactStore, err := parseArtifactStore(artifactStoreStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--artifact-store %q: %w", envVarArtifactStore, artifactStoreStr, err)
	}
	if artifactStore == ArtifactStoreS3 && (strings.TrimSpace(s3.Endpoint) == "" || strings.TrimSpace(s3.Bucket) == "") {
		return Config{}, fmt.Errorf("%s=s3 requires %s and %s", envVarArtifactStore, envVarS3Endpoint, envVarS3Bucket)
	}

	var webrtcUDPPortRange *UDPPortRange
	if (webrtcUDPPortMin == 0) != (webrtcUDPPortMax == 0) {
		return Config{}, fmt.Errorf("%s and %s must be set together (or both unset)", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
	}
	if webrtcUDPPortMin != 0 {
		min, err := parsePortUint(webrtcUDPPortMin)
		if err != nil {
			return Config{}, fmt.Errorf("invalid --%s: %w", flagWebRTCUDPPortMin, err)
		}
		max, err := parsePortUint(webrtcUDPPortMax)
		if err != nil {
			return Config{}, fmt.Errorf("invalid --%s: %w", flagWebRTCUDPPortMax, err)
		}
		if min > max {
			return Config{}, fmt.Errorf("WebRTC UDP port range min (%d) must be <= max (%d)", min, max)
		}
		size := int(max) - int(min) + 1
		if size < recommendedWebRTCUDPPortRangeSize {
			return Config{}, fmt.Errorf("WebRTC UDP port range is too small: %d ports (min %d recommended)", size, recommendedWebRTCUDPPortRangeSize)
		}
		webrtcUDPPortRange = &UDPPortRange{Min: min, Max: max}
	}

	webrtcUDPListenIP := net.ParseIP(strings.TrimSpace(webrtcUDPListenIPStr))
	if webrtcUDPListenIP == nil {
		return Config{}, fmt.Errorf("invalid %s/%s %q", envVarWebRTCUDPListenIP, "--"+flagWebRTCUDPListenIP, webrtcUDPListenIPStr)
	}

	var webrtcNAT1To1IPs []string
	if strings.TrimSpace(webrtcNAT1To1IPsStr) != "" {
		ips, err := parseIPList(webrtcNAT1To1IPsStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s/%s %q: %w", envVarWebRTCNAT1To1IPs, "--"+flagWebRTCNAT1To1IPs, webrtcNAT1To1IPsStr, err)
		}
		webrtcNAT1To1IPs = ips
	}
	if strings.TrimSpace(webrtcNAT1To1CandidateTypeStr) == "" {
		webrtcNAT1To1CandidateTypeStr = string(NAT1To1CandidateTypeHost)
	}
	webrtcNAT1To1CandidateType, err := parseCandidateType(webrtcNAT1To1CandidateTypeStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/%s %q: %w", envVarWebRTCNAT1To1IPCandidateType, "--"+flagWebRTCNAT1To1IPCandidateType, webrtcNAT1To1CandidateTypeStr, err)
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/%s: %w", envVarAllowedOrigins, "--allowed-origins", err)
	}

	iceServers, err := iceSources{
		JSON:           iceServersJSON,
		STUN:           stunURLs,
		TURN:           turnURLs,
		TURNUsername:   turnUsername,
		TURNCredential: turnCredential,
	}.resolve()
	if err != nil {
		return Config{}, err
	}

	return Config{
		ListenAddr:      listenAddr,
		SignalingURL:    signalingURL,
		APIURL:          strings.TrimRight(apiURL, "/"),
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		MeetID:      strings.TrimSpace(meetID),
		UserName:    strings.TrimSpace(userName),
		Host:        host,
		RecordAfter: recordAfter,
		RecordFor:   recordFor,

		ICEServers:                   iceServers,
		WebRTCUDPPortRange:           webrtcUDPPortRange,
		WebRTCNAT1To1IPs:             webrtcNAT1To1IPs,
		WebRTCNAT1To1IPCandidateType: webrtcNAT1To1CandidateType,
		WebRTCUDPListenIP:            webrtcUDPListenIP,

		RecordingTimeslice: recordingTimeslice,
		CompositorWidth:    compositorWidth,
		CompositorHeight:   compositorHeight,
		CompositorFPS:      compositorFPS,

		MediaSource:    mediaSource,
		MediaVideoFile: mediaVideoFile,
		MediaAudioFile: mediaAudioFile,

		ArtifactStore: artifactStore,
		S3:            s3,

		SignalingWSIdleTimeout:        signalingWSIdleTimeout,
		SignalingWSPingInterval:       signalingWSPingInterval,
		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,
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

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
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

func parseMediaSource(raw string) (MediaSource, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(MediaSourceSynthetic):
		return MediaSourceSynthetic, nil
	case string(MediaSourceFile):
		return MediaSourceFile, nil
	default:
		return "", fmt.Errorf("expected %s or %s", MediaSourceSynthetic, MediaSourceFile)
	}
}

func parseArtifactStore(raw string) (ArtifactStoreKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ArtifactStoreHTTP):
		return ArtifactStoreHTTP, nil
	case string(ArtifactStoreS3):
		return ArtifactStoreS3, nil
	default:
		return "", fmt.Errorf("expected %s or %s", ArtifactStoreHTTP, ArtifactStoreS3)
	}
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			return nil
		}
	}
	return fmt.Errorf("expected scheme %s", strings.Join(schemes, " or "))
}

func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.Equal(net.IPv4zero) || ip.Equal(net.IPv6zero)
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}

func parseCandidateType(s string) (NAT1To1IPCandidateType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(NAT1To1CandidateTypeHost):
		return NAT1To1CandidateTypeHost, nil
	case string(NAT1To1CandidateTypeSrflx):
		return NAT1To1CandidateTypeSrflx, nil
	default:
		return "", fmt.Errorf("unknown candidate type %q", s)
	}
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", raw)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("must include at least one IP")
	}
	return out, nil
}
