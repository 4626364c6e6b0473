package main

import (
	"log/slog"
	"net/url"
	"strings"

	"github.com/wilsonzlin/meetflow/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode != config.ModeProd {
		return
	}

	if urlScheme(cfg.SignalingURL) == "ws" {
		logger.Warn("startup security warning: signaling URL is not TLS (ws://) while --mode=prod",
			"warning_code", "signaling_url_plaintext_in_prod",
			"signaling_host", safeURLHost(cfg.SignalingURL),
			"mode", cfg.Mode,
		)
	}
	if urlScheme(cfg.APIURL) == "http" {
		logger.Warn("startup security warning: API URL is not TLS (http://) while --mode=prod; recordings are uploaded in clear text",
			"warning_code", "api_url_plaintext_in_prod",
			"api_host", safeURLHost(cfg.APIURL),
			"mode", cfg.Mode,
		)
	}
	if cfg.ArtifactStore == config.ArtifactStoreS3 && !cfg.S3.UseSSL {
		logger.Warn("startup security warning: S3_USE_SSL=false while --mode=prod",
			"warning_code", "s3_plaintext_in_prod",
			"s3_endpoint", cfg.S3.Endpoint,
			"mode", cfg.Mode,
		)
	}
	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (weakens signaling DoS hardening)",
			"warning_code", "max_signaling_message_bytes_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}

func urlScheme(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Scheme)
}

func safeURLHost(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return u.Host
}
