// config.go - Haupt-Konfigurationsfunktionen fuer kvbridge
//
// Dieses Modul enthaelt:
// - Backend: Gewaehlter Transport-Backend (KVBRIDGE_BACKEND)
// - Host: Bind-Adresse fuer den Agent-Transport (KVBRIDGE_HOST)
// - MaxTokens: Maximale Tokenzahl pro Staging-Buffer (KVBRIDGE_MAX_TOKENS)
// - SendBuffers/RecvBuffers: Groesse der Buffer-Pools
// - LogLevel: Gibt Log-Level zurueck (KVBRIDGE_DEBUG)
package envconfig

import (
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Backend returns the configured transport backend name.
// Configurable via KVBRIDGE_BACKEND; empty means nothing was selected and
// transport setup must fail fast rather than guess.
func Backend() string {
	return Var("KVBRIDGE_BACKEND")
}

// Host gibt die Bind-Adresse des Agent-Transports zurueck
// Konfigurierbar via KVBRIDGE_HOST
// Default: http://127.0.0.1:33441
func Host() *url.URL {
	defaultPort := "33441"

	s := strings.TrimSpace(Var("KVBRIDGE_HOST"))
	scheme, hostport, ok := strings.Cut(s, "://")
	switch {
	case !ok:
		scheme, hostport = "http", s
	case scheme == "http":
		defaultPort = "80"
	case scheme == "https":
		defaultPort = "443"
	}

	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = "127.0.0.1", defaultPort
		if ip := net.ParseIP(strings.Trim(hostport, "[]")); ip != nil {
			host = ip.String()
		} else if hostport != "" {
			host = hostport
		}
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		slog.Warn("invalid port, using default", "port", port, "default", defaultPort)
		port = defaultPort
	}

	return &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, port),
	}
}

var (
	// MaxTokens is the token capacity every staging buffer is sized for
	// (KVBRIDGE_MAX_TOKENS). A sequence longer than this does not fit a
	// buffer and the transfer fails with a configuration error.
	MaxTokens = Uint("KVBRIDGE_MAX_TOKENS", 2048)

	// SendBuffers is the number of pre-allocated staging buffers on the
	// serving side (KVBRIDGE_SEND_BUFFERS).
	SendBuffers = Uint("KVBRIDGE_SEND_BUFFERS", 4)

	// RecvBuffers is the number of pre-allocated staging buffers on the
	// requesting side (KVBRIDGE_RECV_BUFFERS).
	RecvBuffers = Uint("KVBRIDGE_RECV_BUFFERS", 4)
)

// LogLevel returns the slog level selected by KVBRIDGE_DEBUG.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("KVBRIDGE_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}
