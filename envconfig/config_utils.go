// config_utils.go - Utility-Funktionen und Export fuer Konfiguration
//
// Dieses Modul enthaelt:
// - Var: Environment-Variable lesen (getrimmt, ohne Quotes)
// - Bool/Uint/String: typisierte Getter mit Default-Wert
// - EnvVar: Struktur fuer Environment-Variablen-Info
// - AsMap: Gibt alle Konfigurationen als Map zurueck
package envconfig

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Var liest eine Environment-Variable, getrimmt und ohne Quotes
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// Bool gibt eine Funktion zurueck, die einen Bool liest (Default: false)
func Bool(k string) func() bool {
	return func() bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return false
	}
}

// String gibt eine Funktion zurueck, die einen String liest
func String(s string) func() string {
	return func() string {
		return Var(s)
	}
}

// Uint gibt eine Funktion zurueck, die einen uint mit Default-Wert liest
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

// EnvVar repraesentiert eine Environment-Variable mit Metadaten
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap gibt alle Konfigurationen als Map zurueck
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"KVBRIDGE_BACKEND":      {"KVBRIDGE_BACKEND", Backend(), "Transport backend for cache transfers (e.g. inproc, agent)"},
		"KVBRIDGE_HOST":         {"KVBRIDGE_HOST", Host(), "Bind address for the agent transport (default 127.0.0.1:33441)"},
		"KVBRIDGE_MAX_TOKENS":   {"KVBRIDGE_MAX_TOKENS", MaxTokens(), "Token capacity of each staging buffer (default 2048)"},
		"KVBRIDGE_SEND_BUFFERS": {"KVBRIDGE_SEND_BUFFERS", SendBuffers(), "Number of staging buffers on the serving side (default 4)"},
		"KVBRIDGE_RECV_BUFFERS": {"KVBRIDGE_RECV_BUFFERS", RecvBuffers(), "Number of staging buffers on the requesting side (default 4)"},
		"KVBRIDGE_DEBUG":        {"KVBRIDGE_DEBUG", LogLevel(), "Show additional debug information (e.g. KVBRIDGE_DEBUG=1)"},
	}
}
