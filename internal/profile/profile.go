package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Profile is the static configuration the server starts with. Everything
// operators may change at runtime (AI provider choice, channel credentials,
// PMS credentials) lives in the extension_config table instead.
type Profile struct {
	// Mode can be "prod", "dev" or "demo".
	Mode string
	// Addr is the binding address.
	Addr string
	// Port is the binding port.
	Port int
	// Data is the data directory holding the database file.
	Data string
	// DSN is the SQLite data source name. Defaults to <Data>/butler_<mode>.db.
	DSN string
	// JWTSecret signs and verifies staff access tokens.
	JWTSecret string
	// LogLevel is one of debug, info, warn, error.
	LogLevel string
	// InstanceURL is the externally reachable URL, used to validate inbound
	// webhook signatures that cover the full request URL.
	InstanceURL string
	// Version is the current server version.
	Version string
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// SlogLevel maps the configured level string onto a slog level.
func (p *Profile) SlogLevel() slog.Level {
	switch strings.ToLower(p.LogLevel) {
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

// FromEnv loads the environment-backed parts of the configuration.
func (p *Profile) FromEnv() {
	if v := os.Getenv("BUTLER_JWT_SECRET"); v != "" {
		p.JWTSecret = v
	}
	if v := os.Getenv("BUTLER_LOG_LEVEL"); v != "" {
		p.LogLevel = v
	}
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

// Validate normalizes and checks the profile. It must be called before the
// profile is handed to the server.
func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.Mode == "prod" && p.Data == "" {
		p.Data = "/var/opt/butler"
	}
	if p.Data == "" {
		p.Data = "."
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		return err
	}
	p.Data = dataDir

	if p.DSN == "" {
		dbFile := fmt.Sprintf("butler_%s.db", p.Mode)
		p.DSN = filepath.Join(dataDir, dbFile)
	}

	if p.JWTSecret == "" {
		return errors.New("jwt secret required, set BUTLER_JWT_SECRET")
	}

	return nil
}
