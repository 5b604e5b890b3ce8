// Package config loads this endpoint's layered configuration: flags
// override environment variables, which override file/viper defaults.
// Credentials themselves are not persisted here — they arrive from the
// Refresh Loop's REST calls — this package only configures how to
// reach that backend and how the endpoint presents itself locally.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config is the full set of host-provided settings this endpoint
// needs before it can start the Refresh Loop.
type Config struct {
	// Phone identifies the subscriber to the REST backend.
	Phone string
	// DeviceCode is the backend's device identifier for this client.
	DeviceCode string
	// BackendURL is the subscriber REST backend's base URL, e.g.
	// "https://domofon.example.com".
	BackendURL string
	// LocalIP is the address the SIP Endpoint and every RTP Client bind
	// to and advertise in Contact/SDP.
	LocalIP string
	// RefreshInterval is the Refresh Loop's cycle period.
	RefreshInterval time.Duration
	// StatusBindAddr is where the read-only diagnostics/metrics HTTP
	// surface listens, e.g. ":8090".
	StatusBindAddr string
	// LogLevel is one of debug/info/warn/error.
	LogLevel string
	// Synchronous controls whether Coordinator observer callbacks are
	// dispatched inline rather than on their own goroutine.
	Synchronous bool
}

// Load builds a Config from, in increasing priority: viper defaults,
// an optional config file at path (skipped if path is empty or
// missing), environment variables prefixed DOORVOIP_, and command-line
// flags.
func Load(path string, args []string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("doorvoip")
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	fs := flag.NewFlagSet("doorvoip", flag.ContinueOnError)
	phone := fs.String("phone", v.GetString("phone"), "subscriber phone number")
	deviceCode := fs.String("device-code", v.GetString("device_code"), "backend device code")
	backendURL := fs.String("backend-url", v.GetString("backend_url"), "subscriber REST backend base URL")
	localIP := fs.String("local-ip", v.GetString("local_ip"), "local bind address for SIP/RTP")
	refreshInterval := fs.Duration("refresh-interval", v.GetDuration("refresh_interval"), "Refresh Loop cycle period")
	statusBind := fs.String("status-bind", v.GetString("status_bind"), "status server bind address")
	logLevel := fs.String("log-level", v.GetString("log_level"), "log level: debug/info/warn/error")
	synchronous := fs.Bool("synchronous", v.GetBool("synchronous"), "dispatch observer callbacks inline")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("config: parse flags: %w", err)
	}

	cfg := &Config{
		Phone:           *phone,
		DeviceCode:      *deviceCode,
		BackendURL:      *backendURL,
		LocalIP:         *localIP,
		RefreshInterval: *refreshInterval,
		StatusBindAddr:  *statusBind,
		LogLevel:        *logLevel,
		Synchronous:     *synchronous,
	}

	return cfg, cfg.validate()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("device_code", "Android_empty_push_token")
	v.SetDefault("local_ip", "0.0.0.0")
	v.SetDefault("refresh_interval", 3600*time.Second)
	v.SetDefault("status_bind", ":8090")
	v.SetDefault("log_level", "info")
	v.SetDefault("synchronous", false)
}

func (c *Config) validate() error {
	if c.Phone == "" {
		return fmt.Errorf("config: phone is required")
	}
	if c.BackendURL == "" {
		return fmt.Errorf("config: backend-url is required")
	}
	if c.RefreshInterval < 0 {
		return fmt.Errorf("config: refresh-interval must not be negative")
	}
	return nil
}
