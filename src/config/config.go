// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"forensicworker/src/model"
)

// Limits are the admission rules for one analysis type.
type Limits struct {
	Enabled     bool
	MaxSize     int64
	AllowedMIME []string
	Timeout     time.Duration
}

// AllowsMIME reports whether mime is on the allow-list. An empty list allows
// everything.
func (l Limits) AllowsMIME(mime string) bool {
	if len(l.AllowedMIME) == 0 {
		return true
	}
	mime = strings.ToLower(strings.TrimSpace(strings.SplitN(mime, ";", 2)[0]))
	for _, allowed := range l.AllowedMIME {
		if allowed == mime {
			return true
		}
	}
	return false
}

type Config struct {
	Debug bool

	APIPort   string
	JWTSecret string

	StoreBackend string // memory | postgres | mysql
	DBUser       string
	DBPassword   string
	DBName       string
	DBHost       string
	DBPort       string
	DBSSLMode    string
	MySQLDSN     string

	WorkerCount            int
	MaxRunningPerRequester int
	QueueCapacity          int
	PollInterval           time.Duration
	CancelPollInterval     time.Duration
	ProgressEventInterval  time.Duration
	DuplicatePolicy        string // allow | coalesce
	RecoveryPolicy         model.RecoveryPolicy
	RecoveryStaleAfter     time.Duration

	EngineRuntime        string // docker | local
	VolatilityImage      string
	VolatilityCommand    string
	TsharkImage          string
	TsharkCommand        string
	ContainerMemoryMB    int64
	ContainerCPULimit    float64
	ContainerIdleTimeout time.Duration
	ArtifactRoot         string
	AllowedRemoteHosts   []string

	Limits map[model.AnalysisType]Limits
}

var defaults = map[string]any{
	"DEBUG":                     false,
	"API_PORT":                  "8080",
	"STORE_BACKEND":             "memory",
	"DB_HOST":                   "localhost",
	"DB_PORT":                   "5432",
	"DB_SSLMODE":                "require",
	"WORKER_COUNT":              runtime.NumCPU(),
	"MAX_RUNNING_PER_REQUESTER": 2,
	"QUEUE_CAPACITY":            1000,
	"POLL_INTERVAL":             "5s",
	"CANCEL_POLL_INTERVAL":      "2s",
	"PROGRESS_EVENT_INTERVAL":   "1s",
	"DUPLICATE_POLICY":          "allow",
	"RECOVERY_POLICY":           string(model.RecoverFail),
	"RECOVERY_STALE_AFTER":      "1m",
	"ENGINE_RUNTIME":            "docker",
	"VOLATILITY_IMAGE":          "sk4la/volatility3:latest",
	"VOLATILITY_COMMAND":        "vol",
	"TSHARK_IMAGE":              "cincan/tshark:latest",
	"TSHARK_COMMAND":            "tshark",
	"CONTAINER_MEMORY_MB":       2048,
	"CONTAINER_CPU_LIMIT":       1.0,
	"CONTAINER_IDLE_TIMEOUT":    "5m",
	"ARTIFACT_ROOT":             "",
	"ALLOWED_REMOTE_HOSTS":      "",

	"ENABLE_DOCUMENT":       true,
	"MAX_SIZE_DOCUMENT":     int64(100 << 20),
	"ALLOWED_MIME_DOCUMENT": "",
	"TASK_TIMEOUT_DOCUMENT": "10m",

	"ENABLE_MEMORY":       true,
	"MAX_SIZE_MEMORY":     int64(32 << 30),
	"ALLOWED_MIME_MEMORY": "application/octet-stream,application/x-raw-memory",
	"TASK_TIMEOUT_MEMORY": "2h",

	"ENABLE_NETWORK":       true,
	"MAX_SIZE_NETWORK":     int64(4 << 30),
	"ALLOWED_MIME_NETWORK": "application/vnd.tcpdump.pcap,application/x-pcapng,application/octet-stream",
	"TASK_TIMEOUT_NETWORK": "30m",
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}
	v := viper.New()
	v.AutomaticEnv()
	return FromViper(v)
}

// FromViper builds a Config from v, filling every unset key with its default.
func FromViper(v *viper.Viper) (*Config, error) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	cfg := &Config{
		Debug:                  v.GetBool("DEBUG"),
		APIPort:                v.GetString("API_PORT"),
		JWTSecret:              v.GetString("JWT_SECRET"),
		StoreBackend:           strings.ToLower(v.GetString("STORE_BACKEND")),
		DBUser:                 v.GetString("DB_USER"),
		DBPassword:             v.GetString("DB_PASSWORD"),
		DBName:                 v.GetString("DB_NAME"),
		DBHost:                 v.GetString("DB_HOST"),
		DBPort:                 v.GetString("DB_PORT"),
		DBSSLMode:              v.GetString("DB_SSLMODE"),
		MySQLDSN:               v.GetString("MYSQL_DSN"),
		WorkerCount:            v.GetInt("WORKER_COUNT"),
		MaxRunningPerRequester: v.GetInt("MAX_RUNNING_PER_REQUESTER"),
		QueueCapacity:          v.GetInt("QUEUE_CAPACITY"),
		PollInterval:           v.GetDuration("POLL_INTERVAL"),
		CancelPollInterval:     v.GetDuration("CANCEL_POLL_INTERVAL"),
		ProgressEventInterval:  v.GetDuration("PROGRESS_EVENT_INTERVAL"),
		DuplicatePolicy:        strings.ToLower(v.GetString("DUPLICATE_POLICY")),
		RecoveryPolicy:         model.RecoveryPolicy(strings.ToLower(v.GetString("RECOVERY_POLICY"))),
		RecoveryStaleAfter:     v.GetDuration("RECOVERY_STALE_AFTER"),
		EngineRuntime:          strings.ToLower(v.GetString("ENGINE_RUNTIME")),
		VolatilityImage:        v.GetString("VOLATILITY_IMAGE"),
		VolatilityCommand:      v.GetString("VOLATILITY_COMMAND"),
		TsharkImage:            v.GetString("TSHARK_IMAGE"),
		TsharkCommand:          v.GetString("TSHARK_COMMAND"),
		ContainerMemoryMB:      v.GetInt64("CONTAINER_MEMORY_MB"),
		ContainerCPULimit:      v.GetFloat64("CONTAINER_CPU_LIMIT"),
		ContainerIdleTimeout:   v.GetDuration("CONTAINER_IDLE_TIMEOUT"),
		ArtifactRoot:           v.GetString("ARTIFACT_ROOT"),
		AllowedRemoteHosts:     splitList(v.GetString("ALLOWED_REMOTE_HOSTS")),
		Limits:                 map[model.AnalysisType]Limits{},
	}

	for _, t := range model.AnalysisTypes {
		suffix := strings.ToUpper(string(t))
		cfg.Limits[t] = Limits{
			Enabled:     v.GetBool("ENABLE_" + suffix),
			MaxSize:     v.GetInt64("MAX_SIZE_" + suffix),
			AllowedMIME: splitList(v.GetString("ALLOWED_MIME_" + suffix)),
			Timeout:     v.GetDuration("TASK_TIMEOUT_" + suffix),
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.WorkerCount <= 0 {
		c.WorkerCount = runtime.NumCPU()
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("JWT_SECRET must be set")
	}
	// A window of 0 disables recovery. Otherwise it must outlast a couple of
	// missed heartbeats, which are sent every CANCEL_POLL_INTERVAL.
	if c.RecoveryStaleAfter < 0 {
		return fmt.Errorf("RECOVERY_STALE_AFTER must not be negative")
	}
	if c.RecoveryStaleAfter > 0 && c.RecoveryStaleAfter <= 2*c.CancelPollInterval {
		return fmt.Errorf("RECOVERY_STALE_AFTER (%s) must exceed twice CANCEL_POLL_INTERVAL (%s)",
			c.RecoveryStaleAfter, c.CancelPollInterval)
	}
	switch c.StoreBackend {
	case "memory", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported STORE_BACKEND %q", c.StoreBackend)
	}
	switch c.DuplicatePolicy {
	case "allow", "coalesce":
	default:
		return fmt.Errorf("unsupported DUPLICATE_POLICY %q", c.DuplicatePolicy)
	}
	switch c.RecoveryPolicy {
	case model.RecoverRequeue, model.RecoverFail:
	default:
		return fmt.Errorf("unsupported RECOVERY_POLICY %q", c.RecoveryPolicy)
	}
	switch c.EngineRuntime {
	case "docker", "local":
	default:
		return fmt.Errorf("unsupported ENGINE_RUNTIME %q", c.EngineRuntime)
	}
	return nil
}

// PostgresConnString follows the libpq keyword format.
func (c *Config) PostgresConnString() string {
	return fmt.Sprintf("user=%s password=%s dbname=%s host=%s port=%s sslmode=%s",
		c.DBUser, c.DBPassword, c.DBName, c.DBHost, c.DBPort, c.DBSSLMode)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
