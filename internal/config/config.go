// Package config loads the server's read-only settings snapshot from an INI
// file, then overlays environment variables.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// StorageMode selects which Store implementation the server wires up.
type StorageMode string

const (
	StorageMemory StorageMode = "memory"
	StorageDB     StorageMode = "mysql" // kept as "mysql" for env-var compatibility; backed by SQLite
	StorageHybrid StorageMode = "hybrid"
)

// Config is the fully-resolved, immutable settings snapshot.
type Config struct {
	// Server
	HTTPHost        string
	HTTPPort        int
	ThreadPoolSize  int
	LogPath         string
	LogLevel        string
	MDNSEnabled     bool
	MDNSServicePort int

	// Storage
	StorageMode StorageMode
	DBPath      string
	BatchSize   int
	BatchIntervalMS int

	// Database connection pool
	DBHost           string
	DBPort           int
	DBUser           string
	DBPassword       string
	DBDatabase       string
	DBPoolMin        int
	DBPoolMax        int
	DBConnectTimeoutMS int
	AcquireTimeoutMS   int
}

func defaults() Config {
	return Config{
		HTTPHost:           "0.0.0.0",
		HTTPPort:           8080,
		ThreadPoolSize:     0, // 0 => internal/app uses a fixed 4 workers
		LogPath:            "device_server.log",
		LogLevel:           "info",
		MDNSEnabled:        false,
		MDNSServicePort:    8080,
		StorageMode:        StorageMemory,
		DBPath:             "data/device_server.db",
		BatchSize:          0,
		BatchIntervalMS:    0,
		DBHost:             "127.0.0.1",
		DBPort:             3306,
		DBUser:             "root",
		DBPassword:         "",
		DBDatabase:         "device_data",
		DBPoolMin:          2,
		DBPoolMax:          10,
		DBConnectTimeoutMS: 5000,
		AcquireTimeoutMS:   5000,
	}
}

// iniData is section -> key -> value.
type iniData map[string]map[string]string

// Load reads the INI file at path, overlays environment variables, and
// returns the resolved Config. A missing or unreadable file is an error;
// the caller (cmd/server) is responsible for trying its fallback paths
// before giving up and using defaults.
func Load(path string) (Config, error) {
	cfg := defaults()

	data, err := parseINI(path)
	if err != nil {
		return Config{}, err
	}

	applyINI(&cfg, data)
	applyEnv(&cfg)

	return cfg, nil
}

// LoadDefaults returns the built-in defaults overlaid with environment
// variables, with no config file involved. Used when every candidate
// config file path has failed to load.
func LoadDefaults() Config {
	cfg := defaults()
	applyEnv(&cfg)
	return cfg
}

func parseINI(path string) (iniData, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data := make(iniData)
	section := ""

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			if end := strings.IndexByte(line, ']'); end >= 0 {
				section = strings.TrimSpace(line[1:end])
			}
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		value := strings.TrimSpace(line[eq+1:])
		value = unquote(value)
		if section == "" || key == "" {
			continue
		}
		if data[section] == nil {
			data[section] = make(map[string]string)
		}
		data[section][key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return data, nil
}

func unquote(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}

func applyINI(cfg *Config, data iniData) {
	if v, ok := data["server"]["host"]; ok {
		cfg.HTTPHost = v
	}
	if v, ok := data["server"]["port"]; ok {
		cfg.HTTPPort = atoiOr(v, cfg.HTTPPort)
	}
	if v, ok := data["server"]["thread_pool_size"]; ok {
		cfg.ThreadPoolSize = atoiOr(v, cfg.ThreadPoolSize)
	}
	if v, ok := data["server"]["log_path"]; ok {
		cfg.LogPath = v
	}
	if v, ok := data["server"]["log_level"]; ok {
		cfg.LogLevel = v
	}
	if v, ok := data["server"]["mdns_enabled"]; ok {
		cfg.MDNSEnabled = boolOr(v, cfg.MDNSEnabled)
	}

	if v, ok := data["storage"]["mode"]; ok {
		cfg.StorageMode = normalizeStorageMode(v)
	}
	if v, ok := data["storage"]["db_path"]; ok {
		cfg.DBPath = v
	}
	if v, ok := data["storage"]["batch_size"]; ok {
		cfg.BatchSize = atoiOr(v, cfg.BatchSize)
	}
	if v, ok := data["storage"]["batch_interval_ms"]; ok {
		cfg.BatchIntervalMS = atoiOr(v, cfg.BatchIntervalMS)
	}
	if v, ok := data["storage"]["acquire_timeout_ms"]; ok {
		cfg.AcquireTimeoutMS = atoiOr(v, cfg.AcquireTimeoutMS)
	}

	if v, ok := data["mysql"]["host"]; ok {
		cfg.DBHost = v
	}
	if v, ok := data["mysql"]["port"]; ok {
		cfg.DBPort = atoiOr(v, cfg.DBPort)
	}
	if v, ok := data["mysql"]["user"]; ok {
		cfg.DBUser = v
	}
	if v, ok := data["mysql"]["password"]; ok {
		cfg.DBPassword = v
	}
	if v, ok := data["mysql"]["database"]; ok {
		cfg.DBDatabase = v
	}
	if v, ok := data["mysql"]["pool_size_min"]; ok {
		cfg.DBPoolMin = atoiOr(v, cfg.DBPoolMin)
	}
	if v, ok := data["mysql"]["pool_size_max"]; ok {
		cfg.DBPoolMax = atoiOr(v, cfg.DBPoolMax)
	}
	if v, ok := data["mysql"]["connect_timeout"]; ok {
		cfg.DBConnectTimeoutMS = atoiOr(v, cfg.DBConnectTimeoutMS)
	}
}

// envMappings lists each environment variable that can override a config
// field, applied after the INI file in the order declared here.
var envMappings = []struct {
	apply func(*Config, string)
	name  string
}{
	{func(c *Config, v string) { c.DBHost = v }, "DEVICE_SERVER_MYSQL_HOST"},
	{func(c *Config, v string) { c.DBPort = atoiOr(v, c.DBPort) }, "DEVICE_SERVER_MYSQL_PORT"},
	{func(c *Config, v string) { c.DBUser = v }, "DEVICE_SERVER_MYSQL_USER"},
	{func(c *Config, v string) { c.DBPassword = v }, "DEVICE_SERVER_MYSQL_PASSWORD"},
	{func(c *Config, v string) { c.DBDatabase = v }, "DEVICE_SERVER_MYSQL_DATABASE"},
	{func(c *Config, v string) { c.DBPoolMin = atoiOr(v, c.DBPoolMin) }, "DEVICE_SERVER_MYSQL_POOL_MIN"},
	{func(c *Config, v string) { c.DBPoolMax = atoiOr(v, c.DBPoolMax) }, "DEVICE_SERVER_MYSQL_POOL_MAX"},
	{func(c *Config, v string) { c.DBConnectTimeoutMS = atoiOr(v, c.DBConnectTimeoutMS) }, "DEVICE_SERVER_MYSQL_TIMEOUT"},
	{func(c *Config, v string) { c.HTTPPort = atoiOr(v, c.HTTPPort) }, "DEVICE_SERVER_PORT"},
	{func(c *Config, v string) { c.ThreadPoolSize = atoiOr(v, c.ThreadPoolSize) }, "DEVICE_SERVER_THREADS"},
	{func(c *Config, v string) { c.StorageMode = normalizeStorageMode(v) }, "DEVICE_SERVER_STORAGE_MODE"},
	{func(c *Config, v string) { c.BatchSize = atoiOr(v, c.BatchSize) }, "DEVICE_SERVER_BATCH_SIZE"},
}

func applyEnv(cfg *Config) {
	for _, m := range envMappings {
		if v := os.Getenv(m.name); v != "" {
			m.apply(cfg, v)
		}
	}
}

func normalizeStorageMode(v string) StorageMode {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "mysql", "db", "database":
		return StorageDB
	case "hybrid", "mixed", "both":
		return StorageHybrid
	default:
		return StorageMemory
	}
}

func atoiOr(s string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fallback
	}
	return n
}

func boolOr(s string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "1", "on":
		return true
	case "false", "no", "0", "off":
		return false
	default:
		return fallback
	}
}
