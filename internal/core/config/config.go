// Package config loads toolkit configuration from the environment, plus batch
// export job files in YAML.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr     string
	LogLevel string

	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string

	Schema         string
	GeometryColumn string
	BatchSize      int

	ConnectTimeout time.Duration
}

func FromEnv() Config {
	return Config{
		Addr:     getenv("ADDR", ":8091"),
		LogLevel: getenv("LOG_LEVEL", "info"),

		Host:     getenv("PGHOST", "localhost"),
		Port:     getint("PGPORT", 5432),
		Database: getenv("PGDATABASE", "postgres"),
		User:     getenv("PGUSER", "postgres"),
		Password: getenv("PGPASSWORD", ""),
		SSLMode:  getenv("PGSSLMODE", ""),

		Schema:         getenv("EXPORT_SCHEMA", "public"),
		GeometryColumn: getenv("EXPORT_GEOMETRY_COLUMN", "geom"),
		BatchSize:      getint("EXPORT_BATCH_SIZE", 1000),

		ConnectTimeout: getduration("PGCONNECT_TIMEOUT", 10*time.Second),
	}
}

// DSN assembles a keyword/value connection string for the configured
// database.
func (c Config) DSN() string {
	return c.DSNFor(c.Database)
}

// DSNFor targets another database on the same server, as the SQL deployer
// iterates over every database.
func (c Config) DSNFor(database string) string {
	parts := []string{
		"host=" + quoteDSN(c.Host),
		fmt.Sprintf("port=%d", c.Port),
		"dbname=" + quoteDSN(database),
		"user=" + quoteDSN(c.User),
	}
	if c.Password != "" {
		parts = append(parts, "password="+quoteDSN(c.Password))
	}
	if c.SSLMode != "" {
		parts = append(parts, "sslmode="+quoteDSN(c.SSLMode))
	}
	if c.ConnectTimeout > 0 {
		parts = append(parts, fmt.Sprintf("connect_timeout=%d", int(c.ConnectTimeout.Seconds())))
	}
	return strings.Join(parts, " ")
}

// URL is the same connection in postgres:// form, for log output with the
// password elided.
func (c Config) URL() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Database,
	}
	if c.User != "" {
		u.User = url.User(c.User)
	}
	return u.String()
}

// DSN values containing spaces or quotes need single-quote wrapping.
func quoteDSN(v string) string {
	if v == "" || !strings.ContainsAny(v, " '\\") {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
