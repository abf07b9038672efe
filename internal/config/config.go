package config

import (
	"encoding/base64"
	"fmt"
	"strings"
)

type Config struct {
	DatabaseDriver string
	DatabaseDSN    string
	ServerAddr     string
	SigningKey     []byte
	AllowedOrigins []string
	// InternalToken guards the /internal endpoints used by the CRUD service.
	InternalToken string
	// AuthzURL is the CRUD service endpoint asked before a connection joins a
	// group. Empty allows every join.
	AuthzURL   string
	AuthzToken string
	Hub        HubSettings
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, fmt.Errorf("empty secret")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

// driverFromDSN picks the database driver from the DSN. Postgres URLs and
// key/value strings select lib/pq, everything else is treated as a sqlite
// file path.
func driverFromDSN(dsn string) (string, string) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "postgres", dsn
	case strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname="):
		return "postgres", dsn
	case strings.HasPrefix(dsn, "sqlite://"):
		return "sqlite", strings.TrimPrefix(dsn, "sqlite://")
	default:
		return "sqlite", dsn
	}
}

func NewConfig(serverAddr, databaseDSN, base64Secret string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	driver, dsn := driverFromDSN(databaseDSN)

	return &Config{
		DatabaseDriver: driver,
		DatabaseDSN:    dsn,
		ServerAddr:     serverAddr,
		SigningKey:     signingKey,
		AllowedOrigins: allowedOrigins,
		Hub:            DefaultHubSettings(),
	}, nil
}
