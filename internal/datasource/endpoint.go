package datasource

import (
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Type identifies the kind of store behind an endpoint
type Type string

const (
	TypeMySQL      Type = "mysql"
	TypePostgreSQL Type = "postgresql"
	TypeSQLite     Type = "sqlite"
)

// EndpointConfig describes a connectable data store and its pool bounds.
// It is treated as an immutable value; pools are keyed by its content.
type EndpointConfig struct {
	Type            Type          `yaml:"type" json:"type"`
	URL             string        `yaml:"url" json:"url"`
	Username        string        `yaml:"username" json:"username"`
	Password        string        `yaml:"password" json:"-"`
	MaxConns        int           `yaml:"max_conns" json:"max_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	AcquireTimeout  time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`
}

// Key returns a content hash of every field. Structurally equal
// configurations always produce the same key.
func (c EndpointConfig) Key() uint64 {
	d := xxhash.New()
	for _, field := range []string{
		string(c.Type),
		c.URL,
		c.Username,
		c.Password,
		strconv.Itoa(c.MaxConns),
		strconv.Itoa(c.MaxIdleConns),
		c.ConnMaxLifetime.String(),
		c.AcquireTimeout.String(),
	} {
		_, _ = d.WriteString(field)
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}

// Validate checks the configuration is usable
func (c EndpointConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("endpoint url is required")
	}
	if _, ok := dialects[c.Type]; !ok {
		return fmt.Errorf("unsupported endpoint type %q", c.Type)
	}
	if c.MaxConns < 0 || c.MaxIdleConns < 0 {
		return fmt.Errorf("pool bounds must not be negative")
	}
	if c.MaxConns > 0 && c.MaxIdleConns > c.MaxConns {
		return fmt.Errorf("max idle conns (%d) exceeds max conns (%d)", c.MaxIdleConns, c.MaxConns)
	}
	if c.AcquireTimeout < 0 || c.ConnMaxLifetime < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

// String describes the endpoint without credentials
func (c EndpointConfig) String() string {
	return fmt.Sprintf("%s#%016x", c.Type, c.Key())
}
