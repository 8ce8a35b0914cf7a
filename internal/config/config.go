// Package config holds the process configuration, loaded once at startup:
// struct tags decoded by caarlos0/env, validated with go-playground/validator,
// and printed once for the log.
package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
)

// ByteSize decodes human-friendly sizes like "10GB" or "500MB" from the
// environment.
type ByteSize int64

func (b *ByteSize) UnmarshalText(data []byte) error {
	value := strings.TrimSpace(strings.ToUpper(string(data)))
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(value, "GB"):
		multiplier = 1 << 30
		value = strings.TrimSuffix(value, "GB")
	case strings.HasSuffix(value, "MB"):
		multiplier = 1 << 20
		value = strings.TrimSuffix(value, "MB")
	case strings.HasSuffix(value, "KB"):
		multiplier = 1 << 10
		value = strings.TrimSuffix(value, "KB")
	case strings.HasSuffix(value, "B"):
		multiplier = 1
		value = strings.TrimSuffix(value, "B")
	}
	num, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return err
	}
	*b = ByteSize(num * float64(multiplier))
	return nil
}

// Config is the full process configuration, loaded once at startup.
type Config struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080" validate:"required"`

	// StorageServers is the ordered list of upstream storage server base
	// URLs fanned out to on a selection probe or registry survey.
	StorageServers []string `env:"STORAGE_SERVERS" envSeparator:"," validate:"required,min=1,dive,url"`

	// Registries maps each configured registry UUID to its origin
	// verification template. Loaded from a "uuid=template,uuid=template"
	// environment value.
	Registries map[string]string `env:"REGISTRIES" envSeparator:"," envKeyValSeparator:"=" validate:"required,min=1"`

	Root string `env:"ROOT_DIR" envDefault:"/var/lib/cacheproxy" validate:"required"`

	CacheSizeLimit ByteSize `env:"CACHE_SIZE_LIMIT" envDefault:"50GB"`

	RegistryPollInterval time.Duration `env:"REGISTRY_POLL_INTERVAL" envDefault:"5m" validate:"min=1s"`

	// FQDN is loaded with the rest of the configuration; no component reads
	// it, and the published registries index does not include it.
	FQDN string `env:"FQDN" envDefault:""`

	SelectorTimeout time.Duration `env:"SELECTOR_TIMEOUT" envDefault:"5s" validate:"min=1s"`
	SelectorRetries int           `env:"SELECTOR_RETRIES" envDefault:"2" validate:"min=0"`

	EnableLogging bool `env:"ENABLE_LOGGING" envDefault:"true"`
}

// CacheRoot is where the cache keeps its resident files.
func (c *Config) CacheRoot() string { return c.Root + "/cache" }

// TempRoot is the shared temp root for all atomic writers.
func (c *Config) TempRoot() string { return c.Root + "/temp" }

// StaticRoot is where the published registries index lives.
func (c *Config) StaticRoot() string { return c.Root + "/static" }

// RegistriesIndexPath is the fixed path of the published registries index.
func (c *Config) RegistriesIndexPath() string { return c.StaticRoot() + "/registries" }

// Validate runs struct-tag validation over the loaded config.
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

// Print logs the effective configuration once at startup.
func (c *Config) Print() {
	log.Info("Config:")
	log.Info("  ListenAddr: %s", c.ListenAddr)
	log.Info("  Root: %s", c.Root)
	log.Info("  StorageServers: %s", strings.Join(c.StorageServers, ", "))
	log.Info("  Registries: %d configured", len(c.Registries))
	log.Info("  CacheSizeLimit: %s", humanize.IBytes(uint64(c.CacheSizeLimit)))
	log.Info("  RegistryPollInterval: %s", c.RegistryPollInterval)
	log.Info("  SelectorTimeout: %s (retries %d)", c.SelectorTimeout, c.SelectorRetries)
	log.Info("  EnableLogging: %t", c.EnableLogging)
}
