package postgres

import (
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// tablePrefixPattern is the accepted shape of a table-name prefix: word
// characters ending in an underscore, at most 32 characters before it.
var tablePrefixPattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,32}_$`)

// Config controls a postgres-backed store. The zero value is usable:
// no prefix, a 1000-event batch cap and three serialization retries.
type Config struct {
	// TablePrefix isolates several stores in one schema by prefixing
	// every table, function and trigger name. Must match [A-Za-z0-9_]+_
	// and stay within 32 characters plus the trailing underscore.
	TablePrefix string

	// MaxQueryLimit is the storage-wide absolute result limit, 0 for
	// unlimited.
	MaxQueryLimit int `validate:"gte=0"`

	// MaxBatchSize caps events per append, default 1000.
	MaxBatchSize int `validate:"gte=0"`

	// SerializationRetries is how often an append aborted by the
	// serializable isolation level is retried, default 3.
	SerializationRetries int `validate:"gte=0"`
}

func (c *Config) setDefaults() {
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = 1000
	}
	if c.SerializationRetries == 0 {
		c.SerializationRetries = 3
	}
}

func (c Config) validateConfig() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.TablePrefix != "" && !tablePrefixPattern.MatchString(c.TablePrefix) {
		return fmt.Errorf("invalid table prefix %q: must match [A-Za-z0-9_]+_ with at most 32 characters before the trailing underscore", c.TablePrefix)
	}
	return nil
}
