package busdb

import (
	"github.com/eric-warren/bus-tracker/internal/appconf"
)

const defaultBulkInsertBatchSize = 3000

// Config controls how the SQLite client is opened.
type Config struct {
	DBPath              string
	Env                 appconf.Environment
	AgencyTimezone      string
	verbose             bool
	bulkInsertBatchSize int
}

// NewConfig creates a Config for the given database path and environment.
func NewConfig(dbPath string, env appconf.Environment, verbose bool) Config {
	return Config{
		DBPath:  dbPath,
		Env:     env,
		verbose: verbose,
	}
}

// GetBulkInsertBatchSize returns the number of rows per multi-row INSERT
// during bulk imports.
func (c Config) GetBulkInsertBatchSize() int {
	if c.bulkInsertBatchSize > 0 {
		return c.bulkInsertBatchSize
	}
	return defaultBulkInsertBatchSize
}
