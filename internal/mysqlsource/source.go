package mysqlsource

import (
	"fmt"

	"github.com/siddontang/loggers"
	"github.com/sirupsen/logrus"

	"github.com/block/spirit-cdc/internal/connector"
	"github.com/block/spirit-cdc/internal/schema"
)

// Config keys this connector interprets from the engine's Raw config
// passthrough (spec.md §9: unrecognized top-level options are logged
// and handed to the connector, never rejected by the core).
const (
	KeyAddr     = "database.hostname.port"
	KeyUser     = "database.user"
	KeyPassword = "database.password"
	KeyServerID = "database.server.id"
	KeyDatabase = "database.include.list"
)

// Source is the reference MySQL binlog source connector.
type Source struct {
	Registry *schema.Registry
	Logger   loggers.Advanced
}

// Initialize validates the connector-specific required options and
// returns a single task config, mirroring the 1:1 task-per-connector
// shape block-spirit's repl.Client assumes.
func (s *Source) Initialize(config map[string]string) ([]map[string]string, error) {
	if config[KeyAddr] == "" {
		return nil, fmt.Errorf("mysqlsource: missing required option %s", KeyAddr)
	}
	if config[KeyServerID] == "" {
		return nil, fmt.Errorf("mysqlsource: missing required option %s", KeyServerID)
	}
	return []map[string]string{config}, nil
}

// NewTask builds the per-worker canal-backed Task.
func (s *Source) NewTask(taskConfig map[string]string) (connector.Task, error) {
	logger := s.Logger
	if logger == nil {
		logger = logrus.New()
	}
	return NewTask(taskConfig, s.Registry, logger), nil
}
