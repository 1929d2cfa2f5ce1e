// Command enginectl runs the CDC engine standalone against a single
// connector config file, mirroring cmd/lint's thin kong wrapper around
// block-spirit's pkg/lint.Lint.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"

	"github.com/block/spirit-cdc/internal/connector"
	"github.com/block/spirit-cdc/internal/engine"
	"github.com/block/spirit-cdc/internal/mysqlsource"
	"github.com/block/spirit-cdc/internal/schema"
	"github.com/block/spirit-cdc/pkg/record"
)

// Run is the engine command: it loads a config file, registers the
// reference MySQL source connector, and blocks until the engine stops
// or the process receives an interrupt.
type Run struct {
	ConfigFile string `arg:"" help:"Path to a key=value engine config file." type:"existingfile"`
}

func (r *Run) Run() error {
	configMap, err := loadProperties(r.ConfigFile)
	if err != nil {
		return err
	}

	logger := logrus.New()
	registry := engine.NewRegistry()
	registry.Register("mysqlsource", func(reg *schema.Registry) connector.Source {
		return &mysqlsource.Source{Registry: reg, Logger: logger}
	})

	eng, err := engine.New(configMap, registry,
		engine.WithLogger(logger),
		engine.WithRecordNotification(func(rec record.Record) {
			logger.Debugf("emitted %s at %s", rec.Topic, rec.Position)
		}),
		engine.WithCompletion(func(success bool, message string, err error) {
			if success {
				logger.Infof("enginectl: %s", message)
			} else {
				logger.Errorf("enginectl: %s: %v", message, err)
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("enginectl: received interrupt, stopping")
		cancel()
	}()

	return eng.Run(ctx)
}

var cli struct {
	Run Run `cmd:"" default:"1" help:"Run the CDC engine against a connector config file."`
}

func main() {
	ctx := kong.Parse(&cli)
	ctx.FatalIfErrorf(ctx.Run())
}
