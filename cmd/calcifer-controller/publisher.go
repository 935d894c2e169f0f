package main

import (
	"context"

	"github.com/calcifer-iot/calcifer/internal/config"
	pkglog "github.com/calcifer-iot/calcifer/pkg/log"
	"github.com/sirupsen/logrus"
)

func setLogLevel(log *logrus.Logger, cfg *config.Config) {
	pkglog.SetLevelOrDefault(log, cfg.Service.LogLevel)
}

// loggingCommandPublisher stands in for the broker adapter when none is
// attached: commands are logged instead of sent to hardware.
type loggingCommandPublisher struct {
	log logrus.FieldLogger
}

func (p loggingCommandPublisher) PublishCommand(_ context.Context, topic, payload string) error {
	p.log.Infof("command %q -> %s", payload, topic)
	return nil
}
