package daemon

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// LogLight stands in for a status LED by logging its transitions.
type LogLight struct {
	name string
	log  *zap.Logger
	on   atomic.Bool
}

func NewLogLight(name string, log *zap.Logger) *LogLight {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogLight{name: name, log: log}
}

func (l *LogLight) On() {
	if !l.on.Swap(true) {
		l.log.Info("light on", zap.String("light", l.name))
	}
}

func (l *LogLight) Off() {
	if l.on.Swap(false) {
		l.log.Info("light off", zap.String("light", l.name))
	}
}

func (l *LogLight) IsOn() bool {
	return l.on.Load()
}
