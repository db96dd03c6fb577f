package logging

import (
	"go.uber.org/zap/zapcore"
)

// noLevel marks an open end of a levelFilterCore range.
const noLevel = zapcore.Level(-128)

// newSampledCore samples entries below error level. Errors always pass.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}
	errors := &levelFilterCore{Core: core, minLevel: zapcore.ErrorLevel, maxLevel: noLevel}
	rest := &levelFilterCore{Core: core, minLevel: noLevel, maxLevel: zapcore.WarnLevel}
	return zapcore.NewTee(errors, zapcore.NewSamplerWithOptions(rest, cfg.Tick, cfg.Initial, cfg.Thereafter))
}

// levelFilterCore passes only entries within [minLevel, maxLevel]. A bound
// of noLevel is open.
type levelFilterCore struct {
	zapcore.Core
	minLevel zapcore.Level
	maxLevel zapcore.Level
}

func (c *levelFilterCore) Enabled(lvl zapcore.Level) bool {
	if c.minLevel != noLevel && lvl < c.minLevel {
		return false
	}
	if c.maxLevel != noLevel && lvl > c.maxLevel {
		return false
	}
	return c.Core.Enabled(lvl)
}

func (c *levelFilterCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *levelFilterCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelFilterCore{Core: c.Core.With(fields), minLevel: c.minLevel, maxLevel: c.maxLevel}
}
