package logging

import (
	"go.uber.org/zap/zapcore"
)

// newSampledCore splits core into one band per level below Error, each with
// its own sampler budget from cfg.Levels. Error and above pass through.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}

	bands := []zapcore.Core{
		&bandCore{Core: core, lo: zapcore.ErrorLevel, hi: zapcore.FatalLevel},
	}
	for lvl := TraceLevel; lvl <= zapcore.WarnLevel; lvl++ {
		band := zapcore.Core(&bandCore{Core: core, lo: lvl, hi: lvl})
		if budget, ok := cfg.Levels[lvl]; ok {
			band = zapcore.NewSamplerWithOptions(band, cfg.Tick.Duration(), budget.Initial, budget.Thereafter)
		}
		bands = append(bands, band)
	}
	return zapcore.NewTee(bands...)
}

// bandCore only accepts entries with lo <= level <= hi.
type bandCore struct {
	zapcore.Core
	lo, hi zapcore.Level
}

func (c *bandCore) Enabled(lvl zapcore.Level) bool {
	return lvl >= c.lo && lvl <= c.hi && c.Core.Enabled(lvl)
}

func (c *bandCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *bandCore) With(fields []zapcore.Field) zapcore.Core {
	return &bandCore{Core: c.Core.With(fields), lo: c.lo, hi: c.hi}
}
