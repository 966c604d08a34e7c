package streamcorpus

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Statter is the interface that stats collectors must implement to get stats
// out of the pipeline.
type Statter interface {
	Count(name string, value int64, rate float64, tags ...string)
	Gauge(name string, value float64, rate float64, tags ...string)
	Histogram(name string, value float64, rate float64, tags ...string)
	Set(name string, value string, rate float64, tags ...string)
	Timing(name string, value time.Duration, rate float64, tags ...string)
}

// NopStatter does nothing.
type NopStatter struct{}

// Count does nothing.
func (NopStatter) Count(name string, value int64, rate float64, tags ...string) {}

// Gauge does nothing.
func (NopStatter) Gauge(name string, value float64, rate float64, tags ...string) {}

// Histogram does nothing.
func (NopStatter) Histogram(name string, value float64, rate float64, tags ...string) {}

// Set does nothing.
func (NopStatter) Set(name string, value string, rate float64, tags ...string) {}

// Timing does nothing.
func (NopStatter) Timing(name string, value time.Duration, rate float64, tags ...string) {}

// Logger is the interface that loggers must implement to get pipeline logs.
// Printf logs at INFO.
type Logger interface {
	Printf(format string, v ...interface{})
	Debugf(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
	Criticalf(format string, v ...interface{})
}

// NopLogger logs nothing.
type NopLogger struct{}

// Printf does nothing.
func (NopLogger) Printf(format string, v ...interface{}) {}

// Debugf does nothing.
func (NopLogger) Debugf(format string, v ...interface{}) {}

// Warnf does nothing.
func (NopLogger) Warnf(format string, v ...interface{}) {}

// Errorf does nothing.
func (NopLogger) Errorf(format string, v ...interface{}) {}

// Criticalf does nothing.
func (NopLogger) Criticalf(format string, v ...interface{}) {}

// Level is the severity of a log line.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
	LevelCritical
)

var levelNames = [...]string{"DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL"}

func (l Level) String() string {
	if l < LevelDebug || l > LevelCritical {
		return fmt.Sprintf("Level(%d)", int(l))
	}
	return levelNames[l]
}

// ParseLevel converts a log_level configuration value into a Level. The empty
// string means INFO.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug, nil
	case "", "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarning, nil
	case "ERROR":
		return LevelError, nil
	case "CRITICAL", "FATAL":
		return LevelCritical, nil
	}
	return LevelInfo, errors.Wrapf(ErrConfiguration, "unknown log level '%s'", s)
}

// LevelLogger writes every line at or above Min to the wrapped log.Logger,
// prefixed with its level name.
type LevelLogger struct {
	*log.Logger
	Min Level
}

// NewLevelLogger wraps l.
func NewLevelLogger(l *log.Logger, min Level) *LevelLogger {
	return &LevelLogger{Logger: l, Min: min}
}

func (s *LevelLogger) logf(lvl Level, format string, v []interface{}) {
	if lvl < s.Min {
		return
	}
	s.Logger.Printf(lvl.String()+" "+format, v...)
}

// Printf implements Logger interface.
func (s *LevelLogger) Printf(format string, v ...interface{}) { s.logf(LevelInfo, format, v) }

// Debugf implements Logger interface.
func (s *LevelLogger) Debugf(format string, v ...interface{}) { s.logf(LevelDebug, format, v) }

// Warnf implements Logger interface.
func (s *LevelLogger) Warnf(format string, v ...interface{}) { s.logf(LevelWarning, format, v) }

// Errorf implements Logger interface.
func (s *LevelLogger) Errorf(format string, v ...interface{}) { s.logf(LevelError, format, v) }

// Criticalf implements Logger interface.
func (s *LevelLogger) Criticalf(format string, v ...interface{}) { s.logf(LevelCritical, format, v) }
