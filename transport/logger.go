package transport

import (
	"github.com/pion/logging"
	"go.uber.org/zap"
)

// ZapLoggerFactory routes pion's internal logging into zap. Each pion scope
// becomes a named child logger.
type ZapLoggerFactory struct {
	Logger *zap.Logger
}

var _ logging.LoggerFactory = (*ZapLoggerFactory)(nil)

// NewLogger implements logging.LoggerFactory.
func (f *ZapLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	base := f.Logger
	if base == nil {
		base = zap.NewNop()
	}
	return &pionLogger{sugar: base.Named("pion").Named(scope).Sugar()}
}

type pionLogger struct {
	sugar *zap.SugaredLogger
}

// pion traces are very chatty; they are folded into debug.
func (l *pionLogger) Trace(msg string)                  { l.sugar.Debug(msg) }
func (l *pionLogger) Tracef(format string, args ...any) { l.sugar.Debugf(format, args...) }
func (l *pionLogger) Debug(msg string)                  { l.sugar.Debug(msg) }
func (l *pionLogger) Debugf(format string, args ...any) { l.sugar.Debugf(format, args...) }
func (l *pionLogger) Info(msg string)                   { l.sugar.Info(msg) }
func (l *pionLogger) Infof(format string, args ...any)  { l.sugar.Infof(format, args...) }
func (l *pionLogger) Warn(msg string)                   { l.sugar.Warn(msg) }
func (l *pionLogger) Warnf(format string, args ...any)  { l.sugar.Warnf(format, args...) }
func (l *pionLogger) Error(msg string)                  { l.sugar.Error(msg) }
func (l *pionLogger) Errorf(format string, args ...any) { l.sugar.Errorf(format, args...) }
