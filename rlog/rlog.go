// Package rlog is the logging facade consumed by every other package in
// this module. It never decides policy (format, output, level filtering)
// itself; it forwards to a zap.SugaredLogger and adds the two levels the
// runtime's error-handling design calls for on top of the usual ones:
// Syserr (an error accompanied by an errno-shaped cause) and Sysfatal
// (logs and then terminates the process, for the handful of setup failures
// that make continuing meaningless).
package rlog

import (
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Logger is the contract every component in this module depends on.
type Logger interface {
	Tracef(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Syserr(cause error, format string, args ...interface{})
	Sysfatal(cause error, format string, args ...interface{})
}

type zapLogger struct {
	s *zap.SugaredLogger
}

// New builds a production-profile Logger backed by zap. Trace is mapped to
// zap's Debug level with a "[trace]" prefix since zap has no dedicated
// trace level.
func New() Logger {
	l, err := zap.NewProduction()
	if err != nil {
		// zap itself failing to construct is a setup failure; there is no
		// logger yet to report it through, so fall back to a no-op core
		// rather than panic the caller's process.
		l = zap.NewNop()
	}
	return &zapLogger{s: l.Sugar()}
}

// Nop returns a Logger that discards everything, for tests that don't care.
func Nop() Logger {
	return &zapLogger{s: zap.NewNop().Sugar()}
}

func (z *zapLogger) Tracef(format string, args ...interface{}) { z.s.Debugf("[trace] "+format, args...) }
func (z *zapLogger) Debugf(format string, args ...interface{}) { z.s.Debugf(format, args...) }
func (z *zapLogger) Infof(format string, args ...interface{})  { z.s.Infof(format, args...) }
func (z *zapLogger) Warnf(format string, args ...interface{})  { z.s.Warnf(format, args...) }
func (z *zapLogger) Errorf(format string, args ...interface{}) { z.s.Errorf(format, args...) }

func (z *zapLogger) Syserr(cause error, format string, args ...interface{}) {
	msg := "syscall error"
	if cause != nil {
		msg = errors.Wrap(cause, msg).Error()
	}
	z.s.Errorw(msg, "detail", zap.Error(cause))
	if format != "" {
		z.s.Errorf(format, args...)
	}
}

func (z *zapLogger) Sysfatal(cause error, format string, args ...interface{}) {
	msg := "fatal setup error"
	if cause != nil {
		msg = errors.Wrap(cause, msg).Error()
	}
	z.s.Errorw(msg, "detail", zap.Error(cause))
	if format != "" {
		z.s.Errorf(format, args...)
	}
	_ = z.s.Sync()
	os.Exit(1)
}
