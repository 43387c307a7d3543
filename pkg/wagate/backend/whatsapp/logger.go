package whatsapp

import (
	"fmt"
	"log/slog"

	waLog "go.mau.fi/whatsmeow/util/log"
)

// slogLogger routes whatsmeow's printf-style logging into slog.
type slogLogger struct {
	l *slog.Logger
}

func newLogger(l *slog.Logger, module string) waLog.Logger {
	return &slogLogger{l: l.With("module", module)}
}

func (s *slogLogger) Errorf(msg string, args ...interface{}) {
	s.l.Error(fmt.Sprintf(msg, args...))
}

func (s *slogLogger) Warnf(msg string, args ...interface{}) {
	s.l.Warn(fmt.Sprintf(msg, args...))
}

func (s *slogLogger) Infof(msg string, args ...interface{}) {
	// whatsmeow is chatty at info level.
	s.l.Debug(fmt.Sprintf(msg, args...))
}

func (s *slogLogger) Debugf(msg string, args ...interface{}) {
	s.l.Debug(fmt.Sprintf(msg, args...))
}

func (s *slogLogger) Sub(module string) waLog.Logger {
	return &slogLogger{l: s.l.With("submodule", module)}
}
