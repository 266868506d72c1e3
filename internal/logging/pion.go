package logging

import (
	"fmt"

	pionlogging "github.com/pion/logging"
)

// pionLoggerFactory 는 pion 스타일 컴포넌트(rtc 엔진 등)가 요구하는
// pionlogging.LoggerFactory 를 Logger 위에 구현합니다. (ko)
// pionLoggerFactory bridges pion-style components onto the JSON Logger. (en)
type pionLoggerFactory struct {
	base Logger
}

// NewPionLoggerFactory 는 scope 별로 "scope" 필드가 붙은 LeveledLogger 를 만드는 팩토리를 반환합니다.
func NewPionLoggerFactory(base Logger) pionlogging.LoggerFactory {
	if base == nil {
		base = Nop()
	}
	return &pionLoggerFactory{base: base}
}

func (f *pionLoggerFactory) NewLogger(scope string) pionlogging.LeveledLogger {
	return &pionLogger{l: f.base.With(Fields{"scope": scope})}
}

type pionLogger struct {
	l Logger
}

// Trace 는 별도 레벨이 없으므로 Debug 로 기록합니다.
func (p *pionLogger) Trace(msg string) { p.l.Debug(msg, nil) }
func (p *pionLogger) Tracef(format string, args ...interface{}) {
	p.l.Debug(fmt.Sprintf(format, args...), nil)
}
func (p *pionLogger) Debug(msg string) { p.l.Debug(msg, nil) }
func (p *pionLogger) Debugf(format string, args ...interface{}) {
	p.l.Debug(fmt.Sprintf(format, args...), nil)
}
func (p *pionLogger) Info(msg string) { p.l.Info(msg, nil) }
func (p *pionLogger) Infof(format string, args ...interface{}) {
	p.l.Info(fmt.Sprintf(format, args...), nil)
}
func (p *pionLogger) Warn(msg string) { p.l.Warn(msg, nil) }
func (p *pionLogger) Warnf(format string, args ...interface{}) {
	p.l.Warn(fmt.Sprintf(format, args...), nil)
}
func (p *pionLogger) Error(msg string) { p.l.Error(msg, nil) }
func (p *pionLogger) Errorf(format string, args ...interface{}) {
	p.l.Error(fmt.Sprintf(format, args...), nil)
}
