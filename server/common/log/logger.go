package log

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

type level int

const (
	debugLevel level = iota
	infoLevel
	warnLevel
	errorLevel

	envLogFormat = "LOG_FORMAT"
	envLogLevel  = "LOG_LEVEL"

	logFormatText = "text"
	logFormatJSON = "json"

	terminalColorReset  = "\033[0m"
	terminalColorGray   = "\033[90m"
	terminalColorGreen  = "\033[32m"
	terminalColorYellow = "\033[33m"
	terminalColorRed    = "\033[31m"
)

func (lv level) String() string {
	switch lv {
	case debugLevel:
		return "DEBUG"
	case infoLevel:
		return "INFO"
	case warnLevel:
		return "WARN"
	default:
		return "ERROR"
	}
}

type logger struct {
	mu     sync.Mutex
	floor  level
	format string
}

var global = newLoggerFromEnv()

func newLoggerFromEnv() *logger {
	format := strings.ToLower(strings.TrimSpace(os.Getenv(envLogFormat)))
	if format != logFormatJSON {
		format = logFormatText
	}
	floor := infoLevel
	switch strings.ToUpper(strings.TrimSpace(os.Getenv(envLogLevel))) {
	case "DEBUG":
		floor = debugLevel
	case "WARN":
		floor = warnLevel
	case "ERROR":
		floor = errorLevel
	}
	return &logger{floor: floor, format: format}
}

func Debugf(format string, args ...any) {
	global.logf(debugLevel, format, args...)
}

func Infof(format string, args ...any) {
	global.logf(infoLevel, format, args...)
}

func Warnf(format string, args ...any) {
	global.logf(warnLevel, format, args...)
}

func Errorf(format string, args ...any) {
	global.logf(errorLevel, format, args...)
}

func (l *logger) logf(lv level, format string, args ...any) {
	if lv < l.floor {
		return
	}
	ts := time.Now().Format(time.RFC3339Nano)
	caller := callerFuncName(3)
	message := fmt.Sprintf(format, args...)

	line := l.formatLine(ts, lv, caller, message)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.format == logFormatJSON {
		fmt.Fprintln(os.Stdout, line)
		return
	}
	fmt.Fprintln(os.Stdout, colorForLevel(lv)+line+terminalColorReset)
}

func (l *logger) formatLine(ts string, lv level, caller, message string) string {
	if l.format == logFormatJSON {
		payload := map[string]string{
			"timestamp": ts,
			"level":     lv.String(),
			"caller":    caller,
			"message":   message,
		}
		if b, err := json.Marshal(payload); err == nil {
			return string(b)
		}
	}
	return fmt.Sprintf("%s:%s:%s:%s", ts, lv, caller, message)
}

func callerFuncName(skip int) string {
	pc, _, _, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "unknown"
	}
	fullName := fn.Name()
	parts := strings.Split(fullName, "/")
	if len(parts) == 0 {
		return fullName
	}
	return parts[len(parts)-1]
}

func colorForLevel(lv level) string {
	switch lv {
	case debugLevel:
		return terminalColorGray
	case infoLevel:
		return terminalColorGreen
	case warnLevel:
		return terminalColorYellow
	case errorLevel:
		return terminalColorRed
	default:
		return terminalColorReset
	}
}
