// logger/logger.go
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var levelMap = map[LogLevel]zerolog.Level{
	DEBUG: zerolog.DebugLevel,
	INFO:  zerolog.InfoLevel,
	WARN:  zerolog.WarnLevel,
	ERROR: zerolog.ErrorLevel,
}

// ParseLevel converts a config string (debug, info, warn, error) to a LogLevel
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return DEBUG, nil
	case "", "info":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error", "fatal":
		return ERROR, nil
	default:
		return INFO, fmt.Errorf("unknown log level %q", s)
	}
}

var (
	log      zerolog.Logger
	file     *os.File
	minLevel = DEBUG
	once     sync.Once
	mu       sync.RWMutex
)

// ensureInitialized creates a console logger if Init was never called
func ensureInitialized() {
	once.Do(func() {
		mu.Lock()
		defer mu.Unlock()
		log = build(consoleWriter(os.Stdout), nil)
	})
}

func consoleWriter(out *os.File) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: "2006/01/02 15:04:05",
		NoColor:    !isatty.IsTerminal(out.Fd()),
	}
}

func build(console io.Writer, fileOut io.Writer) zerolog.Logger {
	var writers []io.Writer
	if console != nil {
		writers = append(writers, console)
	}
	if fileOut != nil {
		writers = append(writers, fileOut)
	}
	var out io.Writer = io.Discard
	switch len(writers) {
	case 1:
		out = writers[0]
	case 2:
		out = zerolog.MultiLevelWriter(writers...)
	}
	return zerolog.New(out).
		Level(levelMap[minLevel]).
		With().
		Timestamp().
		CallerWithSkipFrameCount(zerolog.CallerSkipFrameCount + 1).
		Logger()
}

// Init initializes the logger with optional file and console output.
// The file receives JSON lines; the console gets human-readable output.
func Init(filename string, console bool) error {
	once.Do(func() {})
	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		file.Close()
		file = nil
	}

	var fileOut io.Writer
	if filename != "" {
		f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		file = f
		fileOut = f
	}

	var consoleOut io.Writer
	if console {
		consoleOut = consoleWriter(os.Stdout)
	}

	if fileOut == nil && consoleOut == nil {
		return fmt.Errorf("no output destination specified")
	}

	log = build(consoleOut, fileOut)
	return nil
}

// SetOutput redirects all log output to w. Used by tests.
func SetOutput(w io.Writer) {
	once.Do(func() {})
	mu.Lock()
	defer mu.Unlock()
	log = build(w, nil)
}

// SetLevel sets the minimum log level
func SetLevel(level LogLevel) {
	ensureInitialized()
	mu.Lock()
	defer mu.Unlock()
	minLevel = level
	log = log.Level(levelMap[level])
}

// Close closes the log file if one is open
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		file.Close()
		file = nil
		log = build(consoleWriter(os.Stdout), nil)
	}
}

func current() *zerolog.Logger {
	ensureInitialized()
	mu.RLock()
	defer mu.RUnlock()
	l := log
	return &l
}

func Debug(v ...interface{}) { current().Debug().Msg(fmt.Sprint(v...)) }

func Debugf(format string, v ...interface{}) { current().Debug().Msgf(format, v...) }

func Info(v ...interface{}) { current().Info().Msg(fmt.Sprint(v...)) }

func Infof(format string, v ...interface{}) { current().Info().Msgf(format, v...) }

func Warn(v ...interface{}) { current().Warn().Msg(fmt.Sprint(v...)) }

func Warnf(format string, v ...interface{}) { current().Warn().Msgf(format, v...) }

func Error(v ...interface{}) { current().Error().Msg(fmt.Sprint(v...)) }

func Errorf(format string, v ...interface{}) { current().Error().Msgf(format, v...) }

// Fatal logs an error message and exits the program
func Fatal(v ...interface{}) {
	current().Error().Msg(fmt.Sprint(v...))
	os.Exit(1)
}

// Fatalf logs a formatted error message and exits the program
func Fatalf(format string, v ...interface{}) {
	current().Error().Msgf(format, v...)
	os.Exit(1)
}
