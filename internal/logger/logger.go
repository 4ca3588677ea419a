// Package logger provides centralized logging for the VPN supervisor and helper.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"
)

const logFileName = "vpn-guard.log"

var (
	logFile   *os.File
	console   io.Writer
	verbose   bool
	logMutex  sync.Mutex
	logPath   string
	listeners []func(string)
	listMutex sync.RWMutex
)

// Init opens the log file in dir. An empty dir selects the per-user default.
func Init(dir string) error {
	logMutex.Lock()
	defer logMutex.Unlock()

	if dir == "" {
		dir = getLogDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	path := filepath.Join(dir, logFileName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if logFile != nil {
		logFile.Close()
	}
	logFile = f
	logPath = path
	return nil
}

// CaptureStderr points the process stderr at the log file so runtime panics
// of a detached daemon end up next to the regular log lines.
func CaptureStderr() error {
	logMutex.Lock()
	defer logMutex.Unlock()
	if logFile == nil {
		return fmt.Errorf("logger not initialized")
	}
	return redirectStderr(logFile)
}

// SetConsole mirrors every log line to w. Pass nil to stop mirroring.
func SetConsole(w io.Writer) {
	logMutex.Lock()
	defer logMutex.Unlock()
	console = w
}

// SetVerbose enables DEBUG lines.
func SetVerbose(v bool) {
	logMutex.Lock()
	defer logMutex.Unlock()
	verbose = v
}

// Close closes the log file
func Close() {
	logMutex.Lock()
	defer logMutex.Unlock()
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

// AddListener adds a callback that receives log messages
func AddListener(fn func(string)) {
	listMutex.Lock()
	defer listMutex.Unlock()
	listeners = append(listeners, fn)
}

// Log writes a log message
func Log(format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	line := fmt.Sprintf("[%s] %s", time.Now().Format("2006-01-02 15:04:05"), message)

	logMutex.Lock()
	if logFile != nil {
		logFile.WriteString(line + "\n")
	}
	if console != nil {
		io.WriteString(console, line+"\n")
	}
	logMutex.Unlock()

	listMutex.RLock()
	for _, fn := range listeners {
		go fn(line)
	}
	listMutex.RUnlock()
}

// Info logs an info message
func Info(format string, args ...interface{}) {
	Log("INFO: "+format, args...)
}

// Error logs an error message
func Error(format string, args ...interface{}) {
	Log("ERROR: "+format, args...)
}

// Debug logs a debug message when verbose logging is on.
func Debug(format string, args ...interface{}) {
	logMutex.Lock()
	on := verbose
	logMutex.Unlock()
	if on {
		Log("DEBUG: "+format, args...)
	}
}

// Warning logs a warning message
func Warning(format string, args ...interface{}) {
	Log("WARN: "+format, args...)
}

// Connection logs a session lifecycle event
func Connection(format string, args ...interface{}) {
	Log("CONN: "+format, args...)
}

// GetLogPath returns the path to the log file
func GetLogPath() string {
	logMutex.Lock()
	defer logMutex.Unlock()
	return logPath
}

// Recover should be deferred at the top of every goroutine to catch panics.
// Usage: go func() { defer logger.Recover("myGoroutine"); ... }()
func Recover(name string) {
	if r := recover(); r != nil {
		LogPanic(name, r)
	}
}

// LogPanic records a recovered panic value with its stack. Callers that need
// to act on the panic recover themselves and hand the value over.
func LogPanic(name string, r interface{}) {
	msg := fmt.Sprintf("PANIC in %s: %v\n%s", name, r, debug.Stack())
	Error("%s", msg)
}

// SafeGo launches a goroutine with panic recovery.
func SafeGo(name string, fn func()) {
	go func() {
		defer Recover(name)
		fn()
	}()
}

// ReadLogs reads the log file contents
func ReadLogs() (string, error) {
	path := GetLogPath()
	if path == "" {
		path = filepath.Join(getLogDir(), logFileName)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ClearLogs truncates the log file
func ClearLogs() error {
	logMutex.Lock()
	defer logMutex.Unlock()

	if logFile == nil {
		return nil
	}
	if err := logFile.Truncate(0); err != nil {
		return err
	}
	_, err := logFile.Seek(0, io.SeekStart)
	return err
}
