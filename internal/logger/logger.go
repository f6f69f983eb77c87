package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
)

var (
	mu sync.RWMutex

	debugLogger *log.Logger

	DebugEnabled = false

	// TraceEnabled additionally emits per-block messages.
	TraceEnabled = false

	logFile *os.File
)

// InitLogging sets up logging based on configuration.
func InitLogging(debugMode bool, logPath string) error {
	mu.Lock()
	defer mu.Unlock()

	DebugEnabled = debugMode

	if DebugEnabled && logPath != "" {
		logDir := filepath.Dir(logPath)
		err := os.MkdirAll(logDir, 0o755)
		if err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}

		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}

		logFile = f
		debugLogger = log.New(f, "", log.Ldate|log.Ltime|log.Lshortfile)
	}

	return nil
}

// SetOutput sends log output to w instead of a file and enables logging.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	DebugEnabled = true
	debugLogger = log.New(w, "", log.Ldate|log.Ltime|log.Lmicroseconds)
}

// Close closes the log file if open.
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

func output(level, format string, v ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()

	if DebugEnabled && debugLogger != nil {
		debugLogger.Output(3, fmt.Sprintf(level+format, v...))
	}
}

func Infof(format string, v ...interface{}) {
	output("[INFO] ", format, v...)
}

// Errorf logs an error message if logging is enabled.
func Errorf(format string, v ...interface{}) {
	output("[ERROR] ", format, v...)
}

func Debugf(format string, v ...interface{}) {
	output("[DEBUG] ", format, v...)
}

func Warnf(format string, v ...interface{}) {
	output("[WARNING] ", format, v...)
}

func Tracef(format string, v ...interface{}) {
	if TraceEnabled {
		output("[TRACE] ", format, v...)
	}
}
