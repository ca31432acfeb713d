// Package logging provides the agent's level-based logger. All output
// goes to stderr so it never collides with any stdout-framed protocol a
// future transport might use, and debug output is opt-in.
package logging

import (
	"io"
	"log"
	"os"
)

type Logger struct {
	debugEnabled bool
	infoLogger   *log.Logger
	debugLogger  *log.Logger
}

var globalLogger *Logger

// Initialize sets up the global logger. Call once at agent startup.
func Initialize(debugMode bool) {
	var output io.Writer = os.Stderr
	globalLogger = &Logger{
		debugEnabled: debugMode,
		infoLogger:   log.New(output, "", log.LstdFlags),
		debugLogger:  log.New(output, "", log.LstdFlags),
	}
}

func ensure() {
	if globalLogger == nil {
		Initialize(false)
	}
}

func Info(format string, args ...interface{}) {
	ensure()
	globalLogger.infoLogger.Printf(format, args...)
}

func Debug(format string, args ...interface{}) {
	ensure()
	if globalLogger.debugEnabled {
		globalLogger.debugLogger.Printf("DEBUG: "+format, args...)
	}
}

func Error(format string, args ...interface{}) {
	ensure()
	globalLogger.infoLogger.Printf("ERROR: "+format, args...)
}

func IsDebugEnabled() bool {
	ensure()
	return globalLogger.debugEnabled
}
