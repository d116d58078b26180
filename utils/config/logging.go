package config

import (
	"fmt"
	"log"
	"os"
	"strings"
)

// Verbose enables progress logging to the console
var Verbose bool

// Debug enables detailed debug logging
var Debug bool

// MinSeverity is the minimum severity name for backend output reporting.
// Settable via SCABHA_LOG_LEVEL; consumed by the backend package.
var MinSeverity = "INFO"

func init() {
	if level := os.Getenv("SCABHA_LOG_LEVEL"); level != "" {
		MinSeverity = strings.ToUpper(level)
	}
}

// VerboseLog logs a message when verbose mode is enabled
func VerboseLog(format string, args ...interface{}) {
	if Verbose {
		log.Printf("[INFO] "+format, args...)
	}
}

// DebugLog logs a message when debug mode is enabled
func DebugLog(format string, args ...interface{}) {
	if Debug {
		log.Printf("[DEBUG] "+format, args...)
	}
}

// WarnLog always logs a warning
func WarnLog(format string, args ...interface{}) {
	log.Printf("[WARN] "+format, args...)
}

// ErrorLog always logs an error
func ErrorLog(format string, args ...interface{}) {
	log.Printf("[ERROR] "+format, args...)
}

// SetupLogFile redirects the standard logger to the file named by
// STIMELA_LOG_FILE, if set. Returns the file handle for cleanup, or nil.
func SetupLogFile() *os.File {
	logFileName := os.Getenv("STIMELA_LOG_FILE")
	if logFileName == "" {
		return nil
	}
	file, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		log.Printf("[WARN] Failed to open log file '%s': %v. Continuing with stdout logging.\n", logFileName, err)
		return nil
	}
	log.SetOutput(file)
	return file
}

// Spew returns a compact one-line rendering of a value for debug output
func Spew(value interface{}) string {
	return fmt.Sprintf("%+v", value)
}
