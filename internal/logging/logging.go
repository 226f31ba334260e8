// Package logging builds the structured logger shared by every command.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arbor/models"
)

// Options selects the log level and an optional log file.
type Options struct {
	Level   string
	File    string
	Console bool
}

var (
	global   arbor.ILogger
	globalMu sync.RWMutex
)

// New builds a logger writing to the console and, when File is set, to a
// rotating file.
func New(opts Options) arbor.ILogger {
	logger := arbor.NewLogger()

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "warning: create log dir: %v\n", err)
		} else {
			logger = logger.WithFileWriter(models.WriterConfiguration{
				Type:       models.LogWriterTypeFile,
				FileName:   opts.File,
				TimeFormat: "15:04:05",
				MaxSize:    50 * 1024 * 1024,
				MaxBackups: 3,
				OutputType: models.OutputFormatLogfmt,
			})
		}
	}
	if opts.Console || opts.File == "" {
		logger = logger.WithConsoleWriter(models.WriterConfiguration{
			Type:       models.LogWriterTypeConsole,
			TimeFormat: "15:04:05",
		})
	}

	level := opts.Level
	if level == "" {
		level = "info"
	}
	return logger.WithLevelFromString(level)
}

// Init builds a logger and installs it as the process-wide default.
func Init(opts Options) arbor.ILogger {
	logger := New(opts)
	globalMu.Lock()
	global = logger
	globalMu.Unlock()
	return logger
}

// Get returns the process-wide logger, creating a console logger on first use.
func Get() arbor.ILogger {
	globalMu.RLock()
	l := global
	globalMu.RUnlock()
	if l != nil {
		return l
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New(Options{Level: "info", Console: true})
	}
	return global
}

// Discard returns a logger with no writers, for tests and quiet commands.
func Discard() arbor.ILogger {
	return arbor.NewLogger()
}
