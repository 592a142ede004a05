// Package logger provides the process-wide structured logger.
package logger

import (
	"os"

	"github.com/hashicorp/go-hclog"
)

var root = hclog.New(&hclog.LoggerOptions{
	Name:       "orchestrator",
	Level:      hclog.Info,
	Output:     os.Stderr,
	JSONFormat: os.Getenv("LOG_JSON") == "true",
})

// Configure replaces the root logger's level, used once at startup.
func Configure(levelName string, jsonFormat bool) {
	root = hclog.New(&hclog.LoggerOptions{
		Name:       "orchestrator",
		Level:      hclog.LevelFromString(levelName),
		Output:     os.Stderr,
		JSONFormat: jsonFormat,
	})
}

// Named returns a child logger scoped to a component, e.g. logger.Named("pipeline").
func Named(name string) hclog.Logger {
	return root.Named(name)
}

// Root returns the process-wide logger.
func Root() hclog.Logger {
	return root
}
