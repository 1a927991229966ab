// internal/logging/output.go
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap/zapcore"
)

// newCore builds the stdout and file cores, tees them, and wraps the result
// with sampling. The returned closer releases the log file.
func newCore(cfg *Config) (zapcore.Core, io.Closer, error) {
	cores := make([]zapcore.Core, 0, 2)
	var closer io.Closer

	encoder, err := NewRedactingEncoder(newEncoder(cfg.Format), cfg.Redaction)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create redacting encoder: %w", err)
	}

	if cfg.Output.Stdout {
		cores = append(cores, zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), cfg.Level))
	}

	if cfg.Output.File != "" {
		f, err := openLogFile(cfg.Output.File)
		if err != nil {
			return nil, nil, err
		}
		closer = f
		// File output is always JSON so it can be processed offline.
		fileEncoder, err := NewRedactingEncoder(newEncoder("json"), cfg.Redaction)
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("failed to create redacting encoder: %w", err)
		}
		cores = append(cores, zapcore.NewCore(fileEncoder, zapcore.Lock(f), cfg.Level))
	}

	if len(cores) == 0 {
		return nil, nil, fmt.Errorf("at least one output must be enabled")
	}

	var core zapcore.Core
	if len(cores) == 1 {
		core = cores[0]
	} else {
		core = zapcore.NewTee(cores...)
	}

	return newSampledCore(core, cfg.Sampling), closer, nil
}

func openLogFile(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating log directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}
