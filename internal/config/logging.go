package config

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// SetupLogging points the standard logger at stderr and, when a file is
// configured, a size-rotated copy of the same stream. The returned func closes
// the file.
func SetupLogging(l Log) func() {
	log.SetFlags(log.LstdFlags | log.LUTC)
	if l.File == "" {
		log.SetOutput(os.Stderr)
		return func() {}
	}

	rotator := &lumberjack.Logger{
		Filename:   l.File,
		MaxSize:    l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAge:     l.MaxAgeDays,
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, rotator))
	return func() {
		log.SetOutput(os.Stderr)
		_ = rotator.Close()
	}
}
