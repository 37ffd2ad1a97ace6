// Package logging builds the process-wide zerolog.Logger from
// LOG_LEVEL/LOG_FILE, giving every component structured, levelled
// output instead of plain stdout writes.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New builds a Logger writing to stdout, or additionally to logFile
// when one is given. An unrecognized level falls back to info rather
// than failing startup.
func New(level, logFile string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return zerolog.Logger{}, err
		}
		out = io.MultiWriter(out, f)
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
}
