package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options describes where and how log lines are written.
type Options struct {
	Level  string
	Format string // json | text
	// File, when set, receives logs through a rotating writer instead of stderr.
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// Output returns the destination writer for opts: a lumberjack rotating file
// when File is set, stderr otherwise. Everything passes through RedactWriter.
func Output(opts Options) io.Writer {
	var w io.Writer = os.Stderr
	if opts.File != "" {
		w = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			Compress:   true,
		}
	}
	return NewRedactWriter(w)
}

// New constructs the process logger writing to out.
func New(opts Options, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}

	if opts.Format == "text" {
		cw := zerolog.NewConsoleWriter()
		cw.Out = out
		cw.NoColor = opts.File != ""
		return zerolog.New(cw).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
