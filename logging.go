package main

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

const logFileName = "application.log"

func init() {
	zerolog.DurationFieldUnit = time.Second
	zerolog.TimeFieldFormat = time.RFC3339Nano

	log.Logger = log.Output(newConsoleWriter(os.Stderr, false))
}

func newConsoleWriter(out io.Writer, noColor bool) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:        out,
		NoColor:    noColor,
		TimeFormat: "15:04:05.000",
	}
}

// effectiveLevel applies the --trace/--debug flags and the TRACE/DEBUG env vars on top of the
// configured level.
func effectiveLevel(configured zerolog.Level, debug, trace bool) zerolog.Level {
	switch {
	case trace || os.Getenv("TRACE") != "":
		return zerolog.TraceLevel
	case debug || os.Getenv("DEBUG") != "":
		return zerolog.DebugLevel
	default:
		return configured
	}
}

// setupLogging sets the global level and, when a log directory is configured, tees every log
// line into <path>/application.log. The file is rotated daily and rotated files are kept for
// retentionDays. The returned func stops rotation and closes the file.
func setupLogging(level zerolog.Level, path string, retentionDays int) (func(), error) {
	zerolog.SetGlobalLevel(level)

	if path == "" {
		return func() {}, nil
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, configError("logging.path: %w", err)
	}

	file := &lumberjack.Logger{
		Filename:  filepath.Join(path, logFileName),
		MaxAge:    retentionDays,
		LocalTime: true,
	}

	log.Logger = log.Output(zerolog.MultiLevelWriter(
		newConsoleWriter(os.Stderr, false),
		newConsoleWriter(file, true),
	))

	rotation := cron.New()

	_, err := rotation.AddFunc("@daily", func() {
		if err := file.Rotate(); err != nil {
			log.Error().Str("Component", "logging").Err(err).Msg("Failed to rotate log file")
		}
	})

	if err != nil {
		_ = file.Close()
		return nil, err
	}

	rotation.Start()

	log.Debug().
		Str("Component", "logging").
		Str("File", file.Filename).
		Int("RetentionDays", retentionDays).
		Msg("Logging to file")

	return func() {
		<-rotation.Stop().Done()
		_ = file.Close()
	}, nil
}
