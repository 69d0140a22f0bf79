// Package logger builds the zap and hclog loggers used by gojovmem tools
// from a single config block.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "gojovmem"

// Config holds all the configuration for the logger.
type Config struct {
	// Level sets the minimum log level (e.g., "debug", "info", "warn", "error").
	Level string `yaml:"level"`
	// Format specifies the log output format ("json" or "console").
	Format string `yaml:"format"`
	// OutputFile is the file logs are appended to. "stdout" and "stderr"
	// log to the console.
	OutputFile string `yaml:"output_file"`
}

// New creates a zap.Logger from config. It is called once at startup.
func New(config Config) (*zap.Logger, error) {
	logLevel := zap.NewAtomicLevel()
	if err := logLevel.UnmarshalText([]byte(config.Level)); err != nil {
		logLevel.SetLevel(zap.InfoLevel)
	}

	writeSyncer, err := getWriteSyncer(config.OutputFile)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(getEncoder(config.Format), writeSyncer, logLevel)

	return zap.New(core, zap.AddCaller()).
		WithOptions(zap.Fields(zap.String("service", serviceName))), nil
}

// NewHclog creates an hclog.Logger from the same config, for callers that
// prefer hclog's key/value interface.
func NewHclog(config Config) (hclog.Logger, error) {
	level := hclog.LevelFromString(config.Level)
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	out, err := getWriter(config.OutputFile)
	if err != nil {
		return nil, err
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       serviceName,
		Level:      level,
		Output:     out,
		JSONFormat: !strings.EqualFold(config.Format, "console"),
	}), nil
}

// getEncoder selects the log encoder based on the configured format.
func getEncoder(format string) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	if strings.EqualFold(format, "console") {
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

func getWriteSyncer(outputFile string) (zapcore.WriteSyncer, error) {
	w, err := getWriter(outputFile)
	if err != nil {
		return nil, err
	}
	if ws, ok := w.(zapcore.WriteSyncer); ok {
		return ws, nil
	}
	return zapcore.AddSync(w), nil
}

// getWriter selects the output destination for the logs.
func getWriter(outputFile string) (io.Writer, error) {
	switch strings.ToLower(outputFile) {
	case "stdout", "":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		file, err := os.OpenFile(outputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", outputFile, err)
		}
		return file, nil
	}
}
