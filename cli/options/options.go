// Package options contains the flags and config helpers shared by the CLI
// commands.
package options

import (
	"fmt"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/peercall/peercall/pkg/config"
)

// DefaultConfigFile is used when --config-file is not given.
const DefaultConfigFile = "./config/peercall.yml"

// ConfigFile is the flag naming the node configuration file.
var ConfigFile = &cli.StringFlag{
	Name:    "config-file",
	Aliases: []string{"c"},
	Usage:   "Node configuration file",
}

// Debug enables debug-level logging regardless of the config.
var Debug = &cli.BoolFlag{
	Name:    "debug",
	Aliases: []string{"d"},
	Usage:   "Enable debug logging (precedence over LogLevel from the config file)",
}

// GetConfigFromContext reads the node configuration named by the context's
// flags.
func GetConfigFromContext(ctx *cli.Context) (config.Config, error) {
	path := ctx.String("config-file")
	if path == "" {
		path = DefaultConfigFile
	}
	return config.LoadFile(path)
}

// HandleLoggingParams reads the logging section of the config and builds the
// node logger. If the user selected the debug flag, it takes precedence.
func HandleLoggingParams(ctx *cli.Context, cfg config.ApplicationConfiguration) (*zap.Logger, error) {
	var (
		level    = zapcore.InfoLevel
		encoding = "console"
		err      error
	)
	if len(cfg.LogLevel) > 0 {
		level, err = zapcore.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("log setting: %w", err)
		}
	}
	if len(cfg.LogEncoding) > 0 {
		encoding = cfg.LogEncoding
	}
	if ctx != nil && ctx.Bool("debug") {
		level = zapcore.DebugLevel
	}

	cc := zap.NewProductionConfig()
	cc.DisableCaller = true
	cc.DisableStacktrace = true
	cc.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	cc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cc.Encoding = encoding
	cc.Level = zap.NewAtomicLevelAt(level)
	cc.Sampling = nil

	if logPath := cfg.LogPath; logPath != "" {
		cc.OutputPaths = []string{logPath}
	}
	return cc.Build()
}
