package bootstrap

import (
	"fmt"
	"os"

	"bastion/config"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitLogger initializes the zap logger with colored console output. The
// development flag switches on debug-level logging.
func InitLogger(level string, development bool) (*zap.Logger, *zap.SugaredLogger, error) {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	consoleEncoder := zapcore.NewConsoleEncoder(encoderConfig)

	zapLevel := zapcore.InfoLevel
	if err := zapLevel.Set(level); err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if development {
		zapLevel = zapcore.DebugLevel
	}

	core := zapcore.NewCore(
		consoleEncoder,
		zapcore.AddSync(os.Stdout),
		zapLevel,
	)

	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, logger.Sugar(), nil
}

// InitConfig loads the application configuration.
func InitConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load config: %v\n", err)
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// LogConfigSummary reports where configuration came from and the paths in
// effect once the logger exists.
func LogConfigSummary(cfg *config.Config, sugar *zap.SugaredLogger) {
	if viper.ConfigFileUsed() == "" {
		sugar.Info("No config file found, using defaults and env vars")
	}
	sugar.Infow("Data paths configuration",
		"data_dir", cfg.DataPaths.DataDir,
		"sqlite_path", cfg.DataPaths.SQLitePath,
		"rules_dir", cfg.DataPaths.RulesDir,
		"templates_dir", cfg.DataPaths.TemplatesDir)
	sugar.Infow("Config loaded",
		"api_port", cfg.API.Port,
		"redis_enabled", cfg.Redis.Enabled,
		"default_action", cfg.Rules.DefaultAction)
}

// EnsureDataDirectories creates the directories the service writes to.
func EnsureDataDirectories(cfg *config.Config) error {
	for _, dir := range []string{cfg.DataPaths.DataDir, cfg.DataPaths.RulesDir, cfg.DataPaths.TemplatesDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
