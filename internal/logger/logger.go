package logger

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"tempinbox/backend/internal/config"
)

// 日志文件轮转默认值
const (
	defaultMaxSizeMB  = 100
	defaultMaxBackups = 3
	defaultMaxAgeDays = 28
)

// Options 日志选项
type Options struct {
	Level       string
	Development bool
	File        string
	MaxSize     int // MB
	MaxBackups  int
	MaxAge      int // days
	Compress    bool
	Output      zapcore.WriteSyncer // 控制台输出，nil 时使用 os.Stdout
}

// New 根据服务配置创建日志记录器，日志文件按默认策略轮转
func New(cfg config.LogConfig) (*zap.Logger, error) {
	return NewLogger(Options{
		Level:       cfg.Level,
		Development: cfg.Development,
		File:        cfg.File,
		MaxSize:     defaultMaxSizeMB,
		MaxBackups:  defaultMaxBackups,
		MaxAge:      defaultMaxAgeDays,
		Compress:    true,
	})
}

// NewLogger 创建日志记录器
func NewLogger(opts Options) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(opts.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if opts.Development {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	console := opts.Output
	if console == nil {
		console = zapcore.AddSync(os.Stdout)
	}

	writeSyncer := console
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, err
		}

		// 同时输出到文件和控制台
		writeSyncer = zapcore.NewMultiWriteSyncer(
			zapcore.AddSync(&lumberjack.Logger{
				Filename:   opts.File,
				MaxSize:    opts.MaxSize,
				MaxBackups: opts.MaxBackups,
				MaxAge:     opts.MaxAge,
				Compress:   opts.Compress,
			}),
			console,
		)
	}

	core := zapcore.NewCore(encoder, writeSyncer, level)

	zapOpts := []zap.Option{zap.AddCaller()}
	if opts.Development {
		zapOpts = append(zapOpts, zap.Development(), zap.AddStacktrace(zapcore.ErrorLevel))
	}

	return zap.New(core, zapOpts...), nil
}
