package logger

import (
	"os"
	"strings"
	"swap-grid-bot-go/internal/models"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu          sync.RWMutex
	baseLogger  *zap.Logger
	sugarLogger *zap.SugaredLogger
)

// InitLogger 根据配置初始化全局 zap 日志记录器并返回它。
// 控制台输出带颜色，文件输出由 lumberjack 切割且不带颜色控制符。
func InitLogger(cfg models.LogConfig) *zap.Logger {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	var cores []zapcore.Core
	output := strings.ToLower(cfg.Output)
	if (output == "file" || output == "both") && cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(newEncoder(false), zapcore.AddSync(rotator), level))
	}
	if output == "console" || output == "both" || len(cores) == 0 {
		cores = append(cores, zapcore.NewCore(newEncoder(true), zapcore.AddSync(os.Stdout), level))
	}

	l := zap.New(zapcore.NewTee(cores...), zap.AddCaller())

	mu.Lock()
	baseLogger = l
	sugarLogger = l.Sugar()
	mu.Unlock()
	return l
}

func newEncoder(color bool) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if color {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	return zapcore.NewConsoleEncoder(encoderConfig)
}

// L 返回全局 logger，未初始化时返回一个开发模式的应急 logger
func L() *zap.Logger {
	mu.RLock()
	l := baseLogger
	mu.RUnlock()
	if l == nil {
		l, _ = zap.NewDevelopment()
	}
	return l
}

// S 返回全局的 sugared logger 实例
func S() *zap.SugaredLogger {
	mu.RLock()
	s := sugarLogger
	mu.RUnlock()
	if s == nil {
		return L().Sugar()
	}
	return s
}

// Sync 刷新缓冲的日志
func Sync() {
	_ = L().Sync()
}
