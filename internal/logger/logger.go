package logger

import (
	"io"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var log, _ = zap.NewProduction()

// SetLogger подменяет глобальный логгер (тесты, dev-режим)
func SetLogger(l *zap.Logger) {
	if l != nil {
		log = l
	}
}

// New создаёт JSON-логгер, пишущий в w (консоль + bot.log)
func New(w io.Writer, level zapcore.Level) *zap.Logger {
	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(w), level)
	return zap.New(core, zap.AddCaller())
}

// L возвращает текущий zap-логгер для передачи в компоненты
func L() *zap.Logger {
	return log
}

func Info(msg string, fields ...zap.Field) {
	log.Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	log.Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	log.Error(msg, fields...)
}

func Debug(msg string, fields ...zap.Field) {
	log.Debug(msg, fields...)
}

// With возвращает дочерний логгер с постоянными полями
func With(fields ...zap.Field) *zap.Logger {
	return log.With(fields...)
}

func Sync() {
	_ = log.Sync()
}

func LogAdminAction(adminID int64, action, params string) {
	log.Info("admin_action", zap.Int64("admin_id", adminID), zap.String("action", action), zap.String("params", params))
}
