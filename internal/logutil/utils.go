package logutil

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Group nests fields under one object field named key. The fields are
// encoded in place, without reflection.
func Group(key string, fields ...zap.Field) zap.Field {
	return zap.Object(key, zapcore.ObjectMarshalerFunc(func(enc zapcore.ObjectEncoder) error {
		for _, f := range fields {
			f.AddTo(enc)
		}
		return nil
	}))
}

// Values groups fields under "values".
func Values(fields ...zap.Field) zap.Field { return Group("values", fields...) }
