package log

import "go.uber.org/zap"

type Level uint8

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

// Field aliases zap's field type so call sites stay decoupled from zap.
type Field = zap.Field

var (
	Any      = zap.Any
	Bool     = zap.Bool
	Duration = zap.Duration
	Err      = zap.Error
	Float64  = zap.Float64
	Int      = zap.Int
	Int64    = zap.Int64
	String   = zap.String
	Time     = zap.Time
	Uint64   = zap.Uint64
)
