// Package logger provides the structured logging contract used across the atlas processes.
// The production implementation lives in internal/infrastructure/monitoring and is backed by zap.
package logger

import (
	"context"
	"time"
)

// Logger is the structured logger handed to every component. ctx carries the request
// trace id, which implementations attach to each entry.
type Logger interface {
	Debug(ctx context.Context, message string, fields ...Field)
	Info(ctx context.Context, message string, fields ...Field)
	Warn(ctx context.Context, message string, fields ...Field)
	// Error logs message with err attached under "error".
	Error(ctx context.Context, message string, err error, fields ...Field)
	// Fatal logs and then exits the process.
	Fatal(ctx context.Context, message string, err error, fields ...Field)

	WithFields(fields ...Field) Logger
	// WithComponent tags every entry with component=<name>.
	WithComponent(component string) Logger
}

// Field 结构化日志字段
type Field struct {
	Key   string
	Value any
}

func String(key, value string) Field                 { return Field{Key: key, Value: value} }
func Strings(key string, value []string) Field       { return Field{Key: key, Value: value} }
func Int(key string, value int) Field                { return Field{Key: key, Value: value} }
func Int64(key string, value int64) Field            { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field              { return Field{Key: key, Value: value} }
func Duration(key string, value time.Duration) Field { return Field{Key: key, Value: value} }
func Any(key string, value any) Field                { return Field{Key: key, Value: value} }

// Error stores the error text, or nil, under "error".
func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Identity and token fields share their keys across the issuer and the gateway so
// one query follows a subject or a token through both processes.

func Username(name string) Field { return Field{Key: "username", Value: name} }
func UserID(id int64) Field      { return Field{Key: "user_id", Value: id} }

// TokenID is the jti claim. Never log the token itself.
func TokenID(jti string) Field { return Field{Key: "token_id", Value: jti} }

// KeyID is the kid header of a signing key.
func KeyID(kid string) Field { return Field{Key: "kid", Value: kid} }

// RouteID names a gateway route.
func RouteID(id string) Field { return Field{Key: "route", Value: id} }
