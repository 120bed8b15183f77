// Package base provides the ambient logging, redaction and HTTP-status-carrying
// error helpers shared by every other package in this module. It plays the same
// role sync_gateway's own "base" package plays for db/blip_handler.go: callers
// never touch the underlying logger directly, they call base.Infof/base.Debugf/
// base.Warnf/base.Errorf (and the *Ctx variants that thread a context.Context
// through for request-scoped fields).
package base

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
)

// LogKey is a bitset gate, mirroring the teacher's base.KeySync / base.KeySyncMsg
// constants used throughout blip_handler.go (e.g. base.DebugfCtx(ctx, base.KeySyncMsg, ...)).
type LogKey uint32

const (
	KeySync LogKey = 1 << iota
	KeySyncMsg
	KeyChanges
	KeyView
	KeyHTTP
	KeyCheckpoint
	KeyAll LogKey = ^LogKey(0)
)

var enabledKeys uint32 = uint32(KeySync | KeyChanges | KeyHTTP | KeyCheckpoint)

// EnableLogKeys replaces the set of enabled log keys, analogous to sync_gateway's
// --logKeys startup flag.
func EnableLogKeys(keys LogKey) {
	atomic.StoreUint32(&enabledKeys, uint32(keys))
}

func keyEnabled(key LogKey) bool {
	return atomic.LoadUint32(&enabledKeys)&uint32(key) != 0
}

var (
	rootLoggerOnce sync.Once
	rootLogger     hclog.Logger
)

func root() hclog.Logger {
	rootLoggerOnce.Do(func() {
		rootLogger = hclog.New(&hclog.LoggerOptions{
			Name:            "cblite",
			Level:           hclog.Info,
			Output:          os.Stderr,
			IncludeLocation: false,
		})
	})
	return rootLogger
}

// SetOutput redirects the root logger, used by cmd/cblite-replicate to wire up
// a lumberjack.Logger for rotation.
func SetOutput(l hclog.Logger) {
	rootLoggerOnce.Do(func() {})
	rootLogger = l
}

type ctxLoggerKey struct{}

// WithLogger attaches a named sub-logger to ctx; CtxLogger falls back to the
// root logger when none has been attached, so callers never nil-check.
func WithLogger(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, ctxLoggerKey{}, root().Named(name))
}

func CtxLogger(ctx context.Context) hclog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxLoggerKey{}).(hclog.Logger); ok {
			return l
		}
	}
	return root()
}

func Debugf(format string, args ...interface{}) { root().Debug(sprintf(format, args...)) }
func Infof(format string, args ...interface{})  { root().Info(sprintf(format, args...)) }
func Warnf(format string, args ...interface{})  { root().Warn(sprintf(format, args...)) }
func Errorf(format string, args ...interface{}) { root().Error(sprintf(format, args...)) }

func DebugfCtx(ctx context.Context, key LogKey, format string, args ...interface{}) {
	if keyEnabled(key) {
		CtxLogger(ctx).Debug(sprintf(format, args...))
	}
}

func InfofCtx(ctx context.Context, key LogKey, format string, args ...interface{}) {
	if keyEnabled(key) {
		CtxLogger(ctx).Info(sprintf(format, args...))
	}
}

func WarnfCtx(ctx context.Context, format string, args ...interface{}) {
	CtxLogger(ctx).Warn(sprintf(format, args...))
}

func ErrorfCtx(ctx context.Context, format string, args ...interface{}) {
	CtxLogger(ctx).Error(sprintf(format, args...))
}

func TracefCtx(ctx context.Context, key LogKey, format string, args ...interface{}) {
	if keyEnabled(key) {
		CtxLogger(ctx).Trace(sprintf(format, args...))
	}
}

func sprintf(format string, args ...interface{}) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
