// Package pexlog threads a *logrus.Entry through context.Context, the
// same shape as containerd/containerd/log's G(ctx)/WithLogger pair,
// so request-scoped fields (request_id, worker_id, image, digest) ride
// along without every function signature growing a logger parameter.
package pexlog

import (
	"context"

	"github.com/sirupsen/logrus"
)

type loggerKey struct{}

var fallback = logrus.NewEntry(logrus.StandardLogger())

// WithLogger returns a context carrying entry, retrievable by G.
func WithLogger(ctx context.Context, entry *logrus.Entry) context.Context {
	return context.WithValue(ctx, loggerKey{}, entry)
}

// G returns the *logrus.Entry stored in ctx, or a bare entry on the
// standard logger if none was attached.
func G(ctx context.Context) *logrus.Entry {
	if entry, ok := ctx.Value(loggerKey{}).(*logrus.Entry); ok {
		return entry
	}
	return fallback
}

// WithField is shorthand for WithLogger(ctx, G(ctx).WithField(k, v)).
func WithField(ctx context.Context, key string, value interface{}) context.Context {
	return WithLogger(ctx, G(ctx).WithField(key, value))
}
