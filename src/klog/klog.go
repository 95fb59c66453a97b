// Package klog wraps go-logr/logr the way the rest of the corpus does:
// a zap-backed development logger for verbose runs, logr.Discard()
// otherwise, and one shared logr.Logger passed down to every subsystem
// instead of each package reaching for its own global.
package klog

import (
	"context"
	"fmt"
	"io"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
)

// / New builds a development zap logger wrapped in logr when verbose is
// / true, and a discarding logger otherwise.
func New(verbose bool) logr.Logger {
	if !verbose {
		return logr.Discard()
	}
	zapLog, err := zap.NewDevelopment()
	if err != nil {
		return logr.Discard()
	}
	return zapr.NewLogger(zapLog)
}

// / NewFuncr builds the lightweight funcr-backed sink cmd/exoskernel
// / installs by default: one line per call to w, no zap dependency
// / pulled into the simulator binary just to print startup/shutdown
// / lines. verbose raises the sink's V-level ceiling from 0 to 1.
func NewFuncr(w io.Writer, verbose bool) logr.Logger {
	maxV := 0
	if verbose {
		maxV = 1
	}
	return funcr.New(func(prefix, args string) {
		if prefix != "" {
			fmt.Fprintf(w, "%s: %s\n", prefix, args)
			return
		}
		fmt.Fprintln(w, args)
	}, funcr.Options{Verbosity: maxV})
}

// / ForSubsystem returns a child logger named for one subsystem (e.g.
// / "tcp", "dhcp").
func ForSubsystem(base logr.Logger, name string) logr.Logger {
	return base.WithName(name)
}

// / NewContext attaches log to ctx using logr's standard context key, so
// / any function handed ctx downstream can recover it with L.
func NewContext(ctx context.Context, log logr.Logger) context.Context {
	return logr.NewContext(ctx, log)
}

// / L recovers the logger attached to ctx by NewContext, or a discarding
// / logger if none was attached.
func L(ctx context.Context) logr.Logger {
	return logr.FromContextOrDiscard(ctx)
}
