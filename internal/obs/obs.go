package obs

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

type correlationContextKey struct{}

// Correlation carries per-test correlation identifiers.
type Correlation struct {
	RunID    string
	Test     string
	Username string
	Step     string
}

var (
	loggerMu sync.RWMutex
	logger   *slog.Logger
	runOnce  sync.Once
	runID    string
)

// Init configures the global structured logger.
func Init() {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger != nil {
		return
	}
	logger = newLogger(os.Stderr)
	slog.SetDefault(logger)
}

// SetOutputForTests overrides the global logger output for tests.
func SetOutputForTests(w io.Writer) func() {
	loggerMu.Lock()
	prev := logger
	logger = newLogger(w)
	slog.SetDefault(logger)
	loggerMu.Unlock()

	return func() {
		loggerMu.Lock()
		defer loggerMu.Unlock()
		if prev != nil {
			logger = prev
		} else {
			logger = newLogger(os.Stderr)
		}
		slog.SetDefault(logger)
	}
}

func newLogger(w io.Writer) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.TimeKey {
				t, ok := attr.Value.Any().(time.Time)
				if ok {
					return slog.String(slog.TimeKey, t.UTC().Format(time.RFC3339Nano))
				}
			}
			return attr
		},
	})
	return slog.New(handler)
}

func globalLogger() *slog.Logger {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l != nil {
		return l
	}
	Init()
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// Pkg returns a logger tagged with package name.
func Pkg(pkg string) *slog.Logger {
	return globalLogger().With("pkg", pkg)
}

// From returns a logger with correlation fields from context.
func From(ctx context.Context) *slog.Logger {
	l := globalLogger()
	attrs := correlationAttrs(CorrelationFromContext(ctx))
	if len(attrs) == 0 {
		return l
	}
	return l.With(attrs...)
}

// RunID returns the identifier shared by every log line and artifact of this process.
// AUTHPROBE_RUN_ID overrides the generated value.
func RunID() string {
	runOnce.Do(func() {
		runID = strings.TrimSpace(os.Getenv("AUTHPROBE_RUN_ID"))
		if runID == "" {
			runID = newRunID()
		}
	})
	return runID
}

// WithTest stores the running test name in context.
func WithTest(ctx context.Context, name string) context.Context {
	return WithCorrelation(ctx, Correlation{RunID: RunID(), Test: strings.TrimSpace(name)})
}

// WithCorrelation stores correlation fields in context; empty fields keep the existing value.
func WithCorrelation(ctx context.Context, corr Correlation) context.Context {
	existing := CorrelationFromContext(ctx)
	if corr.RunID != "" {
		existing.RunID = corr.RunID
	}
	if corr.Test != "" {
		existing.Test = corr.Test
	}
	if corr.Username != "" {
		existing.Username = corr.Username
	}
	if corr.Step != "" {
		existing.Step = corr.Step
	}
	return context.WithValue(ctx, correlationContextKey{}, existing)
}

// CorrelationFromContext returns correlation fields from context.
func CorrelationFromContext(ctx context.Context) Correlation {
	if ctx == nil {
		return Correlation{}
	}
	corr, ok := ctx.Value(correlationContextKey{}).(Correlation)
	if !ok {
		return Correlation{}
	}
	return corr
}

func correlationAttrs(corr Correlation) []any {
	attrs := make([]any, 0, 8)
	if corr.RunID != "" {
		attrs = append(attrs, "run_id", corr.RunID)
	}
	if corr.Test != "" {
		attrs = append(attrs, "test", corr.Test)
	}
	if corr.Username != "" {
		attrs = append(attrs, "username", corr.Username)
	}
	if corr.Step != "" {
		attrs = append(attrs, "step", corr.Step)
	}
	return attrs
}

func newRunID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "run-" + time.Now().UTC().Format("20060102T150405")
	}
	return "run-" + time.Now().UTC().Format("20060102T150405") + "-" + hex.EncodeToString(buf)
}
