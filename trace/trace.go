package trace

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Component identifies the subsystem a trace entry belongs to, so that
// individual subsystems can be enabled without drowning in the others.
type Component string

const (
	ComponentCatalog Component = "CATALOG"
	ComponentReader  Component = "READER"
	ComponentFetch   Component = "FETCH"
	ComponentCache   Component = "CACHE"
	ComponentScroll  Component = "SCROLL"
	ComponentSession Component = "SESSION"
	ComponentWatcher Component = "WATCHER"
)

// Tracer is a component-scoped structured logger. Level and component
// filtering come from the environment:
//
//	TABLR_TRACE_LEVEL       off|error|warn|info|debug (default error)
//	TABLR_TRACE_COMPONENTS  comma-separated component names, or ALL (default)
//	DEBUG=1                 shorthand for TABLR_TRACE_LEVEL=debug
//	PRETTY=1                human-readable console output instead of JSON
type Tracer struct {
	log zerolog.Logger

	mu      sync.RWMutex
	enabled map[Component]bool
	all     bool
}

var (
	globalTracer *Tracer
	tracerOnce   sync.Once
)

// GetTracer returns the process-wide tracer, configured from the
// environment on first use.
func GetTracer() *Tracer {
	tracerOnce.Do(func() {
		globalTracer = NewTracer()
	})
	return globalTracer
}

// NewTracer builds a tracer from the environment. Most callers want
// GetTracer instead.
func NewTracer() *Tracer {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if os.Getenv("PRETTY") == "1" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	level := zerolog.ErrorLevel
	if os.Getenv("DEBUG") == "1" {
		level = zerolog.DebugLevel
	}
	if levelStr := os.Getenv("TABLR_TRACE_LEVEL"); levelStr != "" {
		switch strings.ToLower(levelStr) {
		case "off":
			level = zerolog.Disabled
		case "error":
			level = zerolog.ErrorLevel
		case "warn":
			level = zerolog.WarnLevel
		case "info":
			level = zerolog.InfoLevel
		case "debug":
			level = zerolog.DebugLevel
		}
	}
	logger = logger.Level(level)

	t := &Tracer{
		log:     logger,
		enabled: make(map[Component]bool),
		all:     true,
	}

	if compStr := os.Getenv("TABLR_TRACE_COMPONENTS"); compStr != "" && !strings.EqualFold(compStr, "ALL") {
		t.all = false
		for _, c := range strings.Split(compStr, ",") {
			t.enabled[Component(strings.ToUpper(strings.TrimSpace(c)))] = true
		}
	}

	return t
}

// Fields packs alternating key/value pairs into the context map consumed
// by the trace methods. An odd trailing key is dropped.
func Fields(kv ...interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		fields[key] = kv[i+1]
	}
	return fields
}

func (t *Tracer) componentEnabled(c Component) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.all || t.enabled[c]
}

// EnableComponent turns on tracing for a single component at runtime,
// regardless of TABLR_TRACE_COMPONENTS.
func (t *Tracer) EnableComponent(c Component) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled[c] = true
}

func (t *Tracer) emit(e *zerolog.Event, c Component, msg string, fields map[string]interface{}) {
	if !t.componentEnabled(c) {
		return
	}
	e.Str("component", string(c)).Fields(fields).Msg(msg)
}

func (t *Tracer) Debug(c Component, msg string, fields map[string]interface{}) {
	t.emit(t.log.Debug(), c, msg, fields)
}

func (t *Tracer) Info(c Component, msg string, fields map[string]interface{}) {
	t.emit(t.log.Info(), c, msg, fields)
}

func (t *Tracer) Warn(c Component, msg string, fields map[string]interface{}) {
	t.emit(t.log.Warn(), c, msg, fields)
}

func (t *Tracer) Error(c Component, msg string, fields map[string]interface{}) {
	t.emit(t.log.Error(), c, msg, fields)
}
