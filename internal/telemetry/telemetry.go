// Package telemetry initializes the process-wide tracer provider, writing
// spans as line-delimited JSON under the data directory. Init is gated by a
// once-cell: telemetry is the only process-global state the engine keeps.
package telemetry

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const serviceName = "codex"

var (
	initOnce sync.Once
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer = noop.NewTracerProvider().Tracer("noop")
)

// Init sets up the global tracer provider once, exporting to a fresh trace
// file under tracesDir. Later calls are no-ops. Disabled (empty dir) leaves
// the no-op tracer in place.
func Init(tracesDir string) error {
	var initErr error
	initOnce.Do(func() {
		if tracesDir == "" {
			return
		}
		if err := os.MkdirAll(tracesDir, 0o755); err != nil {
			initErr = fmt.Errorf("telemetry: create traces dir: %w", err)
			return
		}
		name := fmt.Sprintf("codex_traces_%s_%04x.jsonl", time.Now().UTC().Format("20060102T150405"), rand.Intn(1<<16))
		file, err := os.OpenFile(filepath.Join(tracesDir, name), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
		if err != nil {
			initErr = fmt.Errorf("telemetry: create trace file: %w", err)
			return
		}

		exporter, err := stdouttrace.New(stdouttrace.WithWriter(file))
		if err != nil {
			initErr = fmt.Errorf("telemetry: create exporter: %w", err)
			return
		}

		res := resource.NewSchemaless(attribute.String("service.name", serviceName))
		provider = sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(exporter),
		)
		otel.SetTracerProvider(provider)
		tracer = provider.Tracer(serviceName)
	})
	return initErr
}

// Tracer returns the global tracer; safe before Init (no-op).
func Tracer() trace.Tracer { return tracer }

// Shutdown flushes buffered spans.
func Shutdown(ctx context.Context) error {
	if provider == nil {
		return nil
	}
	return provider.Shutdown(ctx)
}
