package tracing

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStartEndRecordsSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	InitWithExporter(exp)
	defer Flush()

	ctx, parent := Start(context.Background(), "decode", attribute.String("codec", "synth"))
	_, child := Start(ctx, "decode.flush")
	End(child, errors.New("backend error"))
	End(parent, nil)

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	flush, decode := spans[0], spans[1]
	if flush.Name != "decode.flush" || decode.Name != "decode" {
		t.Fatalf("got spans %q, %q", flush.Name, decode.Name)
	}
	if flush.Parent.SpanID() != decode.SpanContext.SpanID() {
		t.Error("child span is not parented to the stage span")
	}
	if flush.Status.Code != codes.Error {
		t.Errorf("got status %v, want Error", flush.Status.Code)
	}
	if decode.Status.Code == codes.Error {
		t.Error("successful span marked as error")
	}
	found := false
	for _, attr := range decode.Attributes {
		if attr.Key == "codec" && attr.Value.AsString() == "synth" {
			found = true
		}
	}
	if !found {
		t.Error("codec attribute missing")
	}
}

func TestInitWritesOnFlush(t *testing.T) {
	var buf bytes.Buffer
	if err := Init(context.Background(), &buf); err != nil {
		t.Fatal(err)
	}
	_, span := Start(context.Background(), "mux")
	End(span, nil)
	Flush()
	Flush()

	if !strings.Contains(buf.String(), `"Name": "mux"`) {
		t.Errorf("exported spans do not name the mux span:\n%s", buf.String())
	}
}
