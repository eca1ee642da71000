package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/kestrel-video/corevision/internal/backend"
)

func TestBuilderBuildsLinkedGraph(t *testing.T) {
	m := New("builder-test", backend.Mock)
	defer m.Teardown(context.Background(), time.Second)

	f := testFactory(t)
	got, err := m.Builder(f).
		AddElement("decoder-1", backend.Decoder).
		AddElement("mux-1", backend.StreamMux).
		AddElement("sink-1", backend.Sink).
		LinkMany("decoder-1", "mux-1", "sink-1").
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got != m {
		t.Fatal("expected Build to return the bound manager")
	}

	names := got.Elements()
	if len(names) != 3 {
		t.Fatalf("got %d elements, want 3", len(names))
	}
}

func TestBuilderRejectsDuplicateElementNames(t *testing.T) {
	m := New("dup-test", backend.Mock)
	defer m.Teardown(context.Background(), time.Second)

	f := testFactory(t)
	_, err := m.Builder(f).
		AddElement("sink-1", backend.Sink).
		AddElement("sink-1", backend.Sink).
		Build()
	if err == nil {
		t.Fatal("expected an error for duplicate element names")
	}
}

func TestBuilderSetPropertyAppliesToLastAddedElement(t *testing.T) {
	m := New("prop-test", backend.Mock)
	defer m.Teardown(context.Background(), time.Second)

	f := testFactory(t)
	got, err := m.Builder(f).
		AddElement("inference-1", backend.Inference).
		SetProperty("confidence-threshold", 0.4).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	v, ok := got.elements["inference-1"].Property("confidence-threshold")
	if !ok || v != 0.4 {
		t.Fatalf("confidence-threshold = %v (present=%v), want 0.4", v, ok)
	}
}

func TestBuilderFailsOnUnavailableElementKind(t *testing.T) {
	m := New("unavailable-test", backend.Mock)
	defer m.Teardown(context.Background(), time.Second)

	f := testFactory(t)
	_, err := m.Builder(f).
		AddElement("tiler-1", backend.Tiler).
		Build()
	if err == nil {
		t.Fatal("expected an error because Mock's Tiler kind is unavailable")
	}
}
