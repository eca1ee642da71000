package inference

import (
	"context"
	"image/color"
	"testing"
	"time"
)

func TestProcessorPassThroughWhenNoModelConfigured(t *testing.T) {
	props := DefaultProperties()
	p := NewProcessor(props, nil)

	frame := solidImage(64, 64, color.RGBA{A: 255})
	fm := p.Process(context.Background(), "cam-1", frame)

	if fm.SourceID != "cam-1" {
		t.Fatalf("SourceID = %q, want cam-1", fm.SourceID)
	}
	if len(fm.Detections) != 0 {
		t.Fatalf("Detections = %v, want none for pass-through", fm.Detections)
	}
	if p.Health().FramesSkipped != 1 {
		t.Fatalf("FramesSkipped = %d, want 1", p.Health().FramesSkipped)
	}
}

func TestProcessorWithoutModelSkipsEveryFrameRegardlessOfStride(t *testing.T) {
	props := DefaultProperties()
	props.ProcessEveryNFrames = 3
	p := NewProcessor(props, nil)
	frame := solidImage(32, 32, color.RGBA{A: 255})

	for i := 0; i < 6; i++ {
		p.Process(context.Background(), "cam-1", frame)
	}
	if got := p.Health().FramesSkipped; got != 6 {
		t.Fatalf("FramesSkipped = %d, want 6 (pass-through applies regardless of stride since there's no model)", got)
	}
}

func TestProcessorReadyIsNoOpWithoutModelPath(t *testing.T) {
	p := NewProcessor(DefaultProperties(), nil)
	if err := p.Ready(context.Background()); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	if err := p.Null(); err != nil {
		t.Fatalf("Null: %v", err)
	}
}

func TestProcessorSubscribeReceivesEmittedFrameMeta(t *testing.T) {
	p := NewProcessor(DefaultProperties(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := p.Subscribe(ctx)
	frame := solidImage(16, 16, color.RGBA{A: 255})
	p.Process(context.Background(), "cam-1", frame)

	select {
	case fm := <-ch:
		if fm.SourceID != "cam-1" {
			t.Fatalf("SourceID = %q, want cam-1", fm.SourceID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for emitted FrameMeta")
	}
}

func TestProcessorEmitDropsOldestOnFullSubscriberChannel(t *testing.T) {
	p := NewProcessor(DefaultProperties(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := p.Subscribe(ctx)
	frame := solidImage(8, 8, color.RGBA{A: 255})

	// Fill well past the subscriber buffer capacity without ever draining.
	for i := 0; i < 20; i++ {
		p.Process(context.Background(), "cam-1", frame)
	}

	// The channel should still be readable (not deadlocked) and should
	// contain the most recently emitted FrameMeta, not the oldest.
	var last FrameMeta
	drained := 0
	for {
		select {
		case fm := <-ch:
			last = fm
			drained++
		default:
			goto done
		}
	}
done:
	if drained == 0 {
		t.Fatal("expected at least one buffered FrameMeta")
	}
	if last.FrameIndex == 0 {
		t.Fatalf("expected drop-oldest to retain later frames, got FrameIndex=%d", last.FrameIndex)
	}
}

func TestClassLabelFallsBackToClassIDWhenUnlabeled(t *testing.T) {
	p := NewProcessor(DefaultProperties(), []string{"person", "car"})
	if got := p.classLabel(0); got != "person" {
		t.Fatalf("classLabel(0) = %q, want person", got)
	}
	if got := p.classLabel(99); got != "class_99" {
		t.Fatalf("classLabel(99) = %q, want class_99", got)
	}
}
