package bus

import (
	"context"
	"testing"
	"time"
)

func TestMemoryBusPublishSubscribe(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "state-changed")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if err := b.Publish(ctx, "state-changed", "hello"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-sub.C():
		if msg != "hello" {
			t.Fatalf("got %v, want hello", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestMemoryBusTopicAllReceivesEverything(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	all, err := b.Subscribe(ctx, TopicAll)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer all.Close()

	_ = b.Publish(ctx, "eos", "a")
	_ = b.Publish(ctx, "error", "b")

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case msg := <-all.C():
			got[msg.(string)] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for message")
		}
	}
	if !got["a"] || !got["b"] {
		t.Fatalf("missing messages: %v", got)
	}
}

func TestMemoryBusBackpressureDropsRatherThanBlocks(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "flood")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			_ = b.Publish(ctx, "flood", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked under backpressure")
	}
}

func TestMemoryBusBackpressureDropsOldestKeepsLatest(t *testing.T) {
	b := NewMemoryBusSize(1)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "state-changed")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if err := b.Publish(ctx, "state-changed", "stale"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := b.Publish(ctx, "state-changed", "latest"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-sub.C():
		if msg != "latest" {
			t.Fatalf("got %v, want the most recent message under backpressure (drop-oldest policy)", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestMemoryBusCloseUnsubscribes(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	sub, _ := b.Subscribe(ctx, "t")
	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, open := <-sub.C(); open {
		t.Fatal("expected channel to be closed")
	}

	if len(b.subs["t"]) != 0 {
		t.Fatalf("expected topic to be cleaned up, got %d subs", len(b.subs["t"]))
	}
}
