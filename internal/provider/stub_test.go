package provider

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestStubCompleteNeverFails(t *testing.T) {
	s := NewStub()
	resp, err := s.Complete(context.Background(), Request{Prompt: "anything at all"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != StubAnswer {
		t.Fatalf("content = %q", resp.Content)
	}
	if resp.Content == "" {
		t.Fatal("stub answer must be non-empty")
	}
	if resp.Usage.TotalTokens != resp.Usage.PromptTokens+resp.Usage.CompletionTokens {
		t.Fatalf("usage = %+v", resp.Usage)
	}
}

func TestStubStreamReassembles(t *testing.T) {
	s := NewStub()
	ch, err := s.CompleteStream(context.Background(), Request{Prompt: "q"})
	if err != nil {
		t.Fatal(err)
	}

	var b strings.Builder
	var sawDone bool
	for c := range ch {
		if c.Done {
			sawDone = true
			if c.Usage == nil || c.Usage.TotalTokens == 0 {
				t.Fatalf("done chunk usage = %+v", c.Usage)
			}
			continue
		}
		b.WriteString(c.Content)
	}

	if !sawDone {
		t.Fatal("stream ended without a done chunk")
	}
	if b.String() != StubAnswer {
		t.Fatalf("reassembled = %q", b.String())
	}
}

func TestStubStreamHonorsCancel(t *testing.T) {
	s := NewStub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ch, err := s.CompleteStream(ctx, Request{Prompt: "q"})
	if err != nil {
		t.Fatal(err)
	}

	// No reader is draining, so the producer can only observe the
	// cancelled context and must close the channel.
	time.Sleep(20 * time.Millisecond)
	n := 0
	for range ch {
		n++
	}
	if n != 0 {
		t.Fatalf("cancelled stream delivered %d chunks", n)
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := estimateTokens(""); got != 0 {
		t.Errorf("empty = %d", got)
	}
	if got := estimateTokens("abc"); got != 1 {
		t.Errorf("short = %d, want 1", got)
	}
	if got := estimateTokens(strings.Repeat("x", 40)); got != 10 {
		t.Errorf("40 chars = %d, want 10", got)
	}
}
