package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCollect(t *testing.T) {
	chunks := make(chan *CompletionChunk, 4)
	chunks <- &CompletionChunk{Text: "hello "}
	chunks <- &CompletionChunk{Text: "world"}
	chunks <- &CompletionChunk{Done: true, InputTokens: 3, OutputTokens: 7}
	close(chunks)

	res, err := Collect(context.Background(), chunks)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if res.Content != "hello world" {
		t.Errorf("Content = %q", res.Content)
	}
	if res.InputTokens != 3 || res.OutputTokens != 7 {
		t.Errorf("tokens = %d/%d, want 3/7", res.InputTokens, res.OutputTokens)
	}
}

func TestCollectStreamError(t *testing.T) {
	wantErr := errors.New("boom")
	chunks := make(chan *CompletionChunk, 2)
	chunks <- &CompletionChunk{Text: "partial"}
	chunks <- &CompletionChunk{Error: wantErr, Done: true}
	close(chunks)

	res, err := Collect(context.Background(), chunks)
	if !errors.Is(err, wantErr) {
		t.Fatalf("Collect error = %v, want %v", err, wantErr)
	}
	if res.Content != "partial" {
		t.Errorf("partial content = %q", res.Content)
	}
}

func TestCollectContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	chunks := make(chan *CompletionChunk)

	_, err := Collect(ctx, chunks)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Collect error = %v, want context.Canceled", err)
	}
}

func TestCollectCancelUnblocksProducer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	chunks := make(chan *CompletionChunk)
	producerDone := make(chan struct{})

	// Providers send on an unbuffered channel without watching the
	// context; an abandoned consumer must not strand them mid-send.
	go func() {
		defer close(producerDone)
		for i := 0; i < 100; i++ {
			chunks <- &CompletionChunk{Text: "x"}
		}
		close(chunks)
	}()

	cancel()
	if _, err := Collect(ctx, chunks); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("Collect error = %v", err)
	}
	select {
	case <-producerDone:
	case <-time.After(2 * time.Second):
		t.Fatal("producer still blocked after Collect returned")
	}
}

func TestCollectErrorUnblocksProducer(t *testing.T) {
	chunks := make(chan *CompletionChunk)
	producerDone := make(chan struct{})

	go func() {
		defer close(producerDone)
		chunks <- &CompletionChunk{Text: "partial"}
		chunks <- &CompletionChunk{Error: errors.New("stream broke")}
		chunks <- &CompletionChunk{Text: "late"}
		close(chunks)
	}()

	res, err := Collect(context.Background(), chunks)
	if err == nil {
		t.Fatal("expected stream error")
	}
	if res.Content != "partial" {
		t.Errorf("partial content = %q", res.Content)
	}
	select {
	case <-producerDone:
	case <-time.After(2 * time.Second):
		t.Fatal("producer still blocked after Collect returned")
	}
}

func TestTokensPerSecond(t *testing.T) {
	timings := &OllamaTimings{EvalCount: 100, EvalMs: 2000}
	if got := timings.TokensPerSecond(); got != 50 {
		t.Errorf("TokensPerSecond() = %v, want 50", got)
	}

	var nilTimings *OllamaTimings
	if got := nilTimings.TokensPerSecond(); got != 0 {
		t.Errorf("nil TokensPerSecond() = %v, want 0", got)
	}
	if got := (&OllamaTimings{EvalCount: 5}).TokensPerSecond(); got != 0 {
		t.Errorf("TokensPerSecond() without eval time = %v, want 0", got)
	}
}
