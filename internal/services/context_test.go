package services

import (
	"context"
	"testing"
)

func TestSessionIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	if _, ok := SessionIDFromContext(ctx); ok {
		t.Fatal("empty context should not carry a session id")
	}

	ctx = WithSessionID(ctx, "20260101_1200_a1b2c3")
	got, ok := SessionIDFromContext(ctx)
	if !ok || got != "20260101_1200_a1b2c3" {
		t.Fatalf("got %q ok=%v, want stored session id", got, ok)
	}
}

func TestWithSessionIDIgnoresEmpty(t *testing.T) {
	ctx := context.Background()
	if out := WithSessionID(ctx, ""); out != ctx {
		t.Fatal("empty session id should return the original context")
	}
}

func TestStageRoundTrip(t *testing.T) {
	ctx := WithStage(context.Background(), "syncing_audio")
	got, ok := StageFromContext(ctx)
	if !ok || got != "syncing_audio" {
		t.Fatalf("got %q ok=%v", got, ok)
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-42")
	got, ok := RequestIDFromContext(ctx)
	if !ok || got != "req-42" {
		t.Fatalf("got %q ok=%v", got, ok)
	}
	if _, ok := RequestIDFromContext(context.Background()); ok {
		t.Fatal("background context should not carry a request id")
	}
}
