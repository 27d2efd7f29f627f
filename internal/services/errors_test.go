package services

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapPreservesMarkerAndCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(ErrTransient, "uploading", "copy", "remote unavailable", cause)

	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected error to match ErrTransient, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected error to preserve cause, got %v", err)
	}
	want := "transient failure: uploading: copy: remote unavailable: connection reset"
	if err.Error() != want {
		t.Fatalf("unexpected message:\n got %q\nwant %q", err.Error(), want)
	}
}

func TestWrapWithoutCause(t *testing.T) {
	err := Wrap(ErrValidation, "syncing_audio", "probe", "clip shorter than minimum", nil)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation marker, got %v", err)
	}
	want := "validation error: syncing_audio: probe: clip shorter than minimum"
	if err.Error() != want {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestWrapDefaultsToTransient(t *testing.T) {
	err := Wrap(nil, "", "", "", nil)
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("nil marker should default to transient, got %v", err)
	}
	if err.Error() != "transient failure: service failure" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestWrapTrimsEmptyParts(t *testing.T) {
	err := Wrap(ErrPermanent, "notifying", "", "endpoint rejected payload", nil)
	want := "permanent failure: notifying: endpoint rejected payload"
	if err.Error() != want {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", Wrap(ErrTransient, "uploading", "copy", "timeout", nil), true},
		{"permanent", Wrap(ErrPermanent, "uploading", "copy", "bad credentials", nil), false},
		{"validation", Wrap(ErrValidation, "syncing_audio", "probe", "no audio track", nil), false},
		{"configuration", Wrap(ErrConfiguration, "uploading", "init", "missing remote", nil), false},
		{"unmarked", errors.New("plain"), false},
		{"wrapped transient", fmt.Errorf("outer: %w", Wrap(ErrTransient, "", "", "inner", nil)), true},
		{"permanent wins over transient", fmt.Errorf("%w: %w", ErrPermanent, ErrTransient), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsRetryable(tc.err); got != tc.want {
				t.Fatalf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestSentinelsAreDistinct(t *testing.T) {
	sentinels := []error{ErrTransient, ErrPermanent, ErrValidation, ErrConfiguration, ErrNotFound, ErrConflict, ErrProtocol}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i == j {
				continue
			}
			if errors.Is(a, b) {
				t.Fatalf("sentinel %v unexpectedly matches %v", a, b)
			}
		}
	}
}
