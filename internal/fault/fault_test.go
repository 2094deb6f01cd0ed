package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"plain", base, Unknown},
		{"classified", New(StoreUnavailable, "upsert", base), StoreUnavailable},
		{"wrapped classified", fmt.Errorf("batch 3: %w", New(LockContention, "acquire", nil)), LockContention},
		{"context canceled", fmt.Errorf("x: %w", context.Canceled), Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	for _, k := range []Kind{StoreUnavailable, EmbeddingUnavailable, IndexUnavailable} {
		if !IsRetryable(New(k, "op", nil)) {
			t.Errorf("%s should be retryable", k)
		}
	}
	for _, k := range []Kind{InvalidInput, LockContention, ConsistencyFault, SourceReadError} {
		if IsRetryable(New(k, "op", nil)) {
			t.Errorf("%s should not be retryable", k)
		}
	}
}

func TestError_UnwrapKeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := New(IndexUnavailable, "persist", cause)
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}
	if err.Error() != "persist: IndexUnavailable: disk full" {
		t.Errorf("Error() = %q", err.Error())
	}
}
