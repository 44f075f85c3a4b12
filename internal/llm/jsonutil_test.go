package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		key  string
		want string
	}{
		{
			name: "plain object",
			in:   `{"choice":"query","reasoning":"needs data"}`,
			key:  "choice",
			want: "query",
		},
		{
			name: "fenced",
			in:   "Here you go:\n```json\n{\"choice\": \"aggregate\"}\n```\nDone.",
			key:  "choice",
			want: "aggregate",
		},
		{
			name: "prose around object",
			in:   `The answer is {"choice": "text_response"} as requested.`,
			key:  "choice",
			want: "text_response",
		},
		{
			name: "trailing comma repaired",
			in:   `{"choice": "query",}`,
			key:  "choice",
			want: "query",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.in)
			if err != nil {
				t.Fatalf("ExtractJSON(%q): %v", tt.in, err)
			}
			if JSONString(got, tt.key) != tt.want {
				t.Errorf("got %v, want %s=%s", got, tt.key, tt.want)
			}
		})
	}

	if _, err := ExtractJSON("no json here at all"); err == nil {
		t.Error("expected error for non-JSON input")
	}
}

func TestRetryDoRetriesOnlyRetryable(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	calls := 0
	_, err := RetryDo(context.Background(), cfg, func() (int, error) {
		calls++
		return 0, Retryable(errors.New("transient"))
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}

	calls = 0
	_, err = RetryDo(context.Background(), cfg, func() (int, error) {
		calls++
		return 0, errors.New("fatal")
	})
	if err == nil || calls != 1 {
		t.Errorf("non-retryable: calls = %d, err = %v", calls, err)
	}

	out, err := RetryDo(context.Background(), cfg, func() (int, error) { return 42, nil })
	if err != nil || out != 42 {
		t.Errorf("success path: %d, %v", out, err)
	}
}
