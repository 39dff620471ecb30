package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name         string
		code         ErrorCode
		message      string
		wantCategory ErrorCategory
	}{
		{"timeout", ErrCodeTimeout, "model call timed out", CategoryTransient},
		{"capacity", ErrCodeCapacityExceeded, "too big", CategoryPermanent},
		{"rate_limit", ErrCodeRateLimit, "429", CategoryResource},
		{"task_failed", ErrCodeTaskFailed, "task failed", CategoryPermanent},
		{"panic", ErrCodePanic, "boom", CategoryInternal},
		{"unknown", ErrorCode("SOMETHING"), "odd", CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, tt.message)
			if err.Code() != tt.code {
				t.Errorf("Code() = %v, want %v", err.Code(), tt.code)
			}
			if err.Category() != tt.wantCategory {
				t.Errorf("Category() = %v, want %v", err.Category(), tt.wantCategory)
			}
			if err.Error() != tt.message {
				t.Errorf("Error() = %v, want %v", err.Error(), tt.message)
			}
			if err.Timestamp().IsZero() {
				t.Error("Timestamp() should not be zero")
			}
		})
	}
}

func TestFromCode(t *testing.T) {
	err := FromCode(ErrCodeTimeout)
	if err.Error() != "operation timed out" {
		t.Errorf("Error() = %v, want %v", err.Error(), "operation timed out")
	}
	if ErrorCode("NOPE").Description() != "unknown error" {
		t.Error("unknown code should have generic description")
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		code      ErrorCode
		wantRetry bool
	}{
		{ErrCodeTimeout, true},
		{ErrCodeUnavailable, true},
		{ErrCodeRateLimit, true},
		{ErrCodeCapacityExceeded, false},
		{ErrCodeTaskFailed, false},
		{ErrCodeCanceled, false},
		{ErrCodePanic, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := New(tt.code, "test")
			if err.Retryable() != tt.wantRetry {
				t.Errorf("Retryable() = %v, want %v", err.Retryable(), tt.wantRetry)
			}
			if tt.code.DefaultRetryable() != tt.wantRetry {
				t.Errorf("DefaultRetryable() = %v, want %v", tt.code.DefaultRetryable(), tt.wantRetry)
			}
		})
	}

	if New(ErrCodeTimeout, "x", WithRetryable(false)).Retryable() {
		t.Error("explicit WithRetryable(false) should win")
	}
}

func TestCapacityExceeded(t *testing.T) {
	err := CapacityExceeded("openai/gpt-4o:tokens", 20, 10, WithTaskID("t1"))
	if err.Code() != ErrCodeCapacityExceeded {
		t.Fatalf("Code() = %v", err.Code())
	}
	md := err.Metadata()
	if md["requested"] != "20" || md["capacity"] != "10" || md["bucket"] != "openai/gpt-4o:tokens" {
		t.Errorf("unexpected metadata: %v", md)
	}
	if err.TaskID() != "t1" {
		t.Errorf("TaskID() = %q", err.TaskID())
	}

	// Metadata returns a copy.
	md["requested"] = "0"
	if err.Metadata()["requested"] != "20" {
		t.Error("metadata should not be mutable through the returned map")
	}
}

func TestTaskFailed(t *testing.T) {
	cause := fmt.Errorf("endpoint said no")
	err := TaskFailed("task-7", cause, WithResource("test/echo"))
	if !errors.Is(err, cause) {
		t.Error("TaskFailed should unwrap to its cause")
	}
	if err.Resource() != "test/echo" {
		t.Errorf("Resource() = %q", err.Resource())
	}
	if err.Error() != "task task-7 failed: endpoint said no" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestWrap(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode ErrorCode
	}{
		{"deadline", context.DeadlineExceeded, ErrCodeTimeout},
		{"canceled", context.Canceled, ErrCodeCanceled},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), ErrCodeTimeout},
		{"plain", fmt.Errorf("plain"), ErrCodeInternal},
		{"structured", RateLimited("slow down"), ErrCodeRateLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := Wrap(tt.err, "context")
			if w.Code() != tt.wantCode {
				t.Errorf("Code() = %v, want %v", w.Code(), tt.wantCode)
			}
			if !errors.Is(w, tt.err) {
				t.Error("wrapped error should keep the chain")
			}
		})
	}

	if Wrap(nil, "x") != nil {
		t.Error("Wrap(nil) should be nil")
	}
	if WrapWithCode(nil, ErrCodeInternal, "x") != nil {
		t.Error("WrapWithCode(nil) should be nil")
	}
}

func TestIsWalksChain(t *testing.T) {
	inner := Timeout("slow")
	outer := TaskFailed("t", inner)

	if !Is(outer, ErrCodeTaskFailed) {
		t.Error("outer code should match")
	}
	if !Is(outer, ErrCodeTimeout) {
		t.Error("inner code should match through the chain")
	}
	if Is(outer, ErrCodePanic) {
		t.Error("unrelated code should not match")
	}
	if Is(fmt.Errorf("plain"), ErrCodeInternal) {
		t.Error("plain errors carry no code")
	}
	if Code(outer) != ErrCodeTaskFailed {
		t.Errorf("Code() = %v", Code(outer))
	}
}

func TestIsCanceled(t *testing.T) {
	if !IsCanceled(context.Canceled) {
		t.Error("context.Canceled should count")
	}
	if !IsCanceled(Wrap(context.Canceled, "drain")) {
		t.Error("wrapped cancel should count")
	}
	if IsCanceled(Timeout("x")) {
		t.Error("timeout is not a cancel")
	}
}

func TestRecoverPanic(t *testing.T) {
	if RecoverPanic(nil) != nil {
		t.Error("nil recover should give nil")
	}
	tests := []struct {
		in   interface{}
		want string
	}{
		{"boom", "boom"},
		{fmt.Errorf("err boom"), "err boom"},
		{42, "42"},
	}
	for _, tt := range tests {
		err := RecoverPanic(tt.in)
		if err.Code() != ErrCodePanic || err.Error() != tt.want {
			t.Errorf("RecoverPanic(%v) = %v (%v)", tt.in, err, err.Code())
		}
	}
}

func TestMarshalJSON(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	e := New(ErrCodeRateLimit, "slow down",
		WithTaskID("t1"),
		WithResource("openai/gpt-4o"),
		WithCause(fmt.Errorf("429")),
		WithMetadata("retry_after", "3"),
	)
	e.timestamp = ts

	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got map[string]interface{}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	want := map[string]interface{}{
		"code":      "RATE_LIMITED",
		"message":   "slow down",
		"cause":     "429",
		"retryable": true,
		"task_id":   "t1",
		"resource":  "openai/gpt-4o",
		"timestamp": "2024-05-01T12:00:00Z",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %v, want %v", k, got[k], v)
		}
	}
	if md, _ := got["metadata"].(map[string]interface{}); md["retry_after"] != "3" {
		t.Errorf("metadata = %v", got["metadata"])
	}
}
