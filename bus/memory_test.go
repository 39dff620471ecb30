package bus

import (
	"sync"
	"testing"
	"time"
)

func TestValidateSubject(t *testing.T) {
	tests := []struct {
		subject string
		wantErr bool
	}{
		{"foo", false},
		{"progress.run-1", false},
		{"ratelimit.capacity", false},
		{"", true},
		{"foo..bar", true},
		{"foo.*", true},
		{"foo.>", true},
		{"has space", true},
	}

	for _, tt := range tests {
		err := ValidateSubject(tt.subject)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateSubject(%q) = %v, wantErr %v", tt.subject, err, tt.wantErr)
		}
	}
}

func TestMemoryBus_PublishWithoutSubscribers(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	if err := bus.Publish("test", []byte("hello")); err != nil {
		t.Errorf("Publish error: %v", err)
	}
	if err := bus.Publish("", []byte("hello")); err != ErrInvalidSubject {
		t.Errorf("expected ErrInvalidSubject, got %v", err)
	}
}

func TestMemoryBus_Subscribe(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, err := bus.Subscribe("test")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Unsubscribe()

	bus.Publish("test", []byte("hello"))

	select {
	case msg := <-sub.Messages():
		if string(msg.Data) != "hello" {
			t.Errorf("data = %q, want %q", msg.Data, "hello")
		}
		if msg.Subject != "test" {
			t.Errorf("subject = %q, want %q", msg.Subject, "test")
		}
	case <-time.After(time.Second):
		t.Error("timeout waiting for message")
	}
}

func TestMemoryBus_FanOut(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub1, _ := bus.Subscribe("test")
	sub2, _ := bus.Subscribe("test")
	other, _ := bus.Subscribe("other")

	bus.Publish("test", []byte("x"))

	for i, sub := range []Subscription{sub1, sub2} {
		select {
		case <-sub.Messages():
		case <-time.After(time.Second):
			t.Errorf("subscriber %d did not receive", i)
		}
	}
	select {
	case <-other.Messages():
		t.Error("unrelated subject received a message")
	default:
	}
}

func TestMemoryBus_DropsWhenFull(t *testing.T) {
	bus := NewMemoryBus(Config{BufferSize: 2})
	defer bus.Close()

	sub, _ := bus.Subscribe("test")
	for i := 0; i < 5; i++ {
		if err := bus.Publish("test", []byte{byte(i)}); err != nil {
			t.Fatalf("Publish must not fail when full: %v", err)
		}
	}

	if got := len(sub.Messages()); got != 2 {
		t.Errorf("buffered = %d, want 2", got)
	}
	if bus.Dropped() != 3 {
		t.Errorf("Dropped() = %d, want 3", bus.Dropped())
	}
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, _ := bus.Subscribe("test")
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe error: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("second Unsubscribe should be a no-op, got %v", err)
	}

	bus.Publish("test", []byte("late"))

	if _, ok := <-sub.Messages(); ok {
		t.Error("channel should be closed after Unsubscribe")
	}
}

func TestMemoryBus_Close(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	sub, _ := bus.Subscribe("test")

	if err := bus.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if _, ok := <-sub.Messages(); ok {
		t.Error("channel should be closed after bus Close")
	}
	if err := bus.Publish("test", nil); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, err := bus.Subscribe("test"); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("Unsubscribe after Close should be a no-op, got %v", err)
	}
}

func TestMemoryBus_ConcurrentPublishUnsubscribe(t *testing.T) {
	bus := NewMemoryBus(Config{BufferSize: 1})
	defer bus.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		sub, _ := bus.Subscribe("race")
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish("race", []byte("x"))
			}
		}()
		go func() {
			defer wg.Done()
			sub.Unsubscribe()
		}()
	}
	wg.Wait()
}
