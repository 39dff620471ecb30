package ratelimit

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/vinayprograms/jobkit/bus"
)

func newTestCoordinator(t *testing.T, b bus.MessageBus, agentID string) (*Coordinator, *Collection) {
	t.Helper()
	coll := NewCollection(testLimits(map[string]Limits{
		"api": {RPM: 100, TPM: 10000},
	}))
	coord, err := NewCoordinator(coll, DistributedConfig{
		Bus:              b,
		AgentID:          agentID,
		RecoveryInterval: time.Hour,
		MaxRecovery:      true,
	})
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}
	t.Cleanup(func() { coord.Close() })
	return coord, coll
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestCoordinator_InvalidConfig(t *testing.T) {
	mbus := bus.NewMemoryBus(bus.DefaultConfig())
	defer mbus.Close()
	coll := NewCollection(nil)

	tests := []struct {
		name   string
		coll   *Collection
		config DistributedConfig
	}{
		{"missing bus", coll, DistributedConfig{AgentID: "a"}},
		{"missing agent", coll, DistributedConfig{Bus: mbus}},
		{"missing collection", nil, DistributedConfig{Bus: mbus, AgentID: "a"}},
		{"reduce factor too big", coll, DistributedConfig{Bus: mbus, AgentID: "a", ReduceFactor: 1.5}},
		{"recovery factor shrinks", coll, DistributedConfig{Bus: mbus, AgentID: "a", RecoveryFactor: 0.9}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewCoordinator(tt.coll, tt.config); err != ErrInvalidConfig {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestCoordinator_AnnounceReducedLocal(t *testing.T) {
	mbus := bus.NewMemoryBus(bus.DefaultConfig())
	defer mbus.Close()

	coord, coll := newTestCoordinator(t, mbus, "agent-1")
	p := coll.Get("api")

	coord.AnnounceReduced("api", "received 429")

	if p.Requests.Capacity() != 50 || p.Tokens.Capacity() != 5000 {
		t.Errorf("expected halved capacity, got %v/%v", p.Requests.Capacity(), p.Tokens.Capacity())
	}

	// Our own broadcast must not reduce us a second time.
	time.Sleep(50 * time.Millisecond)
	if p.Requests.Capacity() != 50 {
		t.Errorf("own update applied twice: %v", p.Requests.Capacity())
	}
}

func TestCoordinator_Broadcast(t *testing.T) {
	mbus := bus.NewMemoryBus(bus.DefaultConfig())
	defer mbus.Close()

	coord1, _ := newTestCoordinator(t, mbus, "agent-1")
	coord2, coll2 := newTestCoordinator(t, mbus, "agent-2")
	p2 := coll2.Get("api")

	received := make(chan *CapacityUpdate, 1)
	coord2.OnCapacityChange(func(u *CapacityUpdate) { received <- u })

	coord1.AnnounceReduced("api", "received 429")

	select {
	case u := <-received:
		if u.AgentID != "agent-1" || u.Resource != "api" || u.Factor != 0.5 {
			t.Errorf("unexpected update %+v", u)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("peer did not receive update")
	}
	waitFor(t, func() bool { return p2.Requests.Capacity() == 50 })
}

func TestCoordinator_IgnoresUnknownResource(t *testing.T) {
	mbus := bus.NewMemoryBus(bus.DefaultConfig())
	defer mbus.Close()

	coord2, coll2 := newTestCoordinator(t, mbus, "agent-2")
	done := make(chan struct{}, 1)
	coord2.OnCapacityChange(func(*CapacityUpdate) { done <- struct{}{} })

	data, _ := json.Marshal(CapacityUpdate{Resource: "elsewhere", AgentID: "agent-9", Factor: 0.5})
	mbus.Publish(CapacitySubject, data)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("update not delivered")
	}
	if _, ok := coll2.Lookup("elsewhere"); ok {
		t.Error("peer update must not create pairs for unused resources")
	}
}

func TestCoordinator_SkipsTurbo(t *testing.T) {
	mbus := bus.NewMemoryBus(bus.DefaultConfig())
	defer mbus.Close()

	coord, coll := newTestCoordinator(t, mbus, "agent-1")
	p := coll.Get("api")
	p.TurboOn()

	coord.AnnounceReduced("api", "429")
	p.TurboOff()
	if p.Requests.Capacity() != 100 {
		t.Errorf("turbo pair should not be reduced, got %v", p.Requests.Capacity())
	}
}

func TestCoordinator_Recovery(t *testing.T) {
	mbus := bus.NewMemoryBus(bus.DefaultConfig())
	defer mbus.Close()

	coord, coll := newTestCoordinator(t, mbus, "agent-1")
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	coord.nowFunc = func() time.Time { return now }

	p := coll.Get("api")
	coord.AnnounceReduced("api", "429")
	if p.Requests.Capacity() != 50 {
		t.Fatalf("expected 50, got %v", p.Requests.Capacity())
	}

	// Too early: nothing changes.
	now = now.Add(time.Minute)
	coord.attemptRecovery()
	if p.Requests.Capacity() != 50 {
		t.Errorf("recovered before interval: %v", p.Requests.Capacity())
	}

	now = now.Add(time.Hour)
	coord.attemptRecovery()
	if got := p.Requests.Capacity(); got < 54.99 || got > 55.01 {
		t.Errorf("expected ~55 after one recovery step, got %v", got)
	}

	for i := 0; i < 20; i++ {
		coord.attemptRecovery()
	}
	if p.Requests.Capacity() != 100 || p.Tokens.Capacity() != 10000 {
		t.Errorf("expected full recovery capped at original, got %v/%v",
			p.Requests.Capacity(), p.Tokens.Capacity())
	}

	coord.mu.Lock()
	tracked := len(coord.lastReduction)
	coord.mu.Unlock()
	if tracked != 0 {
		t.Errorf("recovered resource should no longer be tracked, %d left", tracked)
	}
}

func TestCoordinator_Close(t *testing.T) {
	mbus := bus.NewMemoryBus(bus.DefaultConfig())
	defer mbus.Close()

	coll := NewCollection(nil)
	coord, err := NewCoordinator(coll, DistributedConfig{Bus: mbus, AgentID: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if err := coord.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if err := coord.Close(); err != ErrClosed {
		t.Errorf("expected ErrClosed on second Close, got %v", err)
	}

	p := coll.Get("x")
	coord.AnnounceReduced("x", "after close")
	if p.Requests.Capacity() != FallbackLimits.RPM {
		t.Error("closed coordinator must not reduce")
	}
}
