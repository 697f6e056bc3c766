package cache

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMemoryPutGetRoundTrip(t *testing.T) {
	m := NewMemory(testLogger())
	ctx := context.Background()

	want := []byte("serialized-routing-result")
	if err := m.Put(ctx, "call-1", "1", want, time.Minute); err != nil {
		t.Fatalf("Put error: %v", err)
	}

	got, ok, err := m.Get(ctx, "call-1", "1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if !ok {
		t.Fatal("Get reported a miss after Put")
	}
	if string(got) != string(want) {
		t.Fatalf("Get = %q, want %q (byte-for-byte round-trip, §4.2)", got, want)
	}
}

func TestMemoryGetMissing(t *testing.T) {
	m := NewMemory(testLogger())
	_, ok, err := m.Get(context.Background(), "call-1", "nope")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if ok {
		t.Fatal("Get reported a hit for a key never put")
	}
}

func TestMemoryExpiry(t *testing.T) {
	m := NewMemory(testLogger())
	ctx := context.Background()

	if err := m.Put(ctx, "call-1", "1", []byte("x"), time.Millisecond); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	_, ok, err := m.Get(ctx, "call-1", "1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if ok {
		t.Fatal("Get returned an entry past its TTL")
	}
}

func TestMemoryJanitorSweepsExpired(t *testing.T) {
	m := NewMemory(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Put(ctx, "call-1", "1", []byte("x"), time.Millisecond); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	m.StartJanitor(ctx, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	m.mu.Lock()
	n := len(m.entries)
	m.mu.Unlock()
	if n != 0 {
		t.Fatalf("janitor left %d expired entries behind", n)
	}
}

func TestMemoryConcurrentPutsDistinctKeys(t *testing.T) {
	m := NewMemory(testLogger())
	ctx := context.Background()
	const n = 50

	done := make(chan struct{})
	for i := 0; i < n; i++ {
		go func(i int) {
			defer func() { done <- struct{}{} }()
			_ = m.Put(ctx, "call-1", string(rune('a'+i%26)), []byte{byte(i)}, time.Minute)
		}(i)
	}
	for i := 0; i < n; i++ {
		<-done
	}
}
