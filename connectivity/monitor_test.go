package connectivity

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kanto-io/uploadkit/kernel"
)

func TestMonitorEmitsIsOfflineThenBackOnline(t *testing.T) {
	k := kernel.New(kernel.Options{})
	defer k.Close()

	var mu sync.Mutex
	var events []string
	record := func(name string) func(args ...any) {
		return func(args ...any) {
			mu.Lock()
			events = append(events, name)
			mu.Unlock()
		}
	}
	k.On("is-online", record("is-online"))
	k.On("is-offline", record("is-offline"))
	k.On("back-online", record("back-online"))

	var online atomic.Bool
	m := New(k, Options{
		Interval: 5 * time.Millisecond,
		Check:    func(context.Context) bool { return online.Load() },
	})
	m.Start()
	defer m.Stop()

	time.Sleep(30 * time.Millisecond)
	online.Store(true)
	time.Sleep(30 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(events) < 2 || events[0] != "is-offline" {
		t.Fatalf("events = %v, want to start with is-offline", events)
	}
	var sawBackOnline bool
	for _, e := range events {
		if e == "back-online" {
			sawBackOnline = true
		}
	}
	if !sawBackOnline {
		t.Fatalf("events = %v, want a back-online transition", events)
	}
}

func TestMonitorPrimedOnlineEmitsNoBackOnline(t *testing.T) {
	k := kernel.New(kernel.Options{})
	defer k.Close()

	fired := make(chan struct{}, 1)
	k.On("back-online", func(args ...any) {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	m := New(k, Options{
		Interval: 5 * time.Millisecond,
		Check:    func(context.Context) bool { return true },
	})
	m.Start()
	defer m.Stop()

	time.Sleep(30 * time.Millisecond)
	select {
	case <-fired:
		t.Fatalf("back-online fired on initial always-online poll")
	default:
	}
}

func TestDialCheckFailsOnUnroutableAddress(t *testing.T) {
	check := DialCheck("198.51.100.1:81", 20*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if check(ctx) {
		t.Fatalf("expected unroutable address to fail")
	}
}
