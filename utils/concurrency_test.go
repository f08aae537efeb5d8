package utils

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestURLSetNoDuplicates(t *testing.T) {
	s := NewURLSet()

	added := s.Add("https://example.com/1")
	if !added {
		t.Error("first Add should return true")
	}

	added = s.Add("https://example.com/1")
	if added {
		t.Error("second Add of same URL should return false")
	}

	if s.Size() != 1 {
		t.Errorf("size: got %d, want 1", s.Size())
	}

	s.Reset()
	if s.Size() != 0 || !s.Add("https://example.com/1") {
		t.Error("Reset should clear the set")
	}
}

func TestURLSetConcurrency(t *testing.T) {
	s := NewURLSet()
	var added int64
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Add("https://example.com/same") {
				atomic.AddInt64(&added, 1)
			}
		}()
	}
	wg.Wait()

	if added != 1 {
		t.Errorf("expected exactly 1 successful add, got %d", added)
	}
}

func TestPacerSpacing(t *testing.T) {
	interval := 50 * time.Millisecond
	p := NewPacer(interval, interval)
	ctx := context.Background()

	var timestamps []time.Time
	for i := 0; i < 3; i++ {
		if err := p.Wait(ctx); err != nil {
			t.Fatalf("Wait: %v", err)
		}
		timestamps = append(timestamps, time.Now())
	}

	for i := 1; i < len(timestamps); i++ {
		gap := timestamps[i].Sub(timestamps[i-1])
		if gap < interval-5*time.Millisecond {
			t.Errorf("gap between action %d and %d: %v < minimum %v", i-1, i, gap, interval)
		}
	}
}

func TestPacerCancelled(t *testing.T) {
	p := NewPacer(time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	if err := p.Wait(ctx); err != nil {
		t.Fatalf("first Wait should not block: %v", err)
	}
	cancel()
	if err := p.Wait(ctx); err == nil {
		t.Error("Wait on cancelled context should return an error")
	}
}
