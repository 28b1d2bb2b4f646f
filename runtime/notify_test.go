package runtime

import (
	"context"
	"testing"
	"time"
)

func TestVersionWatchWhenAtLeast(t *testing.T) {
	vw := NewVersionWatch(0)
	stop := NewTrigger()
	done := make(chan error, 1)
	go func() {
		done <- vw.WhenAtLeast(context.Background(), 10, stop)
	}()
	select {
	case <-done:
		t.Fatal("WhenAtLeast returned before target was reached")
	case <-time.After(20 * time.Millisecond):
	}
	vw.Set(5)
	select {
	case <-done:
		t.Fatal("WhenAtLeast returned before target was reached")
	case <-time.After(20 * time.Millisecond):
	}
	vw.Set(10)
	if err := <-done; err != nil {
		t.Fatalf("WhenAtLeast: %v", err)
	}
}

func TestVersionWatchStop(t *testing.T) {
	vw := NewVersionWatch(0)
	stop := NewTrigger()
	done := make(chan error, 1)
	go func() {
		done <- vw.WhenAtLeast(context.Background(), 10, stop)
	}()
	stop.Fire()
	if err := <-done; err != ErrStopped {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestVersionWatchNeverGoesBackwards(t *testing.T) {
	vw := NewVersionWatch(10)
	vw.Set(5)
	if got := vw.Get(); got != 10 {
		t.Fatalf("Set(5) after 10 changed value to %d", got)
	}
}

func TestTriggerFiresOnce(t *testing.T) {
	tr := NewTrigger()
	if tr.Fired() {
		t.Fatal("new trigger reports fired")
	}
	tr.Fire()
	tr.Fire()
	if !tr.Fired() {
		t.Fatal("trigger did not report fired")
	}
	select {
	case <-tr.Done():
	default:
		t.Fatal("Done channel not closed after Fire")
	}
}
