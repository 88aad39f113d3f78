package client

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestWatcherFiresAfterSilence(t *testing.T) {
	var fired atomic.Int32
	w := NewWatcher(30*time.Millisecond, func() { fired.Add(1) })
	defer w.Stop()

	w.Start()
	time.Sleep(80 * time.Millisecond)
	if fired.Load() == 0 {
		t.Fatal("watchdog never fired on a silent connection")
	}
}

func TestWatcherMarkAliveDefersExpiry(t *testing.T) {
	var fired atomic.Int32
	w := NewWatcher(60*time.Millisecond, func() { fired.Add(1) })
	defer w.Stop()

	w.Start()
	for i := 0; i < 5; i++ {
		time.Sleep(20 * time.Millisecond)
		w.MarkAlive()
	}
	if got := fired.Load(); got != 0 {
		t.Fatalf("watchdog fired %d times despite steady traffic", got)
	}

	time.Sleep(120 * time.Millisecond)
	if fired.Load() == 0 {
		t.Fatal("watchdog never fired once traffic stopped")
	}
}

func TestWatcherStopPreventsFiring(t *testing.T) {
	var fired atomic.Int32
	w := NewWatcher(20*time.Millisecond, func() { fired.Add(1) })

	w.Start()
	w.Stop()
	time.Sleep(60 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Fatalf("stopped watchdog fired %d times", got)
	}
}

func TestWatcherRearmsAfterExpiry(t *testing.T) {
	var fired atomic.Int32
	w := NewWatcher(20*time.Millisecond, func() { fired.Add(1) })
	defer w.Stop()

	w.Start()
	time.Sleep(110 * time.Millisecond)
	if got := fired.Load(); got < 2 {
		t.Fatalf("watchdog fired %d times, want repeated expiry while armed", got)
	}
}

func TestWatcherMarkAliveAfterStopIsNoop(t *testing.T) {
	var fired atomic.Int32
	w := NewWatcher(20*time.Millisecond, func() { fired.Add(1) })

	w.Start()
	w.Stop()
	w.MarkAlive()
	time.Sleep(60 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Fatalf("MarkAlive rearmed a stopped watchdog (%d fires)", got)
	}
}
