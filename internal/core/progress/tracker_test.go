package progress

import (
	"sync"
	"testing"
	"time"
)

func TestTracker_NotifyFiresEveryUpdate(t *testing.T) {
	var notifyCount, persistCount int
	tr := New(func(Snapshot) { persistCount++ }, func(Snapshot) { notifyCount++ })

	base := time.Now()
	tr.now = func() time.Time { return base }

	for i := 0; i < 5; i++ {
		tr.Update(int64(i*100), 1000, "")
	}
	if notifyCount != 5 {
		t.Errorf("expected notify on every call, got %d", notifyCount)
	}
}

func TestTracker_PersistThrottled(t *testing.T) {
	var persisted []Snapshot
	var mu sync.Mutex
	tr := New(func(s Snapshot) {
		mu.Lock()
		persisted = append(persisted, s)
		mu.Unlock()
	}, nil)

	clock := time.Now()
	tr.now = func() time.Time { return clock }

	tr.Update(100, 1000, "") // first call always persists
	clock = clock.Add(100 * time.Millisecond)
	tr.Update(200, 1000, "") // inside the 500ms window, should not persist
	clock = clock.Add(100 * time.Millisecond)
	tr.Update(300, 1000, "") // still inside window

	if len(persisted) != 1 {
		t.Fatalf("expected exactly 1 persisted snapshot before the throttle window elapses, got %d", len(persisted))
	}

	clock = clock.Add(400 * time.Millisecond) // now >= 500ms since last persist
	tr.Update(400, 1000, "")

	if len(persisted) != 2 {
		t.Fatalf("expected a second persisted snapshot after 500ms, got %d", len(persisted))
	}
}

func TestTracker_StageTransitionInvalidatesThrottle(t *testing.T) {
	var persistCount int
	tr := New(func(Snapshot) { persistCount++ }, nil)

	clock := time.Now()
	tr.now = func() time.Time { return clock }

	tr.Update(100, 1000, "")
	if persistCount != 1 {
		t.Fatalf("expected first update to persist, got %d", persistCount)
	}

	clock = clock.Add(10 * time.Millisecond)
	tr.SetStage("merging")
	tr.Update(110, 1000, "")
	if persistCount != 2 {
		t.Fatalf("expected stage transition to force an immediate persist, got %d", persistCount)
	}
}

func TestTracker_SpeedIsExponentialMovingAverage(t *testing.T) {
	tr := New(nil, nil)
	clock := time.Now()
	tr.now = func() time.Time { return clock }

	tr.Update(0, 1000, "")
	clock = clock.Add(1 * time.Second)
	tr.Update(100, 1000, "") // instant speed 100 B/s, first sample seeds speed directly
	if got := tr.Snapshot().Speed; got != 100 {
		t.Fatalf("expected seeded speed of 100, got %v", got)
	}

	clock = clock.Add(1 * time.Second)
	tr.Update(300, 1000, "") // instant speed 200 B/s
	want := emaAlpha*200 + (1-emaAlpha)*100
	if got := tr.Snapshot().Speed; got != want {
		t.Fatalf("expected EMA speed %v, got %v", want, got)
	}
}

func TestTracker_TotalIsMonotonicNonDecreasing(t *testing.T) {
	tr := New(nil, nil)
	clock := time.Now()
	tr.now = func() time.Time { return clock }

	tr.Update(10, 1000, "")
	tr.Update(20, 500, "") // a smaller total must not shrink the recorded total
	if tr.Snapshot().Total != 1000 {
		t.Fatalf("expected total to stay monotonic at 1000, got %d", tr.Snapshot().Total)
	}
}

func TestSnapshot_Percentage(t *testing.T) {
	s := Snapshot{Downloaded: 25, Total: 100}
	if got := s.Percentage(); got != 25 {
		t.Errorf("expected 25%%, got %v", got)
	}
	if (Snapshot{}).Percentage() != 0 {
		t.Error("expected 0%% when total is unknown")
	}
}
