package domain

import (
	"strconv"
	"sync"
	"testing"
	"time"
)

func TestTurnRing_PushAndRecent(t *testing.T) {
	t.Parallel()

	r := NewTurnRing(3)
	for i := 0; i < 5; i++ {
		r.Push(Turn{Role: "trainee", Text: "turn-" + strconv.Itoa(i), At: time.Now()})
	}

	if r.Len() != 3 {
		t.Fatalf("Expected len 3, got %d", r.Len())
	}

	recent := r.Recent(3)
	want := []string{"turn-2", "turn-3", "turn-4"}
	for i, w := range want {
		if recent[i].Text != w {
			t.Errorf("Expected %s at %d, got %s", w, i, recent[i].Text)
		}
	}
}

func TestTurnRing_RecentFewerThanCount(t *testing.T) {
	t.Parallel()

	r := NewTurnRing(8)
	r.Push(Turn{Text: "a"})
	r.Push(Turn{Text: "b"})
	r.Push(Turn{Text: "c"})

	recent := r.Recent(2)
	if len(recent) != 2 || recent[0].Text != "b" || recent[1].Text != "c" {
		t.Errorf("Expected [b c], got %v", recent)
	}
}

func TestTurnRing_Empty(t *testing.T) {
	t.Parallel()

	r := NewTurnRing(4)
	if got := r.Recent(4); got != nil {
		t.Errorf("Expected nil from empty ring, got %v", got)
	}
}

func TestTurnRing_CloneIsIndependent(t *testing.T) {
	t.Parallel()

	r := NewTurnRing(4)
	r.Push(Turn{Text: "original"})

	c := r.Clone()
	r.Push(Turn{Text: "after-clone"})

	if c.Len() != 1 {
		t.Errorf("Expected clone len 1, got %d", c.Len())
	}
	if r.Len() != 2 {
		t.Errorf("Expected source len 2, got %d", r.Len())
	}
}

func TestTurnRing_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	r := NewTurnRing(16)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			r.Push(Turn{Text: strconv.Itoa(i)})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			_ = r.Recent(8)
		}
	}()

	wg.Wait()
}
