package circulation

import (
	"context"
	"testing"
	"time"
)

func TestRunnerSerializesApplies(t *testing.T) {
	r := NewRunner()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	var seen []int
	for i := 0; i < 10; i++ {
		i := i
		r.Do(func() { seen = append(seen, i) })
	}
	r.Stop()

	if len(seen) != 10 {
		t.Fatalf("want 10 applies, got %d", len(seen))
	}
	for i, v := range seen {
		if v != i {
			t.Fatalf("applies ran out of order: %v", seen)
		}
	}
}

func TestRunnerGoAppliesResultOnLoop(t *testing.T) {
	r := NewRunner()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	applied := make(chan int, 3)
	for i := 0; i < 3; i++ {
		i := i
		r.Go(func() func() {
			// Simulated background work off the apply loop.
			time.Sleep(time.Millisecond)
			return func() { applied <- i }
		})
	}

	got := map[int]bool{}
	for i := 0; i < 3; i++ {
		select {
		case v := <-applied:
			got[v] = true
		case <-time.After(2 * time.Second):
			t.Fatal("background results never applied")
		}
	}
	if len(got) != 3 {
		t.Fatalf("missing results: %v", got)
	}
	r.Stop()
}

func TestRunnerGoMayReturnNil(t *testing.T) {
	r := NewRunner()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	done := make(chan struct{})
	r.Go(func() func() {
		close(done)
		return nil
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("background task never ran")
	}
	r.Stop()
}
