// ABOUTME: Tests for the bounded worker pool: slot reservation, release, and active accounting.
// ABOUTME: Verifies the pool never exceeds its configured size and Wait drains submitted work.
package engine

import (
	"context"
	"sync"
	"testing"
)

func TestPoolReserveBounds(t *testing.T) {
	p := NewPool(2)

	if !p.Reserve() {
		t.Fatal("first reserve should succeed")
	}
	if !p.Reserve() {
		t.Fatal("second reserve should succeed")
	}
	if p.Reserve() {
		t.Fatal("third reserve should fail on a full pool")
	}

	p.Release()
	if !p.Reserve() {
		t.Error("reserve should succeed after release")
	}
}

func TestPoolSubmitReleasesSlot(t *testing.T) {
	p := NewPool(1)

	if !p.Reserve() {
		t.Fatal("reserve failed")
	}

	ran := make(chan struct{})
	p.Submit(context.Background(), func(ctx context.Context) {
		close(ran)
	})
	<-ran
	p.Wait()

	if p.Active() != 0 {
		t.Errorf("expected 0 active after wait, got %d", p.Active())
	}
	if !p.Reserve() {
		t.Error("slot should be free after submitted work finished")
	}
}

func TestPoolConcurrencyNeverExceedsSize(t *testing.T) {
	const size = 3
	p := NewPool(size)

	var mu sync.Mutex
	running, peak := 0, 0
	release := make(chan struct{})

	submitted := 0
	for i := 0; i < 10; i++ {
		if !p.Reserve() {
			continue
		}
		submitted++
		p.Submit(context.Background(), func(ctx context.Context) {
			mu.Lock()
			running++
			if running > peak {
				peak = running
			}
			mu.Unlock()
			<-release
			mu.Lock()
			running--
			mu.Unlock()
		})
	}

	if submitted != size {
		t.Errorf("expected %d reservations on a pool of %d, got %d", size, size, submitted)
	}
	close(release)
	p.Wait()

	mu.Lock()
	defer mu.Unlock()
	if peak > size {
		t.Errorf("observed %d concurrent workers, pool size is %d", peak, size)
	}
}
