package ports

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestReserveBlockDisjoint(t *testing.T) {
	a := NewAllocator(WithStartPort(21000))
	defer a.Reset()

	const n = 8
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		blocks []Block
	)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			block, err := a.ReserveBlock(context.Background())
			if err != nil {
				t.Errorf("ReserveBlock failed: %v", err)
				return
			}
			mu.Lock()
			blocks = append(blocks, block)
			mu.Unlock()
		}()
	}
	wg.Wait()

	seen := make(map[int]struct{})
	for _, block := range blocks {
		for _, p := range block {
			if _, dup := seen[p]; dup {
				t.Fatalf("port %d handed out twice", p)
			}
			seen[p] = struct{}{}
		}
	}
	if len(seen) != n*BlockSize {
		t.Fatalf("expected %d distinct ports, got %d", n*BlockSize, len(seen))
	}
}

func TestReleaseMakesPortsReusable(t *testing.T) {
	a := NewAllocator(WithStartPort(22000))
	defer a.Reset()

	block, err := a.ReserveBlock(context.Background())
	if err != nil {
		t.Fatalf("ReserveBlock failed: %v", err)
	}
	if a.Held() != BlockSize {
		t.Fatalf("expected %d held ports, got %d", BlockSize, a.Held())
	}

	a.Release(block)
	if a.Held() != 0 {
		t.Fatalf("expected 0 held ports after release, got %d", a.Held())
	}

	// The freed ports are probe candidates again once the cursor rewinds.
	a.Reset()
	again, err := a.ReserveBlock(context.Background())
	if err != nil {
		t.Fatalf("ReserveBlock after release failed: %v", err)
	}
	if again != block {
		t.Errorf("expected freed block %v to be reserved again, got %v", block, again)
	}
}

func TestReserveBlockExhaustion(t *testing.T) {
	a := NewAllocator(WithStartPort(23000), WithProbeBudget(3))
	defer a.Reset()

	_, err := a.ReserveBlock(context.Background())
	if !errors.Is(err, ErrPortsExhausted) {
		t.Fatalf("expected ErrPortsExhausted, got %v", err)
	}
}

func TestReserveBlockCancelled(t *testing.T) {
	a := NewAllocator(WithStartPort(24000))
	defer a.Reset()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.ReserveBlock(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if a.Held() != 0 {
		t.Errorf("cancelled reservation must not leak ports, held=%d", a.Held())
	}
}

func TestBlockChannelAssignment(t *testing.T) {
	b := Block{1, 2, 3, 4, 5}
	if b.Shell() != 1 || b.IOPub() != 2 || b.Stdin() != 3 || b.Control() != 4 || b.HB() != 5 {
		t.Errorf("unexpected channel assignment: %v", b)
	}
}
