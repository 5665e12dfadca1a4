package embed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

type fakeHost struct {
	loaded    atomic.Bool
	loads     atomic.Int32
	processes atomic.Int32
	loadErr   error
}

func (h *fakeHost) IsLoaded() bool { return h.loaded.Load() }

func (h *fakeHost) Load(_ context.Context) error {
	h.loads.Add(1)
	if h.loadErr != nil {
		return h.loadErr
	}
	h.loaded.Store(true)
	return nil
}

func (h *fakeHost) Process(_ context.Context) error {
	h.processes.Add(1)
	return nil
}

func TestProcessorLoadsOnceUnderConcurrency(t *testing.T) {
	host := &fakeHost{}
	p := NewProcessor(host)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Ensure(context.Background()); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := host.loads.Load(); got != 1 {
		t.Errorf("expected 1 load, got %d", got)
	}
	if got := host.processes.Load(); got != 20 {
		t.Errorf("expected 20 process calls, got %d", got)
	}
}

func TestProcessorSkipsLoadWhenAlreadyLoaded(t *testing.T) {
	host := &fakeHost{}
	host.loaded.Store(true)

	if err := NewProcessor(host).Ensure(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if host.loads.Load() != 0 {
		t.Errorf("expected no load, got %d", host.loads.Load())
	}
	if host.processes.Load() != 1 {
		t.Errorf("expected 1 process call, got %d", host.processes.Load())
	}
}

func TestProcessorLoadFailureRetriesNextTime(t *testing.T) {
	host := &fakeHost{loadErr: errors.New("blocked")}
	p := NewProcessor(host)

	if err := p.Ensure(context.Background()); err == nil {
		t.Fatal("expected error when script fails to load")
	}
	if host.processes.Load() != 0 {
		t.Errorf("expected no process call after failed load, got %d", host.processes.Load())
	}

	host.loadErr = nil
	if err := p.Ensure(context.Background()); err != nil {
		t.Fatalf("unexpected error on retry: %v", err)
	}
	if host.loads.Load() != 2 {
		t.Errorf("expected 2 load attempts, got %d", host.loads.Load())
	}
}

func TestProcessorWithoutHostIsNoop(t *testing.T) {
	if err := NewProcessor(nil).Ensure(context.Background()); err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
	var p *Processor
	if err := p.Ensure(context.Background()); err != nil {
		t.Errorf("expected nil error for nil processor, got %v", err)
	}
}
