package dispatch

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGateRunsSubmittedJobs(t *testing.T) {
	g := NewGate(2, 8)
	var ran atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		if !g.Submit("assistant", func() {
			defer wg.Done()
			ran.Add(1)
		}) {
			t.Fatal("Submit rejected within queue capacity")
		}
	}
	wg.Wait()
	if ran.Load() != 8 {
		t.Fatalf("ran %d jobs, want 8", ran.Load())
	}
}

func TestGateBoundsConcurrency(t *testing.T) {
	g := NewGate(2, 32)
	var active, peak atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		g.Submit("assistant", func() {
			defer wg.Done()
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			active.Add(-1)
		})
	}
	wg.Wait()
	if peak.Load() > 2 {
		t.Fatalf("peak concurrency %d exceeds limit 2", peak.Load())
	}
}

func TestGateRejectsOverflow(t *testing.T) {
	g := NewGate(1, 2)
	release := make(chan struct{})
	var wg sync.WaitGroup

	block := func() {
		defer wg.Done()
		<-release
	}
	// One running plus two queued fills the entity.
	accepted := 0
	for i := 0; i < 3; i++ {
		wg.Add(1)
		if g.Submit("assistant", block) {
			accepted++
		} else {
			wg.Done()
		}
	}
	// Give the worker a moment to pull the first job off the queue; one
	// more submit may then be accepted, anything beyond must be rejected.
	time.Sleep(50 * time.Millisecond)
	rejected := 0
	for i := 0; i < 4; i++ {
		wg.Add(1)
		if !g.Submit("assistant", block) {
			rejected++
			wg.Done()
		}
	}
	if rejected == 0 {
		t.Fatal("expected overflow rejections")
	}

	close(release)
	wg.Wait()
}

func TestGateWaitDrainsInFlightJobs(t *testing.T) {
	g := NewGate(1, 8)
	var finished atomic.Int32

	for i := 0; i < 3; i++ {
		if !g.Submit("assistant", func() {
			time.Sleep(20 * time.Millisecond)
			finished.Add(1)
		}) {
			t.Fatal("Submit rejected within queue capacity")
		}
	}
	g.Wait()
	if finished.Load() != 3 {
		t.Fatalf("Wait returned with %d/3 jobs finished", finished.Load())
	}

	// Rejected submissions must not leave Wait hanging.
	g2 := NewGate(1, 1)
	release := make(chan struct{})
	g2.Submit("assistant", func() { <-release })
	g2.Submit("assistant", func() { <-release })
	for g2.Submit("assistant", func() {}) {
	}
	close(release)
	g2.Wait()
}

func TestGatePanicConfinedToJob(t *testing.T) {
	g := NewGate(1, 8)
	var ran atomic.Int32

	g.Submit("assistant", func() { panic("boom") })
	g.Submit("assistant", func() { ran.Add(1) })

	g.Wait()
	if ran.Load() != 1 {
		t.Fatal("job after a panicking job did not run")
	}
}

func TestGateNoticeRateLimited(t *testing.T) {
	g := NewGate(1, 1)
	if !g.NoticeAllowed("!lobby:example.org") {
		t.Fatal("first notice should pass")
	}
	if g.NoticeAllowed("!lobby:example.org") {
		t.Fatal("second notice within a minute should be limited")
	}
	if !g.NoticeAllowed("!dev:example.org") {
		t.Fatal("limiter must be per room")
	}
}
