package worker

import "testing"

// TestSubmitQueueFull exercises only the admission path: a Pool whose
// queue is at capacity and has no worker draining it must fail fast
// rather than block, matching spec.md §4.6/§5's "no waiting" QueueFull
// contract.
func TestSubmitQueueFull(t *testing.T) {
	p := &Pool{queue: make(chan job, 1), n: 1}

	if _, err := p.Submit(Input{}); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if _, err := p.Submit(Input{}); err != ErrQueueFull {
		t.Fatalf("second Submit = %v, want ErrQueueFull", err)
	}
}

func TestPoolLen(t *testing.T) {
	p := &Pool{queue: make(chan job, 4), n: 2}
	if p.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", p.Len())
	}
}
