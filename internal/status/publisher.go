package status

import (
	"context"
	"sync"
	"time"

	"github.com/openfleet/fieldsync/internal/connectivity"
)

// Publisher holds the current SyncStatus snapshot and fans it out to
// subscribers as a single observable stream. It never mutates the store;
// the coordinator and connectivity wiring push changes in, consumers only
// read.
type Publisher struct {
	mu   sync.RWMutex
	cur  SyncStatus
	subs map[chan SyncStatus]struct{}
}

// NewPublisher creates a Publisher with a disconnected, idle initial
// snapshot.
func NewPublisher() *Publisher {
	return &Publisher{
		cur: SyncStatus{
			NetworkClass: string(connectivity.ClassNone),
			Phase:        PhaseIdle,
		},
		subs: make(map[chan SyncStatus]struct{}),
	}
}

// Current returns the latest snapshot.
func (p *Publisher) Current() SyncStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cur
}

// Subscribe returns a stream of snapshots, starting with the current one.
// The channel is closed when ctx is cancelled. Slow consumers may skip
// intermediate snapshots but always converge on the latest.
func (p *Publisher) Subscribe(ctx context.Context) <-chan SyncStatus {
	ch := make(chan SyncStatus, 1)

	p.mu.Lock()
	p.subs[ch] = struct{}{}
	ch <- p.cur
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		delete(p.subs, ch)
		p.mu.Unlock()
		close(ch)
	}()

	return ch
}

// SetConnectivity records a connectivity observation.
func (p *Publisher) SetConnectivity(s connectivity.State) {
	p.update(func(st *SyncStatus) {
		st.IsConnected = s.Connected
		st.NetworkClass = string(s.Class)
		st.IsMetered = s.Metered()
	})
}

// SetPhase records a coordinator phase transition. Entering Draining stamps
// the last-attempt time.
func (p *Publisher) SetPhase(phase Phase) {
	p.update(func(st *SyncStatus) {
		st.Phase = phase
		st.IsSyncing = phase == PhaseDraining
		if phase == PhaseDraining {
			now := time.Now().UTC()
			st.LastSyncAttempt = &now
		}
	})
}

// SetQueueCounts records the queue depth projection.
func (p *Publisher) SetQueueCounts(pending, dead int) {
	p.update(func(st *SyncStatus) {
		st.PendingCount = pending
		st.DeadCount = dead
	})
}

// SetLastError records the most recent dispatch failure detail. An empty
// string clears it.
func (p *Publisher) SetLastError(msg string) {
	p.update(func(st *SyncStatus) {
		st.LastError = msg
	})
}

func (p *Publisher) update(mutate func(*SyncStatus)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	mutate(&p.cur)

	// Non-blocking fan-out under the lock: drop the stale snapshot a slow
	// subscriber has not read yet, then push the fresh one.
	for ch := range p.subs {
		select {
		case ch <- p.cur:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- p.cur:
			default:
			}
		}
	}
}
