package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultProbeInterval = 30 * time.Second
	defaultProbeTimeout  = 5 * time.Second
)

// ClassifyFunc maps a successful probe to a network class. Platform hosts
// that know the active interface plug their own implementation in.
type ClassifyFunc func() NetworkClass

// Prober is a Monitor that derives reachability by periodically probing an
// HTTP endpoint. After a failed probe it retries on an exponential backoff
// rather than the regular interval, so reconnection is noticed quickly
// without hammering the network while it is down.
type Prober struct {
	probeURL string
	client   *http.Client
	interval time.Duration
	classify ClassifyFunc

	mu    sync.RWMutex
	state State
	subs  map[chan State]struct{}
}

var _ Monitor = (*Prober)(nil)

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithProbeInterval sets the steady-state probe interval.
func WithProbeInterval(d time.Duration) ProberOption {
	return func(p *Prober) {
		p.interval = d
	}
}

// WithProbeClient sets the HTTP client used for probes.
func WithProbeClient(c *http.Client) ProberOption {
	return func(p *Prober) {
		p.client = c
	}
}

// WithClassifier sets the network classification hook.
func WithClassifier(f ClassifyFunc) ProberOption {
	return func(p *Prober) {
		p.classify = f
	}
}

// NewProber creates a Prober targeting probeURL. The initial state is
// disconnected until the first probe succeeds.
func NewProber(probeURL string, opts ...ProberOption) *Prober {
	p := &Prober{
		probeURL: probeURL,
		client:   &http.Client{Timeout: defaultProbeTimeout},
		interval: defaultProbeInterval,
		classify: func() NetworkClass { return ClassUnmetered },
		state:    State{Connected: false, Class: ClassNone},
		subs:     make(map[chan State]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Current implements Monitor.
func (p *Prober) Current() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Subscribe implements Monitor.
func (p *Prober) Subscribe(ctx context.Context) <-chan State {
	ch := make(chan State, 1)

	p.mu.Lock()
	p.subs[ch] = struct{}{}
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

// SetState records an externally observed state (e.g. a platform
// connectivity callback) and notifies subscribers on transitions.
func (p *Prober) SetState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s == p.state {
		return
	}
	p.state = s

	// Sends stay under the lock so an unsubscribing channel cannot be closed
	// mid-send; they never block because each is drained first.
	for ch := range p.subs {
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}

// Run probes until ctx is cancelled. It blocks.
func (p *Prober) Run(ctx context.Context) error {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = time.Second
	retry.MaxInterval = p.interval

	// Probe immediately on startup.
	delay := time.Duration(0)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		if err := p.probe(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Debug("Connectivity probe failed", "url", p.probeURL, "error", err)
			p.SetState(State{Connected: false, Class: ClassNone})
			delay = retry.NextBackOff()
			continue
		}

		p.SetState(State{Connected: true, Class: p.classify()})
		retry.Reset()
		delay = p.interval
	}
}

func (p *Prober) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.probeURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build probe request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("probe endpoint returned %d", resp.StatusCode)
	}
	return nil
}
