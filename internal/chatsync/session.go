// Package chatsync keeps a client-side transcript of one conversation in step
// with the server by polling with a cursor.
package chatsync

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/nexus-im/supportdesk/store/conversation"
)

// Transport is the subset of the API a Session needs.
type Transport interface {
	ListSince(ctx context.Context, buyerID, since int64) ([]conversation.Message, error)
	Send(ctx context.Context, buyerID int64, body string) (*conversation.Message, error)
}

type State int

const (
	Idle State = iota
	Subscribed
	Hidden
)

func (s State) String() string {
	switch s {
	case Subscribed:
		return "subscribed"
	case Hidden:
		return "hidden"
	default:
		return "idle"
	}
}

var ErrNotOpen = errors.New("chatsync: no conversation open")

const (
	DefaultInterval   = 3 * time.Second
	DefaultMaxBackoff = 30 * time.Second
)

// Options configures a Session. Zero durations take defaults; Timeout
// defaults to twice the interval.
type Options struct {
	Interval   time.Duration
	Timeout    time.Duration
	MaxBackoff time.Duration

	// OnMessages receives every batch of new messages in id order.
	OnMessages func(buyerID int64, msgs []conversation.Message)
	// OnError receives failed polls. Polling carries on regardless.
	OnError func(err error)
}

// Session tracks one open conversation view.
type Session struct {
	transport Transport
	opts      Options

	// deliver serialises apply and callback so batches arrive in order.
	deliver sync.Mutex

	mu         sync.Mutex
	state      State
	buyerID    int64
	cursor     int64
	transcript []conversation.Message
	gen        uint64
	stop       context.CancelFunc
	wake       chan struct{}
	failures   int
}

func NewSession(t Transport, opts Options) *Session {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * opts.Interval
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.MaxBackoff < opts.Interval {
		opts.MaxBackoff = opts.Interval
	}
	return &Session{transport: t, opts: opts}
}

// Open subscribes to buyerID starting after cursor and polls immediately.
// Opening while another conversation is open switches to the new one.
func (s *Session) Open(buyerID, cursor int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.haltLocked()
	s.buyerID = buyerID
	s.cursor = cursor
	s.transcript = nil
	s.failures = 0
	s.state = Subscribed
	s.startLocked()
}

// Close returns to Idle. In-flight polls are abandoned, not awaited.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.haltLocked()
	s.state = Idle
	s.buyerID = 0
}

// Hide pauses polling and keeps the cursor.
func (s *Session) Hide() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Subscribed {
		return
	}
	s.haltLocked()
	s.state = Hidden
}

// Show resumes polling with an immediate catch-up.
func (s *Session) Show() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Hidden {
		return
	}
	s.state = Subscribed
	s.startLocked()
}

// Nudge asks for a poll now. It is what a push hint triggers.
func (s *Session) Nudge() {
	s.mu.Lock()
	wake := s.wake
	s.mu.Unlock()

	if wake == nil {
		return
	}
	select {
	case wake <- struct{}{}:
	default:
	}
}

// Send posts body to the open conversation. On failure the caller keeps the
// draft; on success the new message arrives through the next poll, which is
// forced immediately.
func (s *Session) Send(ctx context.Context, body string) (*conversation.Message, error) {
	s.mu.Lock()
	if s.state == Idle {
		s.mu.Unlock()
		return nil, ErrNotOpen
	}
	buyerID := s.buyerID
	s.mu.Unlock()

	msg, err := s.transport.Send(ctx, buyerID, body)
	if err != nil {
		return nil, err
	}
	s.Nudge()
	return msg, nil
}

// PollNow runs one poll on the caller's goroutine.
func (s *Session) PollNow(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Idle {
		s.mu.Unlock()
		return ErrNotOpen
	}
	gen := s.gen
	s.mu.Unlock()

	return s.poll(ctx, gen)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) BuyerID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buyerID
}

// Cursor is the largest message id applied so far.
func (s *Session) Cursor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Transcript returns a copy of every message applied since Open.
func (s *Session) Transcript() []conversation.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]conversation.Message, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// haltLocked supersedes the running generation. Responses still in flight
// for it are discarded when they land.
func (s *Session) haltLocked() {
	s.gen++
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
	s.wake = nil
}

func (s *Session) startLocked() {
	s.gen++
	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	s.wake = make(chan struct{}, 1)
	go s.loop(ctx, s.gen, s.wake)
}

func (s *Session) loop(ctx context.Context, gen uint64, wake <-chan struct{}) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-wake:
		}

		if err := s.poll(ctx, gen); errors.Is(err, errStale) {
			return
		}
		timer.Reset(s.nextDelay())
	}
}

var errStale = errors.New("chatsync: stale subscription")

func (s *Session) poll(ctx context.Context, gen uint64) error {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return errStale
	}
	buyerID, since := s.buyerID, s.cursor
	s.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	msgs, err := s.transport.ListSince(pctx, buyerID, since)
	cancel()

	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	if s.gen != gen || s.buyerID != buyerID {
		s.mu.Unlock()
		return errStale
	}
	if err != nil {
		s.failures++
		s.mu.Unlock()
		if s.opts.OnError != nil {
			s.opts.OnError(err)
		}
		return err
	}
	s.failures = 0

	// A concurrent poll may have moved the cursor past part of this batch.
	fresh := make([]conversation.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID > s.cursor {
			fresh = append(fresh, m)
		}
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].ID < fresh[j].ID })
	if len(fresh) > 0 {
		s.transcript = append(s.transcript, fresh...)
		s.cursor = fresh[len(fresh)-1].ID
	}
	s.mu.Unlock()

	if len(fresh) > 0 && s.opts.OnMessages != nil {
		s.opts.OnMessages(buyerID, fresh)
	}
	return nil
}

// nextDelay is the poll interval, stretched exponentially while polls keep
// failing.
func (s *Session) nextDelay() time.Duration {
	s.mu.Lock()
	failures := s.failures
	s.mu.Unlock()
	return backoff(s.opts.Interval, s.opts.MaxBackoff, failures)
}

func backoff(interval, ceiling time.Duration, failures int) time.Duration {
	if failures <= 0 {
		return interval
	}
	delay := float64(interval) * math.Pow(2, float64(failures))
	if delay > float64(ceiling) {
		delay = float64(ceiling)
	}
	// Up to 10% jitter either way.
	delay += (rand.Float64() - 0.5) * 2 * delay * 0.1
	if delay < float64(interval) {
		delay = float64(interval)
	}
	return time.Duration(delay)
}
