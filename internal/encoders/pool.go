package encoders

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the tagged status of one encoder.
type State string

// Encoder states.
const (
	StateOffline   State = "offline"
	StateLaunching State = "launching"
	StateIdle      State = "idle"
	StateBusy      State = "busy"
	StateUnhealthy State = "unhealthy"
)

var (
	// ErrEncoderBusy is returned when the requested encoder cannot be reserved.
	ErrEncoderBusy = errors.New("encoder busy")
	// ErrNoEncoderAvailable is returned when no encoder can be reserved. It
	// matches ErrEncoderBusy with errors.Is.
	ErrNoEncoderAvailable = fmt.Errorf("no encoder available: %w", ErrEncoderBusy)
	// ErrEncoderNotFound is returned for an unknown encoder id.
	ErrEncoderNotFound = errors.New("encoder not found")
	// ErrReservationLost is returned by Commit when the reservation was
	// cancelled or the browser went away while the tune was running.
	ErrReservationLost = errors.New("encoder reservation lost")
)

// ActiveStream is a page currently playing on an encoder.
type ActiveStream struct {
	ID             string     `json:"id"`
	EncoderID      string     `json:"encoder_id"`
	TargetURL      string     `json:"target_url"`
	StartedAt      time.Time  `json:"started_at"`
	AutoStopAt     *time.Time `json:"auto_stop_at,omitempty"`
	RecordingJobID string     `json:"recording_job_id,omitempty"`
}

// Status is a point-in-time view of one encoder.
type Status struct {
	Binding
	State           State
	RecoveryPending bool
	Stream          *ActiveStream
}

// HasBrowser reports whether a browser is up for the encoder.
func (s Status) HasBrowser() bool {
	return s.State == StateIdle || s.State == StateBusy || s.State == StateUnhealthy
}

// IsHealthy reports whether the browser passed its last check.
func (s Status) IsHealthy() bool {
	return (s.State == StateIdle || s.State == StateBusy) && !s.RecoveryPending
}

// IsAvailable reports whether the encoder can take a new stream.
func (s Status) IsAvailable() bool {
	return s.State == StateIdle
}

// StateChangeFunc is called after an encoder changes state, outside the pool
// lock. Calls are serialized and must not change pool state.
type StateChangeFunc func(id string, old, next State)

// PoolOptions configures a Pool.
type PoolOptions struct {
	OnStateChange StateChangeFunc
	Logger        *slog.Logger
}

type slot struct {
	binding         Binding
	state           State
	recoveryPending bool
	stream          *ActiveStream

	// reservation is the generation of the in-flight tune, 0 when none.
	reservation uint64
	cancelled   bool

	// seq counts state changes, so notifications can be delivered in order.
	seq uint64
}

type transition struct {
	id        string
	old, next State
	seq       uint64
}

// delivered is the last state change handed to OnStateChange for a slot.
type delivered struct {
	seq   uint64
	state State
}

// Pool owns every binding and its runtime state. All state changes go
// through its methods; a reserved encoder belongs to the reservation holder
// until Commit or Release.
type Pool struct {
	mu     sync.Mutex
	order  []string
	slots  map[string]*slot
	gen    uint64
	opts   PoolOptions
	logger *slog.Logger

	notifyMu  sync.Mutex
	delivered map[string]delivered
}

// NewPool creates a pool with every encoder offline.
func NewPool(bindings []Binding, opts PoolOptions) *Pool {
	p := &Pool{
		slots:     make(map[string]*slot, len(bindings)),
		opts:      opts,
		logger:    opts.Logger,
		delivered: make(map[string]delivered, len(bindings)),
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	for _, b := range bindings {
		p.order = append(p.order, b.ID)
		p.slots[b.ID] = &slot{binding: b, state: StateOffline}
		p.delivered[b.ID] = delivered{state: StateOffline}
	}
	return p
}

// SetStateChangeHandler replaces the state change callback.
func (p *Pool) SetStateChangeHandler(fn StateChangeFunc) {
	p.mu.Lock()
	p.opts.OnStateChange = fn
	p.mu.Unlock()
}

// IDs returns encoder ids in configuration order.
func (p *Pool) IDs() []string {
	return append([]string(nil), p.order...)
}

// Binding returns the binding for id.
func (p *Pool) Binding(id string) (Binding, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[id]
	if !ok {
		return Binding{}, false
	}
	return s.binding, true
}

// Bindings returns every binding in configuration order.
func (p *Pool) Bindings() []Binding {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Binding, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.slots[id].binding)
	}
	return out
}

// Reserve atomically marks encoder id busy for a tune.
func (p *Pool) Reserve(id string) (*Reservation, error) {
	var changes []transition
	defer func() { p.notify(changes) }()

	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.slots[id]
	if !ok {
		return nil, fmt.Errorf("encoder %s: %w", id, ErrEncoderNotFound)
	}
	if s.state != StateIdle {
		return nil, fmt.Errorf("encoder %s is %s: %w", id, s.state, ErrEncoderBusy)
	}
	return p.reserveLocked(s, &changes), nil
}

// ReserveFirst reserves the first idle encoder in configuration order.
func (p *Pool) ReserveFirst() (*Reservation, error) {
	var changes []transition
	defer func() { p.notify(changes) }()

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range p.order {
		if s := p.slots[id]; s.state == StateIdle {
			return p.reserveLocked(s, &changes), nil
		}
	}
	return nil, ErrNoEncoderAvailable
}

func (p *Pool) reserveLocked(s *slot, changes *[]transition) *Reservation {
	p.gen++
	s.reservation = p.gen
	s.cancelled = false
	p.setStateLocked(s, StateBusy, changes)
	return &Reservation{pool: p, id: s.binding.ID, binding: s.binding, gen: p.gen}
}

// CancelReservation flags an in-flight tune on id so its result is discarded.
// The encoder stays busy until the tune notices and releases it. Returns
// false when no tune is in flight.
func (p *Pool) CancelReservation(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[id]
	if !ok || s.reservation == 0 {
		return false
	}
	s.cancelled = true
	return true
}

// Stream returns a copy of the active stream on id, or nil.
func (p *Pool) Stream(id string) *ActiveStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[id]
	if !ok || s.stream == nil {
		return nil
	}
	cp := *s.stream
	return &cp
}

// ActiveStreams returns copies of every active stream in configuration order.
func (p *Pool) ActiveStreams() []ActiveStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []ActiveStream
	for _, id := range p.order {
		if st := p.slots[id].stream; st != nil {
			out = append(out, *st)
		}
	}
	return out
}

// SetRecordingJob attaches a DVR job id to the active stream streamID.
func (p *Pool) SetRecordingJob(id, streamID, jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[id]
	if !ok || s.stream == nil || s.stream.ID != streamID {
		return false
	}
	s.stream.RecordingJobID = jobID
	return true
}

// BeginStop detaches stream streamID from id so its page can be torn down.
// The encoder stays busy under the returned reservation until Release. It
// returns false when streamID is no longer the active stream on id.
func (p *Pool) BeginStop(id, streamID string) (*ActiveStream, *Reservation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.slots[id]
	if !ok || s.stream == nil || s.stream.ID != streamID {
		return nil, nil, false
	}
	ended := s.stream
	s.stream = nil
	p.gen++
	s.reservation = p.gen
	s.cancelled = false
	return ended, &Reservation{pool: p, id: id, binding: s.binding, gen: p.gen}, true
}

// BeginLaunch moves id to launching. Only offline, unhealthy or idle encoders
// may be (re)launched.
func (p *Pool) BeginLaunch(id string) error {
	var changes []transition
	defer func() { p.notify(changes) }()

	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.slots[id]
	if !ok {
		return fmt.Errorf("encoder %s: %w", id, ErrEncoderNotFound)
	}
	switch s.state {
	case StateOffline, StateUnhealthy, StateIdle:
	default:
		return fmt.Errorf("encoder %s is %s: %w", id, s.state, ErrEncoderBusy)
	}
	s.recoveryPending = false
	p.setStateLocked(s, StateLaunching, &changes)
	return nil
}

// MarkLaunched completes a launch started with BeginLaunch.
func (p *Pool) MarkLaunched(id string) {
	p.transition(id, func(s *slot, changes *[]transition) {
		if s.state == StateLaunching {
			p.setStateLocked(s, StateIdle, changes)
		}
	})
}

// MarkOffline records that the browser for id is gone. Any reservation is
// invalidated and the active stream, if any, is returned so the caller can
// clean up after it.
func (p *Pool) MarkOffline(id string) *ActiveStream {
	var ended *ActiveStream
	p.transition(id, func(s *slot, changes *[]transition) {
		ended = s.stream
		s.stream = nil
		s.reservation = 0
		s.cancelled = false
		s.recoveryPending = false
		p.setStateLocked(s, StateOffline, changes)
	})
	return ended
}

// MarkUnhealthy records a failed health check. An idle encoder becomes
// unhealthy at once; a busy one keeps streaming with recovery deferred until
// the stream ends, in which case deferred is true.
func (p *Pool) MarkUnhealthy(id string) (deferred bool) {
	p.transition(id, func(s *slot, changes *[]transition) {
		switch s.state {
		case StateIdle:
			p.setStateLocked(s, StateUnhealthy, changes)
		case StateBusy:
			s.recoveryPending = true
			deferred = true
		}
	})
	return deferred
}

// Status returns the current view of id.
func (p *Pool) Status(id string) (Status, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[id]
	if !ok {
		return Status{}, false
	}
	return s.status(), true
}

// Snapshot returns the status of every encoder in configuration order.
func (p *Pool) Snapshot() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Status, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.slots[id].status())
	}
	return out
}

func (s *slot) status() Status {
	st := Status{Binding: s.binding, State: s.state, RecoveryPending: s.recoveryPending}
	if s.stream != nil {
		cp := *s.stream
		st.Stream = &cp
	}
	return st
}

func (p *Pool) transition(id string, fn func(s *slot, changes *[]transition)) {
	var changes []transition
	p.mu.Lock()
	if s, ok := p.slots[id]; ok {
		fn(s, &changes)
	}
	p.mu.Unlock()
	p.notify(changes)
}

// freeLocked returns a busy encoder with no stream and no reservation to the pool.
func (p *Pool) freeLocked(s *slot, changes *[]transition) {
	if s.state != StateBusy || s.stream != nil || s.reservation != 0 {
		return
	}
	if s.recoveryPending {
		s.recoveryPending = false
		p.setStateLocked(s, StateUnhealthy, changes)
		return
	}
	p.setStateLocked(s, StateIdle, changes)
}

func (p *Pool) setStateLocked(s *slot, next State, changes *[]transition) {
	if s.state == next {
		return
	}
	s.seq++
	*changes = append(*changes, transition{id: s.binding.ID, old: s.state, next: next, seq: s.seq})
	s.state = next
}

// notify hands changes to OnStateChange one at a time. A change that lost the
// race to a newer one on the same encoder is dropped, and old is rewritten to
// the last delivered state so observers always see a connected chain.
func (p *Pool) notify(changes []transition) {
	if len(changes) == 0 {
		return
	}
	p.mu.Lock()
	fn := p.opts.OnStateChange
	p.mu.Unlock()

	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()
	for _, c := range changes {
		last := p.delivered[c.id]
		if c.seq <= last.seq {
			p.logger.Debug("Dropping stale encoder state change", "encoder_id", c.id, "new_state", c.next)
			continue
		}
		p.delivered[c.id] = delivered{seq: c.seq, state: c.next}
		c.old = last.state
		if c.old == c.next {
			continue
		}
		p.logger.Debug("Encoder state changed", "encoder_id", c.id, "old_state", c.old, "new_state", c.next)
		if fn != nil {
			fn(c.id, c.old, c.next)
		}
	}
}

// Reservation is exclusive use of one encoder for the duration of a tune.
// It ends with exactly one effective Commit or Release; later calls are
// no-ops.
type Reservation struct {
	pool    *Pool
	id      string
	binding Binding
	gen     uint64
}

// EncoderID returns the reserved encoder.
func (r *Reservation) EncoderID() string { return r.id }

// Binding returns the reserved encoder's binding.
func (r *Reservation) Binding() Binding { return r.binding }

// Cancelled reports whether the reservation is no longer held, either
// because CancelReservation was called or the browser went offline.
func (r *Reservation) Cancelled() bool {
	r.pool.mu.Lock()
	defer r.pool.mu.Unlock()
	s := r.pool.slots[r.id]
	return s.reservation != r.gen || s.cancelled
}

// Commit turns the reservation into an active stream. It fails with
// ErrReservationLost if the reservation is no longer valid.
func (r *Reservation) Commit(stream ActiveStream) (*ActiveStream, error) {
	r.pool.mu.Lock()
	defer r.pool.mu.Unlock()

	s := r.pool.slots[r.id]
	if s.reservation != r.gen || s.cancelled {
		return nil, fmt.Errorf("encoder %s: %w", r.id, ErrReservationLost)
	}
	stream.EncoderID = r.id
	s.stream = &stream
	s.reservation = 0
	s.cancelled = false

	cp := stream
	return &cp, nil
}

// Release gives the encoder back if the reservation is still held.
func (r *Reservation) Release() {
	var changes []transition
	r.pool.mu.Lock()
	s := r.pool.slots[r.id]
	if s.reservation == r.gen {
		s.reservation = 0
		s.cancelled = false
		r.pool.freeLocked(s, &changes)
	}
	r.pool.mu.Unlock()
	r.pool.notify(changes)
}
