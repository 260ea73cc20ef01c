// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// session runs an encrypted session with one datacenter.  A Session queues
// calls, packs them into encrypted frames, tracks what the server has seen
// and delivers answers.  It reconnects on its own, creating and binding keys
// through the registry when the datacenter has none.
//
// All session state is owned by the goroutine running Run.  Submit and
// Cancel queue commands for it and may be called from anywhere.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/companyzero/mtpcore/authkey"
	"github.com/companyzero/mtpcore/debug"
	"github.com/companyzero/mtpcore/keybinder"
	"github.com/companyzero/mtpcore/keyexchange"
	"github.com/companyzero/mtpcore/registry"
	"github.com/companyzero/mtpcore/rpc"
)

const (
	// DefaultPingInterval is how often the main session pings.
	DefaultPingInterval = 30 * time.Second

	pingDisconnectDelay = 60 // seconds
	pingTimeout         = 45 * time.Second
	bindTimeout         = 10 * time.Second
	keyWaitTimeout      = 10 * time.Second

	minReceiveTimeout     = 4 * time.Second
	maxReceiveTimeout     = 64 * time.Second
	receiveBytesPerSecond = 8 * 1024

	maxBackoff = 64 * time.Second

	// keyOldEnoughForDestroy protects a persistent key that was just
	// created from a bind error caused by replication lag.
	keyOldEnoughForDestroy = 60 * time.Second
)

var (
	errRestart        = errors.New("restart connection")
	errKeyBusy        = errors.New("key creation in progress elsewhere")
	errKeyChanged     = errors.New("auth key changed")
	errKeyDestroyed   = errors.New("temporary key destroyed")
	errNoPersistent   = errors.New("no persistent key to bind to")
	errBindFailed     = errors.New("bind failed")
	errBindTimeout    = errors.New("bind timeout")
	errPingTimeout    = errors.New("ping timeout")
	errReceiveTimeout = errors.New("receive timeout")
)

// State is the connection state of a session.  Negative values are the
// milliseconds left before the next connection attempt.
type State int32

const (
	Disconnected State = iota
	Connecting
	KeyMissing
	CreatingKey
	Connected
)

func (s State) String() string {
	switch {
	case s < 0:
		return fmt.Sprintf("waiting %vms", int32(-s))
	case s == Disconnected:
		return "disconnected"
	case s == Connecting:
		return "connecting"
	case s == KeyMissing:
		return "key missing"
	case s == CreatingKey:
		return "creating key"
	case s == Connected:
		return "connected"
	}
	return "invalid"
}

// Conn is a connected byte pipe to a datacenter.  Receive blocks until a
// frame arrives, ctx is done or the connection fails.
type Conn interface {
	Send(frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer connects to a datacenter.
type Dialer interface {
	Dial(ctx context.Context, dc int) (Conn, error)
}

// Config describes a session.
type Config struct {
	DC         int
	ProtocolDC int32 // announced during key exchange, DC when 0
	Type       registry.Type

	Dialer   Dialer
	Registry *registry.Registry
	Keys     keyexchange.KeyLookup
	Clock    *rpc.Clock

	// TemporaryExpiresIn is the lifetime of created temporary keys.
	TemporaryExpiresIn time.Duration

	// Ping keeps the connection alive with ping_delay_disconnect every
	// PingInterval.
	Ping         bool
	PingInterval time.Duration

	CutSize int // DefaultCutSize when 0

	// Updates receives messages that are not answers to calls.  Updates
	// are dropped while the channel is full.  May be nil.
	Updates chan<- []byte

	// TimedOut is called from Run when an answer does not arrive within
	// the receive timeout.  May be nil.
	TimedOut func()

	Log   *debug.Debug
	LogID int
	Rand  io.Reader // defaults to crypto/rand
}

type command struct {
	call   *Call
	cancel bool
}

// Session is an encrypted session with one datacenter.
type Session struct {
	cfg   Config
	st    *state
	state atomic.Int32

	mtx   sync.Mutex
	inbox []command
	wake  chan struct{}

	backoff        time.Duration
	receiveTimeout time.Duration
}

// New returns a session for cfg.  Nothing happens until Run is called.
func New(cfg Config) *Session {
	if cfg.Clock == nil {
		cfg.Clock = rpc.NewClock()
	}
	if cfg.ProtocolDC == 0 {
		cfg.ProtocolDC = int32(cfg.DC)
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	s := &Session{
		cfg:            cfg,
		st:             newState(cfg.Clock, cfg.Rand, cfg.Log, cfg.LogID),
		wake:           make(chan struct{}, 1),
		receiveTimeout: minReceiveTimeout,
	}
	if cfg.CutSize > 0 {
		s.st.cutSize = cfg.CutSize
	}
	return s
}

// State returns the current connection state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(state State) {
	if State(s.state.Swap(int32(state))) != state && state >= 0 {
		s.cfg.Log.Dbg(s.cfg.LogID, "dc %v: %v", s.cfg.DC, state)
	}
}

func (s *Session) post(cmd command) {
	s.mtx.Lock()
	s.inbox = append(s.inbox, cmd)
	s.mtx.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Submit queues c and returns it.  The answer arrives on c.Done.
func (s *Session) Submit(c *Call) *Call {
	if c.Done == nil {
		c.Done = make(chan *Call, 1)
	}
	s.post(command{call: c})
	return c
}

// Cancel drops c unless the server already acknowledged it.  A canceled call
// is delivered with ErrCanceled.
func (s *Session) Cancel(c *Call) {
	s.post(command{call: c, cancel: true})
}

// Invoke sends body and waits for the answer.  An rpc_error answer is
// returned as an *rpc.RPCError.
func (s *Session) Invoke(ctx context.Context, body []byte) ([]byte, error) {
	c := s.Submit(NewCall(body))
	select {
	case <-ctx.Done():
		s.Cancel(c)
		return nil, ctx.Err()
	case <-c.Done:
		return c.Reply, c.Error
	}
}

func (s *Session) drainInbox() {
	s.mtx.Lock()
	cmds := s.inbox
	s.inbox = nil
	s.mtx.Unlock()

	for _, cmd := range cmds {
		if cmd.cancel {
			s.st.cancel(cmd.call)
			continue
		}
		s.st.submit(cmd.call)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	switch {
	case d < 3*time.Millisecond:
		return d + time.Millisecond
	case d < time.Second:
		return time.Second
	}
	d *= 2
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// Run connects and keeps the session connected until ctx is done.  Calls
// survive reconnects and are sent again on the next connection.
func (s *Session) Run(ctx context.Context) error {
	changes := s.cfg.Registry.Subscribe()
	defer s.cfg.Registry.Unsubscribe(changes)

	for {
		err := s.connect(ctx, changes)
		s.setState(Disconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, errKeyBusy) {
			continue
		}
		s.cfg.Log.Warn(s.cfg.LogID, "dc %v: %v", s.cfg.DC, err)

		s.backoff = nextBackoff(s.backoff)
		if err := s.wait(ctx, s.backoff); err != nil {
			return err
		}
	}
}

// wait sleeps d while still accepting commands.
func (s *Session) wait(ctx context.Context, d time.Duration) error {
	s.setState(State(-d.Milliseconds()))
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
			s.drainInbox()
		case <-t.C:
			return nil
		}
	}
}

// binding is a temporary key waiting for its bind answer.
type binding struct {
	claim     registry.CreatingKey
	binder    *keybinder.Binder
	temporary *authkey.AuthKey
	salt      uint64
	call      *Call
	started   time.Time
	done      bool
}

func (s *Session) connect(ctx context.Context, changes <-chan int) error {
	s.setState(Connecting)
	conn, err := s.cfg.Dialer.Dial(ctx, s.cfg.DC)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	dc := s.cfg.Registry.Dc(s.cfg.DC)
	var b *binding
	key := dc.TemporaryKey(s.cfg.Type)
	if key == nil {
		s.setState(KeyMissing)
		claim := dc.AcquireKeyCreation(s.cfg.Type)
		if claim == registry.None {
			return s.waitForKey(ctx, changes)
		}
		s.setState(CreatingKey)
		b, err = s.createKey(ctx, conn, dc, claim)
		if err != nil {
			return err
		}
		defer func() {
			if b.call != nil {
				s.st.finish(b.call, nil, errBindFailed)
			}
			if !b.done {
				dc.ReleaseKeyCreationOnFail(b.claim)
			}
		}()
		key = b.temporary
	}

	s.st.setKey(key)
	if b != nil {
		s.st.salt = b.salt
	}
	s.setState(Connected)
	return s.serve(ctx, conn, dc, changes, b)
}

// waitForKey waits for somebody else to finish creating the key.
func (s *Session) waitForKey(ctx context.Context, changes <-chan int) error {
	s.cfg.Log.Dbg(s.cfg.LogID, "dc %v: waiting for key", s.cfg.DC)
	t := time.NewTimer(keyWaitTimeout)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
			s.drainInbox()
		case id := <-changes:
			if id == s.cfg.DC {
				return errKeyBusy
			}
		case <-t.C:
			return errKeyBusy
		}
	}
}

func (s *Session) createKey(ctx context.Context, conn Conn, dc *registry.Dc, claim registry.CreatingKey) (*binding, error) {
	kx := keyexchange.KX{
		Pipe:       conn,
		Keys:       s.cfg.Keys,
		Clock:      s.cfg.Clock,
		DC:         s.cfg.DC,
		ProtocolDC: s.cfg.ProtocolDC,
		Log:        s.cfg.Log,
		LogID:      s.cfg.LogID,
		Rand:       s.cfg.Rand,
	}
	r, err := kx.CreateBound(ctx, claim == registry.Persistent,
		s.cfg.TemporaryExpiresIn)
	if err != nil {
		dc.ReleaseKeyCreationOnFail(claim)
		return nil, fmt.Errorf("create %v key: %w", claim, err)
	}
	persistent := r.Persistent
	if persistent == nil {
		persistent = dc.PersistentKey()
	}
	if persistent == nil {
		dc.ReleaseKeyCreationOnFail(claim)
		return nil, errNoPersistent
	}
	s.cfg.Log.Info(s.cfg.LogID, "dc %v: created %v key %016x",
		s.cfg.DC, claim, r.Temporary.ID())

	binder := keybinder.New(persistent)
	binder.Rand = s.cfg.Rand
	return &binding{
		claim:     claim,
		binder:    binder,
		temporary: r.Temporary,
		salt:      r.Salt,
	}, nil
}

// serve exchanges frames on conn until an error occurs.
func (s *Session) serve(ctx context.Context, conn Conn, dc *registry.Dc, changes <-chan int, b *binding) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := make(chan []byte, 16)
	errC := make(chan error, 1)
	go func() {
		for {
			f, err := conn.Receive(ctx)
			if err != nil {
				errC <- err
				return
			}
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	s.st.resendAll(false)
	if b != nil {
		temp := b.temporary
		b.call = NewCall(nil)
		b.call.build = func(msgID uint64) ([]byte, error) {
			return b.binder.PrepareBindRequest(temp, s.st.sessionID,
				msgID)
		}
		b.started = time.Now()
		s.st.submitFirst(b.call)
	}
	s.drainInbox()

	// the first answer carries the server salt
	var delay int32
	if s.cfg.Ping {
		delay = pingDisconnectDelay
	}
	s.st.ping(s.st.random64(), delay)
	lastPing := time.Now()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var deadline time.Time
	for {
		if err := s.send(conn, &deadline); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-errC:
			return fmt.Errorf("receive: %w", err)

		case <-s.wake:
			s.drainInbox()

		case id := <-changes:
			if id != s.cfg.DC || b != nil {
				continue
			}
			if !dc.TemporaryKey(s.cfg.Type).Equal(s.st.key) {
				return errKeyChanged
			}

		case f := <-frames:
			deadline = time.Time{}
			r := s.st.handleFrame(f, time.Now())
			s.deliverUpdates()
			switch r {
			case Success, Ignored:
				s.backoff = 0
				s.adjustReceiveTimeout()
			case ResetSession:
				s.cfg.Log.Warn(s.cfg.LogID, "dc %v: session reset",
					s.cfg.DC)
				s.st.resetSession()
			case DestroyTemporaryKey:
				s.cfg.Log.Warn(s.cfg.LogID, "dc %v: key %016x destroyed",
					s.cfg.DC, s.st.key.ID())
				dc.DestroyTemporaryKey(s.st.key.ID())
				s.st.setKey(nil)
				return errKeyDestroyed
			default:
				return fmt.Errorf("%w: %v", errRestart, r)
			}
			if b != nil && b.call.finished {
				if err := s.bound(dc, b); err != nil {
					return err
				}
				b = nil
			}

		case now := <-ticker.C:
			if !deadline.IsZero() && now.After(deadline) {
				s.receiveTimeout *= 2
				if s.receiveTimeout > maxReceiveTimeout {
					s.receiveTimeout = maxReceiveTimeout
				}
				if s.cfg.TimedOut != nil {
					s.cfg.TimedOut()
				}
				return errReceiveTimeout
			}
			if b != nil && now.Sub(b.started) >= bindTimeout {
				return errBindTimeout
			}
			if s.st.pingMsgID != 0 && now.Sub(s.st.pingSent) >= pingTimeout {
				return errPingTimeout
			}
			if s.cfg.Ping && now.Sub(lastPing) >= s.cfg.PingInterval {
				s.st.ping(s.st.random64(), pingDisconnectDelay)
				lastPing = now
			}
			s.st.checkSent(now)
		}
	}
}

// send flushes pending messages and arms the receive deadline.
func (s *Session) send(conn Conn, deadline *time.Time) error {
	if !s.st.pending() {
		return nil
	}
	frame, err := s.st.flush(time.Now())
	if err != nil {
		return err
	}
	if frame == nil {
		return nil
	}
	if err := conn.Send(frame); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	if deadline.IsZero() && s.st.waiting() {
		*deadline = time.Now().Add(s.receiveTimeout +
			time.Duration(len(frame)/receiveBytesPerSecond)*time.Second)
	}
	return nil
}

func (s *Session) adjustReceiveTimeout() {
	if s.st.rtt <= 0 {
		return
	}
	t := 2 * s.st.rtt
	if t < minReceiveTimeout {
		t = minReceiveTimeout
	}
	if t < s.receiveTimeout {
		s.receiveTimeout = t
	}
	s.st.rtt = 0
}

func (s *Session) deliverUpdates() {
	for _, u := range s.st.updates {
		if s.cfg.Updates == nil {
			break
		}
		select {
		case s.cfg.Updates <- u:
		default:
			s.cfg.Log.Warn(s.cfg.LogID, "dc %v: update dropped",
				s.cfg.DC)
		}
	}
	s.st.updates = nil
}

// bound acts on the answer to the bind request.
func (s *Session) bound(dc *registry.Dc, b *binding) error {
	c := b.call
	state := b.binder.HandleResponse(c.msgID, c.Reply)
	s.cfg.Log.Dbg(s.cfg.LogID, "dc %v: bind %v", s.cfg.DC, state)

	switch state {
	case keybinder.Success:
		if !dc.ReleaseKeyCreationOnDone(b.claim, b.temporary,
			b.binder.Persistent()) {
			return errKeyChanged
		}
		b.done = true
		return nil
	case keybinder.DefinitelyDestroyed:
		p := b.binder.Persistent()
		if time.Since(p.Created()) >= keyOldEnoughForDestroy {
			s.cfg.Log.Warn(s.cfg.LogID,
				"dc %v: persistent key %016x forgotten by server",
				s.cfg.DC, p.ID())
			dc.DestroyConfirmedForgottenKey(p.ID())
		}
	}
	return errBindFailed
}
