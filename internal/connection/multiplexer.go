package connection

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/rickgao/tradesync/internal/api"
	"github.com/rickgao/tradesync/internal/backoff"
	"github.com/rickgao/tradesync/internal/metrics"
)

// Dialer creates the physical client for one connection attempt.
type Dialer func(cfg ClientConfig, logger *slog.Logger) Client

// subscription phases
type phase int

const (
	phaseUnsent   phase = iota // waiting for the connection to open
	phasePending               // subscribe sent, confirmation outstanding
	phaseActive                // confirmed, SID known
	phaseOrphaned              // released while pending; unsubscribe on confirmation
)

// subscription is one logical server-side subscription shared by its handles.
type subscription struct {
	key     string
	channel string
	params  url.Values
	order   uint64 // creation order, used for resync
	phase   phase
	cmdID   int64
	sid     int64
	handles map[uuid.UUID]*Handle
}

// Handle identifies a single Request. Releasing it is idempotent.
type Handle struct {
	id       uuid.UUID
	m        *Multiplexer
	sub      *subscription
	updates  chan Update
	released bool // guarded by m.mu
}

// ID returns the unique handle identity.
func (h *Handle) ID() uuid.UUID { return h.id }

// Channel returns the requested channel name.
func (h *Handle) Channel() string { return h.sub.channel }

// Updates returns the handle's data frames. Closed on release.
func (h *Handle) Updates() <-chan Update { return h.updates }

// Release gives up this request.
func (h *Handle) Release() { h.m.Release(h) }

// Multiplexer shares one physical connection among many requesters.
//
// All state lives behind mu. One run-loop goroutine owns the physical client:
// it dials, waits out backoff, flushes the command outbox in FIFO order and
// reads frames. Request, Release, Reconnect and Terminate never block on I/O.
type Multiplexer struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	observer api.FailureObserver
	clock    clockwork.Clock
	policy   backoff.Policy
	dial     Dialer

	mu        sync.Mutex
	state     State
	epoch     uint64 // bumped whenever the current connection is abandoned
	current   Client
	attempts  int
	subs      map[string]*subscription
	bySID     map[int64]*subscription
	inflight  map[int64]*subscription // subscribe command id → subscription
	lastSeq   map[int64]int64
	outbox    []outgoing
	nextCmdID int64
	nextOrder uint64
	started   bool
	stopped   bool

	wake   chan struct{}
	states chan State
	cancel context.CancelFunc
	done   chan struct{}
}

type outgoing struct {
	cmd  string
	data []byte
}

// Option configures a Multiplexer.
type Option func(*Multiplexer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Multiplexer) {
		m.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Multiplexer) {
		m.metrics = mt
	}
}

// WithObserver reports handshake failures and error frames, so an
// authentication failure on the real-time path forces a logout too.
func WithObserver(obs api.FailureObserver) Option {
	return func(m *Multiplexer) {
		m.observer = obs
	}
}

// WithClock sets the clock used for reconnect backoff and client heartbeats.
func WithClock(c clockwork.Clock) Option {
	return func(m *Multiplexer) {
		m.clock = c
	}
}

// WithJitter sets the reconnect backoff jitter source.
func WithJitter(j backoff.Jitter) Option {
	return func(m *Multiplexer) {
		m.policy.Jitter = j
	}
}

// WithDialer replaces the gorilla/websocket client.
func WithDialer(d Dialer) Option {
	return func(m *Multiplexer) {
		m.dial = d
	}
}

// NewMultiplexer creates a Multiplexer in the Disconnected state.
func NewMultiplexer(cfg Config, opts ...Option) *Multiplexer {
	if cfg.HandleBufferSize <= 0 {
		cfg.HandleBufferSize = DefaultConfig().HandleBufferSize
	}

	m := &Multiplexer{
		cfg:    cfg,
		logger: slog.Default(),
		clock:  clockwork.NewRealClock(),
		policy: backoff.Policy{
			Base:   cfg.ReconnectBaseWait,
			Max:    cfg.ReconnectMaxWait,
			Jitter: backoff.DefaultJitter,
		},
		dial:     NewClient,
		subs:     make(map[string]*subscription),
		bySID:    make(map[int64]*subscription),
		inflight: make(map[int64]*subscription),
		lastSeq:  make(map[int64]int64),
		wake:     make(chan struct{}, 1),
		states:   make(chan State, 16),
	}

	for _, opt := range opts {
		opt(m)
	}

	m.metrics.SetConnectionState(m.state.String(), StateNames)
	return m
}

// Key returns the canonical subscription key: the channel plus its params
// with keys and values sorted.
func Key(channel string, params url.Values) string {
	canon := canonicalParams(params)
	if len(canon) == 0 {
		return channel
	}
	return channel + "?" + canon.Encode()
}

// canonicalParams drops keys without values, so they never split a key.
func canonicalParams(params url.Values) url.Values {
	out := make(url.Values, len(params))
	for k, vs := range params {
		if len(vs) == 0 {
			continue
		}
		sorted := slices.Clone(vs)
		sort.Strings(sorted)
		out[k] = sorted
	}
	return out
}

// Start launches the run loop. Requests made before Start are held until
// the loop connects.
func (m *Multiplexer) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrStopped
	}
	if m.started {
		return ErrAlreadyStarted
	}
	m.started = true

	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.run(ctx)

	m.logger.Info("multiplexer started", "url", m.cfg.Client.URL)
	return nil
}

// Stop shuts the run loop down, closes every handle and the connection.
func (m *Multiplexer) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			m.logger.Warn("shutdown timeout, forcing close")
		}
	}

	m.mu.Lock()
	old := m.dropAllLocked()
	m.setStateLocked(Disconnected)
	m.stopped = true
	close(m.states)
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}

	m.logger.Info("multiplexer stopped")
	return nil
}

// States returns a channel of state transitions. Slow readers miss
// intermediate states; State() is always current.
func (m *Multiplexer) States() <-chan State {
	return m.states
}

// State returns the current connection state.
func (m *Multiplexer) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats returns current statistics.
func (m *Multiplexer) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		State:             m.state,
		PendingSubscribes: len(m.inflight),
		ReconnectAttempts: m.attempts,
	}
	for _, sub := range m.subs {
		if sub.phase == phaseOrphaned {
			continue
		}
		s.Subscriptions++
		s.Handles += len(sub.handles)
	}
	return s
}

// Request registers interest in channel with params and returns a handle
// unique to this call. The first request for a key subscribes; later ones
// share it.
func (m *Multiplexer) Request(channel string, params url.Values) (*Handle, error) {
	if channel == "" {
		return nil, ErrInvalidChannel
	}
	key := Key(channel, params)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil, ErrStopped
	}

	sub, ok := m.subs[key]
	switch {
	case !ok:
		sub = &subscription{
			key:     key,
			channel: channel,
			params:  canonicalParams(params),
			order:   m.nextOrder,
			handles: make(map[uuid.UUID]*Handle),
		}
		m.nextOrder++
		m.subs[key] = sub

		switch m.state {
		case Open:
			m.subscribeLocked(sub)
		case Disconnected:
			m.setStateLocked(Connecting)
			m.kick()
		}

	case sub.phase == phaseOrphaned:
		// Released while pending and requested again before confirmation.
		sub.phase = phasePending

	case sub.phase == phaseUnsent && m.state == Open:
		// Rejected by the backend earlier; ask again.
		m.subscribeLocked(sub)
	}

	h := &Handle{
		id:      uuid.New(),
		m:       m,
		sub:     sub,
		updates: make(chan Update, m.cfg.HandleBufferSize),
	}
	sub.handles[h.id] = h

	m.logger.Debug("channel requested",
		"channel", channel,
		"key", key,
		"handle", h.id,
		"ref_count", len(sub.handles),
	)
	m.updateGaugesLocked()

	return h, nil
}

// Release drops the request behind h. At refCount zero the subscription is
// unsubscribed, or marked orphaned if its subscribe is still pending.
// Releasing a released handle is a no-op.
func (m *Multiplexer) Release(h *Handle) {
	if h == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if h.released {
		return
	}
	h.released = true
	close(h.updates)

	sub := h.sub
	delete(sub.handles, h.id)
	if len(sub.handles) > 0 {
		m.updateGaugesLocked()
		return
	}

	switch sub.phase {
	case phaseActive:
		m.unsubscribeLocked(sub.sid)
		delete(m.bySID, sub.sid)
		delete(m.subs, sub.key)
	case phasePending:
		sub.phase = phaseOrphaned
	default:
		delete(m.subs, sub.key)
	}

	m.logger.Debug("channel released", "channel", sub.channel, "key", sub.key)
	m.updateGaugesLocked()
}

// Reconnect abandons the current connection, if any, and connects again
// immediately. It is the only way out of FailedPermanently.
func (m *Multiplexer) Reconnect() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}

	old := m.resetLocked()
	m.attempts = 0
	m.setStateLocked(Connecting)
	m.kick()
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}

	m.logger.Info("manual reconnect requested")
	return nil
}

// Terminate drops every subscription, closes every handle and the
// connection, and returns to Disconnected. Used on forced logout.
func (m *Multiplexer) Terminate() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	old := m.dropAllLocked()
	m.attempts = 0
	m.setStateLocked(Disconnected)
	m.kick()
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}

	m.logger.Info("multiplexer terminated")
}

// run is the connection-owning loop.
func (m *Multiplexer) run(ctx context.Context) {
	defer close(m.done)

	for ctx.Err() == nil {
		switch m.State() {
		case Connecting:
			m.connect(ctx)
		case Reconnecting:
			m.waitReconnect(ctx)
		default:
			select {
			case <-ctx.Done():
			case <-m.wake:
			}
		}
	}
}

// connect performs one connection attempt and serves it until it is lost.
func (m *Multiplexer) connect(ctx context.Context) {
	m.mu.Lock()
	epoch := m.epoch
	m.mu.Unlock()

	ccfg := m.cfg.Client
	if ccfg.Clock == nil {
		ccfg.Clock = m.clock
	}
	client := m.dial(ccfg, m.logger)
	err := client.Connect(ctx)

	if err != nil {
		m.logger.Warn("connect failed", "url", m.cfg.Client.URL, "error", err)
		if ctx.Err() != nil {
			return
		}
		// May force a logout, which calls Terminate; never hold mu here.
		m.observe(err)

		m.mu.Lock()
		if m.state == Connecting && m.epoch == epoch {
			m.connectFailedLocked()
		}
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	if m.state != Connecting || m.epoch != epoch {
		m.mu.Unlock()
		client.Close()
		return
	}
	m.current = client
	m.attempts = 0
	m.setStateLocked(Open)
	m.resyncLocked()
	m.mu.Unlock()

	m.serve(ctx, client)
}

func (m *Multiplexer) connectFailedLocked() {
	m.attempts++
	if m.cfg.MaxReconnectAttempts > 0 && m.attempts > m.cfg.MaxReconnectAttempts {
		m.logger.Error("giving up on connection",
			"attempts", m.attempts-1,
			"max_attempts", m.cfg.MaxReconnectAttempts,
		)
		m.setStateLocked(FailedPermanently)
		return
	}
	m.setStateLocked(Reconnecting)
}

// waitReconnect sleeps out the backoff delay for the current attempt.
func (m *Multiplexer) waitReconnect(ctx context.Context) {
	m.mu.Lock()
	attempt, epoch := m.attempts, m.epoch
	m.mu.Unlock()

	delay := m.policy.Delay(attempt)
	m.logger.Info("attempting reconnection", "attempt", attempt, "backoff", delay)
	m.metrics.IncReconnect()

	timer := m.clock.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.Chan():
			m.mu.Lock()
			if m.state == Reconnecting && m.epoch == epoch {
				m.setStateLocked(Connecting)
			}
			m.mu.Unlock()
			return
		case <-m.wake:
			m.mu.Lock()
			changed := m.state != Reconnecting || m.epoch != epoch
			m.mu.Unlock()
			if changed {
				return
			}
		}
	}
}

// serve flushes the outbox and routes frames until the client is lost or
// abandoned.
func (m *Multiplexer) serve(ctx context.Context, client Client) {
	for {
		if !m.flush(client) {
			return
		}

		select {
		case <-ctx.Done():
			return

		case <-m.wake:
			m.mu.Lock()
			abandoned := m.current != client
			m.mu.Unlock()
			if abandoned {
				return
			}

		case err := <-client.Errors():
			m.connectionLost(client, err)
			return

		case msg := <-client.Messages():
			m.handleMessage(msg)
		}
	}
}

// flush sends queued commands in order. Returns false if the client is gone.
func (m *Multiplexer) flush(client Client) bool {
	m.mu.Lock()
	if m.current != client {
		m.mu.Unlock()
		return false
	}
	batch := m.outbox
	m.outbox = nil
	m.mu.Unlock()

	for _, out := range batch {
		if err := client.Send(out.data); err != nil {
			m.logger.Warn("send failed", "cmd", out.cmd, "error", err)
			m.connectionLost(client, err)
			return false
		}
		m.metrics.IncCommand(out.cmd)
	}
	return true
}

// connectionLost moves an Open connection to Reconnecting.
func (m *Multiplexer) connectionLost(client Client, err error) {
	m.mu.Lock()
	if m.current != client {
		m.mu.Unlock()
		return
	}
	m.logger.Warn("connection lost", "error", err)
	m.resetLocked()
	m.attempts = 1
	m.setStateLocked(Reconnecting)
	m.mu.Unlock()

	client.Close()
}

// resetLocked forgets everything tied to the current physical connection.
// Subscriptions survive as unsent and are replayed on the next Open.
func (m *Multiplexer) resetLocked() Client {
	old := m.current
	m.current = nil
	m.epoch++
	m.outbox = nil
	clear(m.inflight)
	clear(m.bySID)
	clear(m.lastSeq)

	for key, sub := range m.subs {
		if sub.phase == phaseOrphaned {
			delete(m.subs, key)
			continue
		}
		sub.phase = phaseUnsent
		sub.cmdID = 0
		sub.sid = 0
	}
	m.updateGaugesLocked()
	return old
}

// dropAllLocked forgets every subscription and closes every handle.
func (m *Multiplexer) dropAllLocked() Client {
	old := m.resetLocked()
	for key, sub := range m.subs {
		for _, h := range sub.handles {
			if !h.released {
				h.released = true
				close(h.updates)
			}
		}
		delete(m.subs, key)
	}
	m.updateGaugesLocked()
	return old
}

// resyncLocked subscribes every tracked subscription once, in request order.
func (m *Multiplexer) resyncLocked() {
	subs := make([]*subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		if sub.phase == phaseUnsent {
			subs = append(subs, sub)
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].order < subs[j].order })

	for _, sub := range subs {
		m.subscribeLocked(sub)
	}
	if len(subs) > 0 {
		m.logger.Info("resubscribing", "count", len(subs))
	}
}

func (m *Multiplexer) subscribeLocked(sub *subscription) {
	m.nextCmdID++
	id := m.nextCmdID

	params := map[string]any{
		"channels": []string{sub.channel},
	}
	for k, vs := range sub.params {
		if len(vs) == 1 {
			params[k] = vs[0]
		} else {
			params[k] = vs
		}
	}

	sub.phase = phasePending
	sub.cmdID = id
	m.inflight[id] = sub
	m.enqueueLocked(Command{ID: id, Cmd: "subscribe", Params: params})
}

func (m *Multiplexer) unsubscribeLocked(sid int64) {
	m.nextCmdID++
	m.enqueueLocked(Command{
		ID:     m.nextCmdID,
		Cmd:    "unsubscribe",
		Params: UnsubscribeParams{SIDs: []int64{sid}},
	})
}

func (m *Multiplexer) enqueueLocked(cmd Command) {
	data, err := json.Marshal(cmd)
	if err != nil {
		m.logger.Error("marshal command", "cmd", cmd.Cmd, "error", err)
		return
	}
	m.outbox = append(m.outbox, outgoing{cmd: cmd.Cmd, data: data})
	m.kick()
}

// handleMessage routes one frame: command responses update subscription
// state, data frames are fanned out to handles.
func (m *Multiplexer) handleMessage(msg TimestampedMessage) {
	if resp, ok := parseResponse(msg.Data); ok {
		m.handleResponse(resp, msg.ReceivedAt)
		return
	}

	var frame DataMessage
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		m.logger.Debug("unparseable frame", "error", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.bySID[frame.SID]
	if !ok || sub.phase != phaseActive {
		return
	}

	update := Update{
		Channel:    sub.channel,
		Type:       frame.Type,
		SID:        frame.SID,
		Seq:        frame.Seq,
		Data:       frame.Msg,
		ReceivedAt: msg.ReceivedAt,
	}
	if m.cfg.DetectGaps && frame.Seq != 0 {
		update.SeqGap, update.GapSize = m.checkSequenceLocked(frame.SID, frame.Seq)
	}

	m.deliverLocked(sub, update)
}

func (m *Multiplexer) handleResponse(resp Response, receivedAt time.Time) {
	var frameErr error

	m.mu.Lock()
	switch resp.Type {
	case "subscribed":
		var sm SubscribedMsg
		if err := json.Unmarshal(resp.Msg, &sm); err != nil {
			m.logger.Warn("bad subscribed response", "id", resp.ID, "error", err)
			break
		}
		sub, ok := m.inflight[resp.ID]
		if !ok {
			break
		}
		delete(m.inflight, resp.ID)

		if sub.phase == phaseOrphaned {
			m.unsubscribeLocked(sm.SID)
			delete(m.subs, sub.key)
			m.logger.Debug("unsubscribing orphaned subscription", "key", sub.key, "sid", sm.SID)
			break
		}
		sub.phase = phaseActive
		sub.sid = sm.SID
		m.bySID[sm.SID] = sub
		m.logger.Debug("subscribed", "channel", sub.channel, "key", sub.key, "sid", sm.SID)

	case "unsubscribed":
		var um UnsubscribedMsg
		if err := json.Unmarshal(resp.Msg, &um); err == nil {
			for _, sid := range um.SIDs {
				delete(m.lastSeq, sid)
			}
		}

	case "error":
		var em ErrorMsg
		_ = json.Unmarshal(resp.Msg, &em)
		frameErr = &api.APIError{Code: em.Code, Message: em.Message}
		m.logger.Warn("command rejected", "id", resp.ID, "code", em.Code, "message", em.Message)

		sub, ok := m.inflight[resp.ID]
		if !ok {
			break
		}
		delete(m.inflight, resp.ID)
		if sub.phase == phaseOrphaned {
			delete(m.subs, sub.key)
			break
		}
		// Retried on the next Open.
		sub.phase = phaseUnsent
		m.deliverLocked(sub, Update{
			Channel:    sub.channel,
			Type:       "error",
			ReceivedAt: receivedAt,
			Err:        frameErr,
		})
	}
	m.updateGaugesLocked()
	m.mu.Unlock()

	if frameErr != nil {
		m.observe(frameErr)
	}
}

// deliverLocked sends u to every handle of sub without blocking.
func (m *Multiplexer) deliverLocked(sub *subscription, u Update) {
	for _, h := range sub.handles {
		select {
		case h.updates <- u:
		default:
			m.logger.Warn("handle buffer full, dropping update",
				"channel", sub.channel,
				"handle", h.id,
			)
		}
	}
}

// checkSequenceLocked checks for sequence gaps and returns gap info.
func (m *Multiplexer) checkSequenceLocked(sid, seq int64) (seqGap bool, gapSize int) {
	last, exists := m.lastSeq[sid]
	m.lastSeq[sid] = seq
	if !exists || seq == last+1 {
		return false, 0
	}

	gap := int(seq - last - 1)
	m.logger.Warn("sequence gap detected",
		"sid", sid,
		"expected", last+1,
		"got", seq,
		"gap", gap,
	)
	return true, gap
}

func (m *Multiplexer) setStateLocked(s State) {
	if s == m.state {
		return
	}
	m.logger.Info("connection state changed", "from", m.state, "to", s)
	m.state = s
	m.metrics.SetConnectionState(s.String(), StateNames)

	if m.stopped {
		return
	}
	select {
	case m.states <- s:
	default:
	}
}

func (m *Multiplexer) updateGaugesLocked() {
	n := 0
	for _, sub := range m.subs {
		if sub.phase != phaseOrphaned {
			n++
		}
	}
	m.metrics.SetSubscriptions(n)
}

func (m *Multiplexer) kick() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Multiplexer) observe(err error) {
	if m.observer != nil {
		m.observer.ObserveFailure(err)
	}
}

// parseResponse attempts to parse a frame as a command response.
func parseResponse(data []byte) (Response, bool) {
	// Quick check for response markers; error frames may lack an id.
	if !bytes.Contains(data, []byte(`"id"`)) && !bytes.Contains(data, []byte(`"error"`)) {
		return Response{}, false
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, false
	}

	switch resp.Type {
	case "subscribed", "unsubscribed", "error", "ok":
		return resp, true
	}
	return Response{}, false
}
