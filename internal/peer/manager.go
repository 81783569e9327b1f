// Package peer drives one negotiated transport link per remote participant
// through offer/answer/ICE exchange, with a bounded retry and explicit
// lifecycle states. Only the room's host may initiate dials; everything
// else reacts to inbound signaling.
package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/peerdock/peerdock/internal/identity"
	"github.com/peerdock/peerdock/internal/signal"
	"github.com/peerdock/peerdock/internal/store"
)

const (
	// maxRetries is the negotiation retry budget per peer.
	maxRetries = 1

	channelLabel = "peerdock"

	establishPollInterval = 100 * time.Millisecond
)

type peerConn struct {
	id      identity.ParticipantID
	state   ConnectionState
	session Session
	channel DataChannel
	retries int
	lastErr string

	// The link counts as established only when both the transport reports
	// connectivity and the data channel reports open.
	iceUp  bool
	chanUp bool
}

// PeerInfo is a point-in-time snapshot of one peer link.
type PeerInfo struct {
	ID      identity.ParticipantID
	State   ConnectionState
	Retries int
	LastErr string
}

// MessageFunc observes every message received on any peer's data channel.
type MessageFunc func(from identity.ParticipantID, data []byte)

// Manager owns every peer link of one room session.
type Manager struct {
	engine        Engine
	router        *signal.Router
	roomID        string
	self          identity.ParticipantID
	dialTimeout   time.Duration
	redialBackoff time.Duration
	log           *slog.Logger

	mu          sync.Mutex
	peers       map[identity.ParticipantID]*peerConn
	pending     map[identity.ParticipantID][]signal.ICEPayload
	isHost      bool
	autoConnect bool
	closed      bool
	onMessage   MessageFunc
	feed        store.MemberFeed
}

func NewManager(engine Engine, router *signal.Router, roomID string, self identity.ParticipantID, dialTimeout, redialBackoff time.Duration, log *slog.Logger) *Manager {
	m := &Manager{
		engine:        engine,
		router:        router,
		roomID:        roomID,
		self:          self,
		dialTimeout:   dialTimeout,
		redialBackoff: redialBackoff,
		log:           log,
		peers:         make(map[identity.ParticipantID]*peerConn),
		pending:       make(map[identity.ParticipantID][]signal.ICEPayload),
	}
	router.OnMessage(m.handleEnvelope)
	return m
}

// Initialize arms the manager for a session. When autoConnect is set and
// the local participant is host, membership changes drive dials and
// teardowns automatically.
func (m *Manager) Initialize(autoConnect bool, feed store.MemberFeed) {
	m.mu.Lock()
	m.autoConnect = autoConnect
	m.feed = feed
	m.mu.Unlock()

	if feed != nil {
		go m.watchMembers(feed)
	}
}

// OnChannelMessage registers the inbound data channel observer.
func (m *Manager) OnChannelMessage(fn MessageFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMessage = fn
}

// SetHost updates the host privilege. On gaining it the manager eagerly
// dials every known member without an established link (catch-up for a
// late-elected host); on losing it existing links stay up, only the
// initiating privilege goes away.
func (m *Manager) SetHost(isHost bool, members []identity.ParticipantID) {
	m.mu.Lock()
	becameHost := isHost && !m.isHost
	m.isHost = isHost
	m.mu.Unlock()

	if !becameHost {
		return
	}
	for _, member := range members {
		if member == m.self {
			continue
		}
		go func(id identity.ParticipantID) {
			if err := m.ConnectToPeer(context.Background(), id, false); err != nil {
				m.log.Warn("catch-up dial failed", "peer", id, "err", err)
			}
		}(member)
	}
}

// IsHost reports the manager's current initiating privilege.
func (m *Manager) IsHost() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isHost
}

func (m *Manager) watchMembers(feed store.MemberFeed) {
	for evt := range feed.Events() {
		if evt.UserID == m.self {
			continue
		}

		m.mu.Lock()
		armed := m.autoConnect && m.isHost && !m.closed
		m.mu.Unlock()
		if !armed {
			continue
		}

		switch evt.Kind {
		case store.MemberJoined:
			if err := m.ConnectToPeer(context.Background(), evt.UserID, false); err != nil {
				m.log.Warn("auto-connect dial failed", "peer", evt.UserID, "err", err)
			}
		case store.MemberLeft:
			m.ClosePeer(evt.UserID)
		}
	}
}

// ConnectToPeer dials one remote participant as offerer. Only the current
// host may initiate. A peer already connecting or connected makes the call
// a no-op. With wait set, the call blocks until the link is established,
// failed, or the dial timeout elapses.
func (m *Manager) ConnectToPeer(ctx context.Context, peerID identity.ParticipantID, wait bool) error {
	if peerID == m.self {
		return newError("connect", peerID, ErrSelfDial)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return newError("connect", peerID, ErrManagerClosed)
	}
	if !m.isHost {
		m.mu.Unlock()
		return newError("connect", peerID, ErrNotHost)
	}

	pc := m.peers[peerID]
	switch {
	case pc == nil:
		pc = &peerConn{id: peerID, state: StateIdle}
		m.peers[peerID] = pc
	case pc.state == StateOffering, pc.state == StateAnswering,
		pc.state == StateConnecting, pc.state == StateConnected:
		// Idempotent dial: one negotiation in flight per peer.
		m.mu.Unlock()
		if wait {
			return m.waitEstablished(ctx, peerID)
		}
		return nil
	case pc.state == StateFailed:
		// Re-dial of a failed peer goes back through idle, keeping the
		// retry count it accumulated.
		m.resetLocked(pc)
	}

	// Claiming the offering state under the lock is what makes concurrent
	// dials collapse into a single offer.
	if err := m.transitionLocked(pc, StateOffering); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	if err := m.dial(ctx, peerID); err != nil {
		m.fail(peerID, err)
		return err
	}
	if wait {
		return m.waitEstablished(ctx, peerID)
	}
	return nil
}

// dial runs the offerer negotiation steps for a peer already holding the
// offering state. Engine calls happen outside the manager lock because the
// engine invokes callbacks that re-enter the manager.
func (m *Manager) dial(ctx context.Context, peerID identity.ParticipantID) error {
	session, err := m.engine.NewSession(m.callbacksFor(peerID))
	if err != nil {
		return newError("connect", peerID, err)
	}

	channel, err := session.CreateDataChannel(channelLabel)
	if err != nil {
		session.Close()
		return newError("connect", peerID, err)
	}
	m.bindChannel(peerID, channel)

	m.mu.Lock()
	pc := m.peers[peerID]
	if pc == nil || pc.state != StateOffering {
		m.mu.Unlock()
		session.Close()
		return nil
	}
	pc.session = session
	pc.channel = channel
	m.mu.Unlock()

	offerSDP, err := session.CreateOffer()
	if err != nil {
		return newError("connect", peerID, err)
	}
	if err := m.router.Send(ctx, peerID, signal.KindOffer, signal.OfferPayload{SDP: offerSDP}); err != nil {
		return newError("connect", peerID, err)
	}

	m.mu.Lock()
	pc = m.peers[peerID]
	if pc == nil {
		m.mu.Unlock()
		return nil
	}
	err = m.transitionLocked(pc, StateConnecting)
	queued := m.takePendingLocked(peerID)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	return m.applyCandidates(session, peerID, queued)
}

func (m *Manager) callbacksFor(peerID identity.ParticipantID) SessionCallbacks {
	return SessionCallbacks{
		OnCandidate: func(payload signal.ICEPayload) {
			if err := m.router.Send(context.Background(), peerID, signal.KindICE, payload); err != nil {
				m.log.Warn("failed to send ICE candidate", "peer", peerID, "err", err)
			}
		},
		OnICEStateChange: func(state ICEState) {
			m.onICEState(peerID, state)
		},
	}
}

func (m *Manager) bindChannel(peerID identity.ParticipantID, channel DataChannel) {
	channel.OnOpen(func() {
		m.onChannelOpen(peerID)
	})
	channel.OnClose(func() {
		m.onChannelClosed(peerID)
	})
	channel.OnMessage(func(data []byte) {
		m.mu.Lock()
		fn := m.onMessage
		m.mu.Unlock()
		if fn != nil {
			fn(peerID, data)
		}
	})
}

// handleEnvelope dispatches inbound signaling addressed to this session.
func (m *Manager) handleEnvelope(env signal.Envelope) {
	ctx := context.Background()

	switch env.Kind {
	case signal.KindOffer:
		var payload signal.OfferPayload
		if err := env.DecodeData(&payload); err != nil {
			m.log.Warn("bad offer payload", "from", env.From, "err", err)
			return
		}
		if err := m.handleOffer(ctx, env.From, payload.SDP); err != nil {
			m.log.Warn("offer handling failed", "from", env.From, "err", err)
		}

	case signal.KindAnswer:
		var payload signal.AnswerPayload
		if err := env.DecodeData(&payload); err != nil {
			m.log.Warn("bad answer payload", "from", env.From, "err", err)
			return
		}
		if err := m.handleAnswer(env.From, payload.SDP); err != nil {
			m.log.Warn("answer handling failed", "from", env.From, "err", err)
		}

	case signal.KindICE:
		var payload signal.ICEPayload
		if err := env.DecodeData(&payload); err != nil {
			m.log.Warn("bad ICE payload", "from", env.From, "err", err)
			return
		}
		m.handleCandidate(env.From, payload)
	}
}

// handleOffer answers an inbound offer, creating a session as answerer.
// Duplicate offers for a peer already negotiating or connected are dropped.
func (m *Manager) handleOffer(ctx context.Context, from identity.ParticipantID, offerSDP string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	pc := m.peers[from]
	if pc != nil {
		switch pc.state {
		case StateOffering, StateAnswering, StateConnecting, StateConnected:
			m.mu.Unlock()
			m.log.Debug("dropping duplicate offer", "from", from, "state", pc.state)
			return nil
		case StateFailed:
			m.resetLocked(pc)
		}
	}
	if pc == nil {
		pc = &peerConn{id: from, state: StateIdle}
		m.peers[from] = pc
	}
	if err := m.transitionLocked(pc, StateAnswering); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	session, err := m.engine.NewSession(m.callbacksFor(from))
	if err != nil {
		m.fail(from, err)
		return newError("answer", from, err)
	}
	session.OnDataChannel(func(channel DataChannel) {
		m.bindChannel(from, channel)
		m.mu.Lock()
		if cur := m.peers[from]; cur != nil {
			cur.channel = channel
		}
		m.mu.Unlock()
	})

	m.mu.Lock()
	pc = m.peers[from]
	if pc == nil {
		m.mu.Unlock()
		session.Close()
		return nil
	}
	pc.session = session
	m.mu.Unlock()

	answerSDP, err := session.CreateAnswer(offerSDP)
	if err != nil {
		m.fail(from, err)
		return newError("answer", from, err)
	}
	if err := m.router.Send(ctx, from, signal.KindAnswer, signal.AnswerPayload{SDP: answerSDP}); err != nil {
		m.fail(from, err)
		return newError("answer", from, err)
	}

	m.mu.Lock()
	pc = m.peers[from]
	if pc == nil {
		m.mu.Unlock()
		return nil
	}
	err = m.transitionLocked(pc, StateConnecting)
	queued := m.takePendingLocked(from)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	return m.applyCandidates(session, from, queued)
}

// handleAnswer applies a remote answer to the session this side offered.
// An answer for an unknown peer is stale state and is ignored.
func (m *Manager) handleAnswer(from identity.ParticipantID, answerSDP string) error {
	m.mu.Lock()
	pc := m.peers[from]
	if pc == nil || pc.session == nil {
		m.mu.Unlock()
		m.log.Debug("answer for unknown peer", "from", from)
		return nil
	}
	session := pc.session
	m.mu.Unlock()

	if err := session.ApplyAnswer(answerSDP); err != nil {
		m.fail(from, err)
		return newError("answer", from, err)
	}

	m.mu.Lock()
	pc = m.peers[from]
	if pc == nil {
		m.mu.Unlock()
		return nil
	}
	// The offerer normally reached connecting when its offer went out; the
	// transition here only fires for the offering→connecting edge.
	if pc.state != StateConnecting {
		if err := m.transitionLocked(pc, StateConnecting); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	queued := m.takePendingLocked(from)
	m.mu.Unlock()

	return m.applyCandidates(session, from, queued)
}

// handleCandidate applies a remote candidate, or buffers it when no session
// exists yet for that peer.
func (m *Manager) handleCandidate(from identity.ParticipantID, payload signal.ICEPayload) {
	m.mu.Lock()
	pc := m.peers[from]
	if pc == nil || pc.session == nil {
		m.pending[from] = append(m.pending[from], payload)
		m.mu.Unlock()
		return
	}
	session := pc.session
	m.mu.Unlock()

	if err := session.AddCandidate(payload); err != nil {
		m.log.Warn("failed to apply ICE candidate", "from", from, "err", err)
	}
}

// takePendingLocked drains the buffered candidate queue for a peer. Caller
// holds the manager lock.
func (m *Manager) takePendingLocked(peerID identity.ParticipantID) []signal.ICEPayload {
	queued := m.pending[peerID]
	delete(m.pending, peerID)
	return queued
}

func (m *Manager) applyCandidates(session Session, peerID identity.ParticipantID, queued []signal.ICEPayload) error {
	for _, payload := range queued {
		if err := session.AddCandidate(payload); err != nil {
			return wrapError("flush candidates", peerID, err, payload.Candidate)
		}
	}
	return nil
}

// onICEState reacts to the transport engine's connectivity callbacks.
func (m *Manager) onICEState(peerID identity.ParticipantID, state ICEState) {
	switch state {
	case ICEConnected, ICECompleted:
		m.mu.Lock()
		if pc := m.peers[peerID]; pc != nil {
			pc.iceUp = true
			pc.retries = 0
			m.maybeConnectedLocked(pc)
		}
		m.mu.Unlock()

	case ICEDisconnected, ICEFailed:
		m.mu.Lock()
		pc := m.peers[peerID]
		if pc == nil || pc.state == StateClosed || pc.state == StateFailed {
			m.mu.Unlock()
			return
		}
		pc.iceUp = false
		if !m.isHost {
			m.failLocked(pc, fmt.Errorf("ice %s, not host, no redial", state))
			m.mu.Unlock()
			return
		}
		if pc.retries < maxRetries {
			pc.retries++
			m.mu.Unlock()
			m.log.Info("negotiation degraded, scheduling redial", "peer", peerID, "ice", state)
			go m.redialAfterBackoff(peerID)
			return
		}
		m.failLocked(pc, fmt.Errorf("ice %s, retry budget exhausted", state))
		m.mu.Unlock()
	}
}

// redialAfterBackoff tears the session down and re-dials once, provided the
// local participant still holds the host privilege when the backoff ends.
func (m *Manager) redialAfterBackoff(peerID identity.ParticipantID) {
	time.Sleep(m.redialBackoff)

	m.mu.Lock()
	pc := m.peers[peerID]
	if pc == nil || pc.state == StateClosed || m.closed {
		m.mu.Unlock()
		return
	}
	if !m.isHost {
		m.failLocked(pc, errors.New("lost host privilege before redial"))
		m.mu.Unlock()
		return
	}
	m.resetLocked(pc)
	err := m.transitionLocked(pc, StateOffering)
	m.mu.Unlock()
	if err != nil {
		return
	}

	if err := m.dial(context.Background(), peerID); err != nil {
		m.fail(peerID, err)
	}
}

// resetLocked tears down the session objects and returns the record to
// idle so the redial re-enters the state machine through its defined
// entry edge. The retry count survives. Caller holds the manager lock.
func (m *Manager) resetLocked(pc *peerConn) {
	if pc.session != nil {
		go pc.session.Close()
	}
	pc.session = nil
	pc.channel = nil
	pc.iceUp = false
	pc.chanUp = false
	pc.state = StateIdle
	m.log.Debug("peer link reset", "peer", pc.id, "retries", pc.retries)
}

func (m *Manager) onChannelOpen(peerID identity.ParticipantID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pc := m.peers[peerID]; pc != nil {
		pc.chanUp = true
		m.maybeConnectedLocked(pc)
	}
}

func (m *Manager) onChannelClosed(peerID identity.ParticipantID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pc := m.peers[peerID]
	if pc == nil || pc.state == StateClosed || pc.state == StateFailed {
		return
	}
	pc.chanUp = false
	if pc.state == StateConnected {
		m.failLocked(pc, errors.New("data channel closed"))
	}
}

// maybeConnectedLocked promotes a connecting link once both transport
// connectivity and the open data channel are observed, in either order.
func (m *Manager) maybeConnectedLocked(pc *peerConn) {
	if pc.state != StateConnecting || !pc.iceUp || !pc.chanUp {
		return
	}
	if err := m.transitionLocked(pc, StateConnected); err == nil {
		m.log.Info("peer link established", "peer", pc.id)
	}
}

func (m *Manager) transitionLocked(pc *peerConn, to ConnectionState) error {
	if !canTransition(pc.state, to) {
		m.log.Error("invalid connection state transition", "peer", pc.id, "from", pc.state, "to", to)
		return wrapError("transition", pc.id, ErrInvalidTransition, fmt.Sprintf("%s to %s", pc.state, to))
	}
	m.log.Debug("peer state", "peer", pc.id, "from", pc.state, "to", to)
	pc.state = to
	return nil
}

func (m *Manager) fail(peerID identity.ParticipantID, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pc := m.peers[peerID]; pc != nil {
		m.failLocked(pc, cause)
	}
}

func (m *Manager) failLocked(pc *peerConn, cause error) {
	if pc.state == StateClosed || pc.state == StateFailed {
		return
	}
	pc.state = StateFailed
	pc.lastErr = cause.Error()
	m.log.Warn("peer link failed", "peer", pc.id, "err", cause)
	if pc.session != nil {
		go pc.session.Close()
	}
}

// waitEstablished polls until the peer is connected, failed, or the dial
// timeout elapses.
func (m *Manager) waitEstablished(ctx context.Context, peerID identity.ParticipantID) error {
	deadline := time.After(m.dialTimeout)
	ticker := time.NewTicker(establishPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return newError("connect", peerID, ctx.Err())
		case <-deadline:
			return wrapError("connect", peerID, ErrTimeout, "link not established")
		case <-ticker.C:
			m.mu.Lock()
			pc := m.peers[peerID]
			var state ConnectionState
			var lastErr string
			if pc != nil {
				state, lastErr = pc.state, pc.lastErr
			}
			m.mu.Unlock()

			switch state {
			case StateConnected:
				return nil
			case StateFailed:
				return wrapError("connect", peerID, ErrNotConnected, lastErr)
			case StateClosed, "":
				return newError("connect", peerID, ErrUnknownPeer)
			}
		}
	}
}

// Send delivers one message to a single connected peer.
func (m *Manager) Send(peerID identity.ParticipantID, data []byte) error {
	m.mu.Lock()
	pc := m.peers[peerID]
	if pc == nil {
		m.mu.Unlock()
		return newError("send", peerID, ErrUnknownPeer)
	}
	if pc.state != StateConnected {
		m.mu.Unlock()
		return wrapError("send", peerID, ErrNotConnected, string(pc.state))
	}
	channel := pc.channel
	m.mu.Unlock()

	if channel == nil || !channel.IsOpen() {
		return newError("send", peerID, ErrChannelNotOpen)
	}
	if err := channel.Send(data); err != nil {
		return newError("send", peerID, err)
	}
	return nil
}

// Broadcast fans one message out to every connected peer. Partial failures
// are collected and reported but never abort delivery to the rest; the
// returned count says how many peers received it.
func (m *Manager) Broadcast(data []byte) (int, error) {
	type target struct {
		id      identity.ParticipantID
		channel DataChannel
	}

	// Capture id and channel under the lock; the reset path rewrites
	// pc.channel concurrently.
	m.mu.Lock()
	targets := make([]target, 0, len(m.peers))
	for _, pc := range m.peers {
		if pc.state == StateConnected {
			targets = append(targets, target{id: pc.id, channel: pc.channel})
		}
	}
	m.mu.Unlock()

	delivered := 0
	var errs []error
	for _, t := range targets {
		if t.channel == nil || !t.channel.IsOpen() {
			errs = append(errs, newError("broadcast", t.id, ErrChannelNotOpen))
			continue
		}
		if err := t.channel.Send(data); err != nil {
			errs = append(errs, newError("broadcast", t.id, err))
			continue
		}
		delivered++
	}
	return delivered, errors.Join(errs...)
}

// PeerState returns the state of one peer link.
func (m *Manager) PeerState(peerID identity.ParticipantID) (ConnectionState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pc, ok := m.peers[peerID]
	if !ok {
		return "", false
	}
	return pc.state, true
}

// Peers returns a snapshot of every peer link.
func (m *Manager) Peers() []PeerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]PeerInfo, 0, len(m.peers))
	for _, pc := range m.peers {
		infos = append(infos, PeerInfo{ID: pc.id, State: pc.state, Retries: pc.retries, LastErr: pc.lastErr})
	}
	return infos
}

// ConnectedPeers lists peers whose link is established.
func (m *Manager) ConnectedPeers() []identity.ParticipantID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]identity.ParticipantID, 0, len(m.peers))
	for _, pc := range m.peers {
		if pc.state == StateConnected {
			ids = append(ids, pc.id)
		}
	}
	return ids
}

// PendingCandidates reports how many candidates are buffered for a peer
// whose session does not exist yet.
func (m *Manager) PendingCandidates(peerID identity.ParticipantID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending[peerID])
}

// ClosePeer tears down one peer link, discards its buffered candidates and
// removes the record. Closing an unknown peer is a no-op.
func (m *Manager) ClosePeer(peerID identity.ParticipantID) {
	m.mu.Lock()
	delete(m.pending, peerID)
	pc := m.peers[peerID]
	if pc == nil {
		m.mu.Unlock()
		return
	}
	if pc.state != StateClosed {
		pc.state = StateClosed
	}
	session, channel := pc.session, pc.channel
	delete(m.peers, peerID)
	m.mu.Unlock()

	if channel != nil {
		channel.Close()
	}
	if session != nil {
		session.Close()
	}
	m.log.Debug("peer link closed", "peer", peerID)
}

// Cleanup closes every peer link, stops the membership feed and
// unsubscribes the router's bus topics.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	feed := m.feed
	ids := make([]identity.ParticipantID, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	if feed != nil {
		feed.Close()
	}
	m.router.Close()
	for _, id := range ids {
		m.ClosePeer(id)
	}
}
