package peer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/peerdock/peerdock/internal/signal"
)

// fakeEngine scripts negotiation sessions without any real transport.
type fakeEngine struct {
	mu       sync.Mutex
	failNew  bool
	sessions []*fakeSession
}

func (e *fakeEngine) NewSession(cb SessionCallbacks) (Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failNew {
		return nil, errors.New("engine down")
	}
	s := &fakeSession{cb: cb}
	e.sessions = append(e.sessions, s)
	return s, nil
}

func (e *fakeEngine) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

func (e *fakeEngine) session(i int) *fakeSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i >= len(e.sessions) {
		return nil
	}
	return e.sessions[i]
}

type fakeSession struct {
	cb fakeCallbacks

	mu          sync.Mutex
	offers      int
	remoteOffer string
	answers     []string
	candidates  []signal.ICEPayload
	channel     *fakeChannel
	onChannel   func(DataChannel)
	closed      bool
}

// fakeCallbacks aliases the manager callbacks so test drivers can fire
// them directly.
type fakeCallbacks = SessionCallbacks

func (s *fakeSession) CreateDataChannel(label string) (DataChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channel = &fakeChannel{label: label}
	return s.channel, nil
}

func (s *fakeSession) OnDataChannel(fn func(DataChannel)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChannel = fn
}

func (s *fakeSession) CreateOffer() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers++
	return fmt.Sprintf("offer-sdp-%d", s.offers), nil
}

func (s *fakeSession) CreateAnswer(remoteOfferSDP string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteOffer = remoteOfferSDP
	return "answer-sdp", nil
}

func (s *fakeSession) ApplyAnswer(remoteAnswerSDP string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers = append(s.answers, remoteAnswerSDP)
	return nil
}

func (s *fakeSession) AddCandidate(payload signal.ICEPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = append(s.candidates, payload)
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) offerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offers
}

func (s *fakeSession) appliedAnswers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.answers...)
}

func (s *fakeSession) remoteOfferSDP() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteOffer
}

func (s *fakeSession) dataChannel() *fakeChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

func (s *fakeSession) appliedCandidates() []signal.ICEPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]signal.ICEPayload(nil), s.candidates...)
}

func (s *fakeSession) fireICE(state ICEState) {
	s.cb.OnICEStateChange(state)
}

func (s *fakeSession) fireRemoteChannel(ch *fakeChannel) {
	s.mu.Lock()
	fn := s.onChannel
	s.mu.Unlock()
	if fn != nil {
		fn(ch)
	}
}

type fakeChannel struct {
	label string

	mu        sync.Mutex
	open      bool
	sent      [][]byte
	sendErr   error
	onOpen    func()
	onClose   func()
	onMessage func([]byte)
}

func (c *fakeChannel) Label() string { return c.label }

func (c *fakeChannel) OnOpen(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOpen = fn
}

func (c *fakeChannel) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}

func (c *fakeChannel) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

func (c *fakeChannel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *fakeChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	return nil
}

func (c *fakeChannel) sentMessages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

func (c *fakeChannel) fireOpen() {
	c.mu.Lock()
	c.open = true
	fn := c.onOpen
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *fakeChannel) fireMessage(data []byte) {
	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}
