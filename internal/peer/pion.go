package peer

import (
	"fmt"
	"sync"

	pion "github.com/pion/webrtc/v4"

	"github.com/peerdock/peerdock/internal/config"
	"github.com/peerdock/peerdock/internal/signal"
)

// PionEngine implements Engine over pion/webrtc.
type PionEngine struct {
	cfg *config.Config
}

func NewPionEngine(cfg *config.Config) *PionEngine {
	return &PionEngine{cfg: cfg}
}

func (e *PionEngine) NewSession(callbacks SessionCallbacks) (Session, error) {
	iceServers := []pion.ICEServer{{URLs: e.cfg.GetSTUNServers()}}

	turnServers := e.cfg.GetTURNServers()
	if turnServers != nil {
		username, password := e.cfg.GetTURNCredentials()
		iceServers = append(iceServers, pion.ICEServer{
			URLs:       turnServers,
			Username:   username,
			Credential: password,
		})
	}

	policy := pion.ICETransportPolicyAll
	if turnServers != nil && e.cfg.ForceRelay {
		policy = pion.ICETransportPolicyRelay
	}

	pc, err := pion.NewPeerConnection(pion.Configuration{
		ICEServers:         iceServers,
		ICETransportPolicy: policy,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	sess := &pionSession{pc: pc}

	pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil || callbacks.OnCandidate == nil {
			return
		}
		init := c.ToJSON()
		callbacks.OnCandidate(signal.ICEPayload{
			Candidate:     init.Candidate,
			SDPMLineIndex: init.SDPMLineIndex,
			SDPMid:        init.SDPMid,
		})
	})

	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		if callbacks.OnICEStateChange == nil {
			return
		}
		callbacks.OnICEStateChange(mapICEState(state))
	})

	return sess, nil
}

func mapICEState(state pion.ICEConnectionState) ICEState {
	switch state {
	case pion.ICEConnectionStateChecking:
		return ICEChecking
	case pion.ICEConnectionStateConnected:
		return ICEConnected
	case pion.ICEConnectionStateCompleted:
		return ICECompleted
	case pion.ICEConnectionStateDisconnected:
		return ICEDisconnected
	case pion.ICEConnectionStateFailed:
		return ICEFailed
	case pion.ICEConnectionStateClosed:
		return ICEClosed
	default:
		return ICEChecking
	}
}

type pionSession struct {
	pc *pion.PeerConnection

	mu        sync.Mutex
	remoteSet bool
	// Candidates that arrived between session creation and the remote
	// description being applied; pion rejects them until then.
	early []pion.ICECandidateInit
}

func (s *pionSession) CreateDataChannel(label string) (DataChannel, error) {
	ordered := true
	dc, err := s.pc.CreateDataChannel(label, &pion.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	return newPionChannel(dc), nil
}

func (s *pionSession) OnDataChannel(fn func(DataChannel)) {
	s.pc.OnDataChannel(func(dc *pion.DataChannel) {
		fn(newPionChannel(dc))
	})
}

func (s *pionSession) CreateOffer() (string, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return s.pc.LocalDescription().SDP, nil
}

func (s *pionSession) CreateAnswer(remoteOfferSDP string) (string, error) {
	remote := pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: remoteOfferSDP}
	if err := s.pc.SetRemoteDescription(remote); err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	if err := s.flushEarly(); err != nil {
		return "", err
	}
	return s.pc.LocalDescription().SDP, nil
}

func (s *pionSession) ApplyAnswer(remoteAnswerSDP string) error {
	remote := pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: remoteAnswerSDP}
	if err := s.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return s.flushEarly()
}

func (s *pionSession) AddCandidate(payload signal.ICEPayload) error {
	init := pion.ICECandidateInit{
		Candidate:     payload.Candidate,
		SDPMLineIndex: payload.SDPMLineIndex,
		SDPMid:        payload.SDPMid,
	}

	s.mu.Lock()
	if !s.remoteSet {
		s.early = append(s.early, init)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ICE candidate: %w", err)
	}
	return nil
}

func (s *pionSession) flushEarly() error {
	s.mu.Lock()
	s.remoteSet = true
	queued := s.early
	s.early = nil
	s.mu.Unlock()

	for _, init := range queued {
		if err := s.pc.AddICECandidate(init); err != nil {
			return fmt.Errorf("add buffered ICE candidate: %w", err)
		}
	}
	return nil
}

func (s *pionSession) Close() error {
	return s.pc.Close()
}

type pionChannel struct {
	dc *pion.DataChannel
}

func newPionChannel(dc *pion.DataChannel) *pionChannel {
	return &pionChannel{dc: dc}
}

func (c *pionChannel) Label() string {
	return c.dc.Label()
}

func (c *pionChannel) OnOpen(fn func()) {
	c.dc.OnOpen(fn)
}

func (c *pionChannel) OnClose(fn func()) {
	c.dc.OnClose(fn)
}

func (c *pionChannel) OnMessage(fn func([]byte)) {
	c.dc.OnMessage(func(msg pion.DataChannelMessage) {
		fn(msg.Data)
	})
}

func (c *pionChannel) Send(data []byte) error {
	return c.dc.Send(data)
}

func (c *pionChannel) IsOpen() bool {
	return c.dc.ReadyState() == pion.DataChannelStateOpen
}

func (c *pionChannel) Close() error {
	return c.dc.Close()
}
