package peer

import (
	"errors"
	"log/slog"
	"sync"

	pion "github.com/pion/webrtc/v4"

	"github.com/BioHazard786/warpmesh/internal/config"
	"github.com/BioHazard786/warpmesh/internal/signaling"
	"github.com/BioHazard786/warpmesh/internal/utils"
)

// DataChannelLabel is the label of the data channel opened by initiators.
const DataChannelLabel = "warpmesh"

// PionOptions configures transports built on pion.
type PionOptions struct {
	Config *config.Config

	// IncludeLoopback gathers loopback candidates, for peers on one host.
	IncludeLoopback bool

	Logger *slog.Logger
}

// NewPionFactory returns a TransportFactory backed by pion/webrtc.
func NewPionFactory(opts PionOptions) TransportFactory {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	settingEngine := pion.SettingEngine{}
	if opts.IncludeLoopback {
		settingEngine.SetIncludeLoopbackCandidate(true)
	}
	api := pion.NewAPI(pion.WithSettingEngine(settingEngine))
	pcConfig := pionConfiguration(opts.Config)

	return func(initiator bool, events TransportEvents) (Transport, error) {
		return newPionTransport(api, pcConfig, initiator, events, opts.Logger)
	}
}

// pionConfiguration builds ICE servers and the relay policy from cfg.
func pionConfiguration(cfg *config.Config) pion.Configuration {
	if cfg == nil {
		return pion.Configuration{}
	}

	var iceServers []pion.ICEServer
	if stun := cfg.GetSTUNServers(); stun != nil {
		iceServers = append(iceServers, pion.ICEServer{URLs: stun})
	}

	turnServers := cfg.GetTURNServers()
	if turnServers != nil {
		username, password := cfg.GetTURNCredentials()
		iceServers = append(iceServers, pion.ICEServer{
			URLs:       turnServers,
			Username:   username,
			Credential: password,
		})
	}

	policy := pion.ICETransportPolicyAll
	if turnServers != nil && (cfg.ForceRelay || utils.ShouldForceRelay()) {
		policy = pion.ICETransportPolicyRelay
	}

	return pion.Configuration{
		ICEServers:         iceServers,
		ICETransportPolicy: policy,
	}
}

// PionTransport is a Transport over a pion PeerConnection with a single
// ordered data channel and trickle ICE.
type PionTransport struct {
	pc        *pion.PeerConnection
	initiator bool
	events    TransportEvents
	logger    *slog.Logger

	mu        sync.Mutex
	dc        *pion.DataChannel
	remoteSet bool
	pending   []pion.ICECandidateInit

	connectOnce sync.Once
	closeOnce   sync.Once
}

func newPionTransport(api *pion.API, pcConfig pion.Configuration, initiator bool, events TransportEvents, logger *slog.Logger) (*PionTransport, error) {
	pc, err := api.NewPeerConnection(pcConfig)
	if err != nil {
		return nil, err
	}

	t := &PionTransport{
		pc:        pc,
		initiator: initiator,
		events:    events,
		logger:    logger,
	}

	pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		t.emitSignal(&signaling.SignalPayload{Type: signaling.SignalTypeCandidate, Candidate: &init})
	})

	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		switch state {
		case pion.PeerConnectionStateFailed, pion.PeerConnectionStateClosed:
			t.fireClose()
		}
	})

	if !initiator {
		pc.OnDataChannel(func(dc *pion.DataChannel) {
			if dc.Label() != DataChannelLabel {
				return
			}
			t.attach(dc)
		})
	}

	return t, nil
}

// Start creates the data channel and offer on the initiating side.
func (t *PionTransport) Start() error {
	if !t.initiator {
		return nil
	}

	ordered := true
	dc, err := t.pc.CreateDataChannel(DataChannelLabel, &pion.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return err
	}
	t.attach(dc)

	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return err
	}

	local := t.pc.LocalDescription()
	t.emitSignal(&signaling.SignalPayload{Type: signaling.SignalTypeOffer, SDP: local.SDP})
	return nil
}

func (t *PionTransport) attach(dc *pion.DataChannel) {
	t.mu.Lock()
	t.dc = dc
	t.mu.Unlock()

	dc.OnOpen(func() {
		t.connectOnce.Do(func() {
			if t.events.OnConnect != nil {
				t.events.OnConnect()
			}
		})
	})
	dc.OnMessage(func(msg pion.DataChannelMessage) {
		if t.events.OnData != nil {
			t.events.OnData(msg.Data)
		}
	})
	dc.OnClose(t.fireClose)
}

// Signal applies a remote offer, answer or candidate.
func (t *PionTransport) Signal(sig *signaling.SignalPayload) error {
	switch sig.Type {
	case signaling.SignalTypeOffer:
		if err := t.pc.SetRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: sig.SDP}); err != nil {
			return err
		}
		t.flushPending()

		answer, err := t.pc.CreateAnswer(nil)
		if err != nil {
			return err
		}
		if err := t.pc.SetLocalDescription(answer); err != nil {
			return err
		}
		t.emitSignal(&signaling.SignalPayload{Type: signaling.SignalTypeAnswer, SDP: t.pc.LocalDescription().SDP})
		return nil

	case signaling.SignalTypeAnswer:
		if err := t.pc.SetRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: sig.SDP}); err != nil {
			return err
		}
		t.flushPending()
		return nil

	case signaling.SignalTypeCandidate:
		if sig.Candidate == nil {
			return nil
		}
		t.mu.Lock()
		if !t.remoteSet {
			t.pending = append(t.pending, *sig.Candidate)
			t.mu.Unlock()
			return nil
		}
		t.mu.Unlock()
		return t.pc.AddICECandidate(*sig.Candidate)

	case signaling.SignalTypeRenegotiate, signaling.SignalTypeTransceiverRequest:
		// Media renegotiation is not used on data-only sessions.
		return nil

	default:
		return ErrUnexpectedSignal
	}
}

func (t *PionTransport) flushPending() {
	t.mu.Lock()
	t.remoteSet = true
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	for _, c := range pending {
		if err := t.pc.AddICECandidate(c); err != nil {
			t.logger.Debug("adding buffered candidate failed", "error", err)
		}
	}
}

// Send writes data on the open data channel.
func (t *PionTransport) Send(data []byte) error {
	t.mu.Lock()
	dc := t.dc
	t.mu.Unlock()

	if dc == nil || dc.ReadyState() != pion.DataChannelStateOpen {
		return ErrNotConnected
	}
	return dc.Send(data)
}

// Close closes the peer connection and reports close once.
func (t *PionTransport) Close() error {
	err := t.pc.Close()
	t.fireClose()
	if errors.Is(err, pion.ErrConnectionClosed) {
		return nil
	}
	return err
}

func (t *PionTransport) emitSignal(sig *signaling.SignalPayload) {
	if t.events.OnSignal != nil {
		t.events.OnSignal(sig)
	}
}

func (t *PionTransport) fireClose() {
	t.closeOnce.Do(func() {
		if t.events.OnClose != nil {
			t.events.OnClose()
		}
	})
}
