package room

import (
	"context"

	"github.com/BioHazard786/warpmesh/internal/protocol"
)

type busFrame struct {
	typ     string
	payload any
}

func protocolAnnounce() busFrame {
	return busFrame{typ: protocol.TypeAnnounce, payload: struct{}{}}
}

func protocolData(from string, data []byte, forward bool) busFrame {
	return busFrame{typ: protocol.TypeBCData, payload: protocol.BCDataPayload{From: from, Data: data, Forward: forward}}
}

func (r *Room) postBCPeer(add bool) {
	r.postBus(busFrame{typ: protocol.TypeBCPeer, payload: protocol.BCPeerPayload{Add: add, PeerID: r.peerID}})
}

// postBus seals and posts a frame to sibling contexts.
func (r *Room) postBus(f busFrame) error {
	raw, err := protocol.Encode(f.typ, f.payload)
	if err != nil {
		return err
	}
	if r.key != nil {
		if raw, err = r.key.Seal(raw); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), busPostTimeout)
	defer cancel()
	if err := r.sub.Post(ctx, raw); err != nil {
		r.logger.Debug("bus post failed", "type", f.typ, "error", err)
		return err
	}
	return nil
}

func (r *Room) handleBus(raw []byte) {
	if r.key != nil {
		plain, err := r.key.Open(raw)
		if err != nil {
			r.logger.Debug("dropping bus frame", "error", err)
			return
		}
		raw = plain
	}
	msg, err := protocol.Decode(raw)
	if err != nil {
		r.logger.Debug("dropping bus frame", "error", err)
		return
	}
	if r.Destroyed() {
		return
	}

	switch msg.Type {
	case protocol.TypeBCPeer:
		var p protocol.BCPeerPayload
		if err := msg.DecodePayload(&p); err != nil || p.PeerID == "" {
			return
		}
		r.handleBCPeer(p)
	case protocol.TypeBCData:
		var p protocol.BCDataPayload
		if err := msg.DecodePayload(&p); err != nil {
			return
		}
		r.observer.MessageReceived(MessageEvent{PeerID: p.From, Data: p.Data})
		if p.Forward && r.IsLeader() {
			if err := r.fanOut(p.Data); err != nil {
				r.logger.Debug("forwarding sibling data failed", "from", p.From, "error", err)
			}
		}
	case protocol.TypeAnnounce:
		if r.IsLeader() {
			r.Announce()
		}
	}
}

func (r *Room) handleBCPeer(p protocol.BCPeerPayload) {
	r.mu.Lock()
	_, known := r.bcPeers[p.PeerID]
	if known == p.Add {
		r.mu.Unlock()
		return
	}
	var ev PeersEvent
	if p.Add {
		r.bcPeers[p.PeerID] = struct{}{}
		ev = r.peersEventLocked([]string{p.PeerID}, nil)
	} else {
		delete(r.bcPeers, p.PeerID)
		ev = r.peersEventLocked(nil, []string{p.PeerID})
	}
	r.mu.Unlock()

	r.observer.PeersChanged(ev)
	if p.Add {
		// Let the newcomer learn about us.
		r.postBCPeer(true)
	}
}
