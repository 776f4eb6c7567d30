package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/medcall/internal/signal"
)

// pliInterval is how often a keyframe refresh is requested for each remote
// video track. Without PLIs a late joiner can stare at grey video until the
// sender happens to emit a keyframe on its own.
const pliInterval = 3 * time.Second

// PionProvider builds native WebRTC peer connections with local capture.
// Capture is platform-specific: V4L2/malgo via pion/mediadevices on Linux,
// receive-only transceivers elsewhere (see initPeerConnection build variants).
type PionProvider struct {
	ICEServers []string
}

// NewPion creates a provider using the given STUN/TURN URLs.
func NewPion(iceServers []string) *PionProvider {
	if len(iceServers) == 0 {
		iceServers = []string{"stun:stun.l.google.com:19302"}
	}
	return &PionProvider{ICEServers: iceServers}
}

// NewConn acquires local media and builds the peer connection, walking a
// fallback ladder before surfacing the error: relaxed resolution caps on
// unsupported constraints, then audio-only when the camera is missing or held
// by another application. Permission denials are never retried.
func (p *PionProvider) NewConn(sessionID string, cs Constraints) (Conn, error) {
	pc, closeMedia, err := initPeerConnection(sessionID, p.ICEServers, cs)
	if err == nil {
		return newConn(sessionID, pc, closeMedia), nil
	}

	var ae *AccessError
	if !errors.As(err, &ae) || ae.Kind == AccessPermissionDenied {
		return nil, err
	}

	if ae.Kind == AccessConstraintsUnsupported && (cs.MaxWidth > 0 || cs.MaxHeight > 0) {
		log.Printf("MEDIA [%s]: constraints unsupported, retrying relaxed: %v", sessionID, err)
		pc, closeMedia, err = initPeerConnection(sessionID, p.ICEServers, cs.Relaxed())
		if err == nil {
			return newConn(sessionID, pc, closeMedia), nil
		}
		if !errors.As(err, &ae) || ae.Kind == AccessPermissionDenied {
			return nil, err
		}
	}

	if cs.Video && cs.Audio &&
		(ae.Kind == AccessDeviceNotFound || ae.Kind == AccessDeviceBusy) {
		log.Printf("MEDIA [%s]: camera unavailable (%s), falling back to audio-only", sessionID, ae.Kind)
		pc, closeMedia, err = initPeerConnection(sessionID, p.ICEServers, Constraints{Audio: true})
		if err == nil {
			return newConn(sessionID, pc, closeMedia), nil
		}
	}
	return nil, err
}

// conn wraps a Pion PeerConnection plus the local capture cleanup.
type conn struct {
	sessionID  string
	pc         *webrtc.PeerConnection
	closeMedia func()
	done       chan struct{}
	closeOnce  sync.Once

	mu          sync.Mutex
	onCandidate func(signal.Candidate)
	onTrack     func(TrackInfo)
	onState     func(ConnState)
}

func newConn(sessionID string, pc *webrtc.PeerConnection, closeMedia func()) *conn {
	c := &conn{
		sessionID:  sessionID,
		pc:         pc,
		closeMedia: closeMedia,
		done:       make(chan struct{}),
	}

	pc.OnICECandidate(func(ic *webrtc.ICECandidate) {
		if ic == nil {
			return // end of gathering
		}
		init := ic.ToJSON()
		cand := signal.Candidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			cand.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			cand.SDPMLineIndex = *init.SDPMLineIndex
		}
		c.mu.Lock()
		fn := c.onCandidate
		c.mu.Unlock()
		if fn != nil {
			fn(cand)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Printf("MEDIA [%s]: remote %s track %s", sessionID, track.Kind(), track.ID())
		go c.pumpTrack(track)
		c.mu.Lock()
		fn := c.onTrack
		c.mu.Unlock()
		if fn != nil {
			fn(TrackInfo{ID: track.ID(), Kind: track.Kind().String()})
		}
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Printf("MEDIA [%s]: connection state %s", sessionID, st)
		c.mu.Lock()
		fn := c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(mapConnState(st))
		}
	})

	return c
}

func (c *conn) CreateOffer(ctx context.Context) (signal.SDP, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return signal.SDP{}, fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return signal.SDP{}, fmt.Errorf("set local description: %w", err)
	}
	return signal.SDP{Type: offer.Type.String(), Body: offer.SDP}, nil
}

func (c *conn) CreateAnswer(ctx context.Context) (signal.SDP, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return signal.SDP{}, fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return signal.SDP{}, fmt.Errorf("set local description: %w", err)
	}
	return signal.SDP{Type: answer.Type.String(), Body: answer.SDP}, nil
}

func (c *conn) SetRemoteDescription(sdp signal.SDP) error {
	desc := webrtc.SessionDescription{
		Type: webrtc.NewSDPType(sdp.Type),
		SDP:  sdp.Body,
	}
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (c *conn) AddCandidate(cand signal.Candidate) error {
	mid := cand.SDPMid
	idx := cand.SDPMLineIndex
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	})
}

func (c *conn) OnCandidate(fn func(signal.Candidate)) {
	c.mu.Lock()
	c.onCandidate = fn
	c.mu.Unlock()
}

func (c *conn) OnTrack(fn func(TrackInfo)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *conn) OnConnectionState(fn func(ConnState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// Close releases local capture and the peer connection. Idempotent.
func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.closeMedia != nil {
			c.closeMedia()
		}
		err = c.pc.Close()
		log.Printf("MEDIA [%s]: closed", c.sessionID)
	})
	return err
}

// pumpTrack drains inbound RTP so the jitter buffer never backs up, and
// requests periodic keyframes for video.
func (c *conn) pumpTrack(track *webrtc.TrackRemote) {
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go func() {
			ticker := time.NewTicker(pliInterval)
			defer ticker.Stop()
			for {
				select {
				case <-c.done:
					return
				case <-ticker.C:
					_ = c.pc.WriteRTCP([]rtcp.Packet{
						&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
					})
				}
			}
		}()
	}

	buf := make([]byte, 1500)
	pkt := &rtp.Packet{}
	var packets uint64
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			if err != io.EOF {
				log.Printf("MEDIA [%s]: %s track read ended: %v", c.sessionID, track.Kind(), err)
			}
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		packets++
		if packets == 1 {
			log.Printf("MEDIA [%s]: first %s packet (ssrc=%d pt=%d)",
				c.sessionID, track.Kind(), pkt.SSRC, pkt.PayloadType)
		}
	}
}

func mapConnState(st webrtc.PeerConnectionState) ConnState {
	switch st {
	case webrtc.PeerConnectionStateNew:
		return ConnNew
	case webrtc.PeerConnectionStateConnecting:
		return ConnConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnFailed
	default:
		return ConnClosed
	}
}

func iceConfig(urls []string) webrtc.Configuration {
	servers := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	return webrtc.Configuration{ICEServers: servers}
}
