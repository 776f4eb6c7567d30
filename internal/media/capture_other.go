//go:build !linux

package media

import (
	"log"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// initPeerConnection creates a receive-only peer connection on non-Linux
// platforms. Camera/mic capture via pion/mediadevices needs platform drivers
// (V4L2/malgo) that only ship for Linux here.
func initPeerConnection(sessionID string, iceServers []string, _ Constraints) (*webrtc.PeerConnection, func(), error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	pc, err := api.NewPeerConnection(iceConfig(iceServers))
	if err != nil {
		return nil, nil, err
	}

	// Recvonly transceivers so SDP has valid m-lines with ICE credentials.
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("MEDIA [%s]: AddTransceiver(video) error: %v", sessionID, err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("MEDIA [%s]: AddTransceiver(audio) error: %v", sessionID, err)
	}

	log.Printf("MEDIA [%s]: peer connection ready (receive-only on this platform)", sessionID)
	return pc, nil, nil
}
