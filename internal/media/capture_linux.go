//go:build linux

package media

import (
	"log"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// initPeerConnection builds a VP8+Opus peer connection and captures local
// camera/mic via pion/mediadevices (V4L2 + malgo). Returns the PC and a
// cleanup func for the capture tracks. Capture failures surface as
// *AccessError so the provider can decide on the relaxed retry.
func initPeerConnection(sessionID string, iceServers []string, cs Constraints) (*webrtc.PeerConnection, func(), error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	// Generous ICE timeouts: the default 5 s disconnectedTimeout terminates a
	// call on a brief NAT hiccup that ICE would otherwise recover from.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(iceConfig(iceServers))
	if err != nil {
		return nil, nil, err
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
	if cs.Video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Raw formats only: MJPEG nodes on some cameras produce malformed
			// frames that poison the VP8 encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			if cs.MaxWidth > 0 {
				c.Width = prop.IntRanged{Max: cs.MaxWidth}
			}
			if cs.MaxHeight > 0 {
				c.Height = prop.IntRanged{Max: cs.MaxHeight}
			}
		}
	}
	if cs.Audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		pc.Close()
		return nil, nil, classifyAccess(err)
	}

	tracks := stream.GetTracks()
	for _, track := range tracks {
		track.OnEnded(func(err error) {
			if err != nil {
				log.Printf("MEDIA [%s]: local track ended: %v", sessionID, err)
			}
		})
		if _, err := pc.AddTrack(track); err != nil {
			log.Printf("MEDIA [%s]: AddTrack error: %v", sessionID, err)
		}
	}

	log.Printf("MEDIA [%s]: local media captured, %d tracks", sessionID, len(tracks))
	closeFn := func() {
		for _, t := range tracks {
			t.Close()
		}
	}
	return pc, closeFn, nil
}
