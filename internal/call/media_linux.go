//go:build linux

package call

import (
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

// buildPeerConnection creates the peer connection with VP8+Opus codecs and
// captures local camera/microphone via pion/mediadevices (V4L2 + malgo).
// Capture degrades gracefully: video+audio, then video-only, then
// audio-only, then receive-only, so a missing or busy device never prevents
// the call from being established.
func buildPeerConnection(callID string, iceServers []webrtc.ICEServer, opts MediaOptions) (*webrtc.PeerConnection, func(), error) {
	opts = opts.withDefaults()

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}
	vpxParams.BitRate = opts.VideoBitRate

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

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, nil, err
	}

	// Generous ICE timeouts: the default 5 s disconnectedTimeout ends calls
	// during brief relay/NAT hiccups that ICE would otherwise recover from.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, nil, err
	}

	if devices := mediadevices.EnumerateDevices(); len(devices) == 0 {
		log.Warnf("session %s: no media devices found", callID)
	} else {
		for _, d := range devices {
			log.Debugf("session %s: media device kind=%v label=%q", callID, d.Kind, d.Label)
		}
	}

	// GetUserMedia fails as a unit if either requested track cannot be
	// opened, so try progressively smaller constraint sets.
	type attempt struct {
		video bool
		audio bool
		label string
	}
	for _, a := range []attempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	} {
		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only — some cameras expose an MJPEG node that
				// produces malformed frames and poisons the VP8 encoder.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: opts.VideoWidth}
				c.Height = prop.IntRanged{Max: opts.VideoHeight}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warnf("session %s: GetUserMedia (%s): %v", callID, a.label, err)
			continue
		}

		tracks := stream.GetTracks()
		ok := true
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Warnf("session %s: local track ended: %v", callID, err)
				}
			})
			if _, err := pc.AddTrack(track); err != nil {
				log.Errorf("session %s: add local track: %v", callID, err)
				ok = false
			}
		}
		if !ok {
			for _, t := range tracks {
				t.Close()
			}
			continue
		}

		log.Infof("session %s: local media captured (%s), %d tracks", callID, a.label, len(tracks))
		closeFn := func() {
			for _, t := range tracks {
				t.Close()
			}
		}
		return pc, closeFn, nil
	}

	// No capture succeeded — receive-only keeps the call usable.
	log.Warnf("session %s: all media capture attempts failed, proceeding receive-only", callID)
	addRecvOnlyTransceivers(callID, pc)
	return pc, nil, nil
}
