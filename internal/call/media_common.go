package call

import (
	"github.com/pion/webrtc/v4"
)

// MediaOptions tunes local capture.
type MediaOptions struct {
	VideoBitRate int // VP8 target, bits per second
	VideoWidth   int
	VideoHeight  int
}

func (o MediaOptions) withDefaults() MediaOptions {
	if o.VideoBitRate <= 0 {
		o.VideoBitRate = 1_500_000
	}
	if o.VideoWidth <= 0 {
		o.VideoWidth = 640
	}
	if o.VideoHeight <= 0 {
		o.VideoHeight = 480
	}
	return o
}

// addRecvOnlyTransceivers adds recvonly transceivers for video and audio so
// CreateOffer/CreateAnswer always produce valid m-lines with ICE credentials
// even when no local media could be captured.
func addRecvOnlyTransceivers(callID string, pc *webrtc.PeerConnection) {
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Warnf("session %s: add video transceiver: %v", callID, err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Warnf("session %s: add audio transceiver: %v", callID, err)
	}
}
