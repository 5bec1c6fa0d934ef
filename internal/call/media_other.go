//go:build !linux

package call

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// buildPeerConnection creates a receive-only peer connection on non-Linux
// platforms. Camera/microphone capture via pion/mediadevices needs
// platform drivers that are only wired up for Linux (V4L2, malgo).
func buildPeerConnection(callID string, iceServers []webrtc.ICEServer, _ MediaOptions) (*webrtc.PeerConnection, func(), error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, nil, err
	}

	addRecvOnlyTransceivers(callID, pc)
	log.Infof("session %s: peer connection ready (receive-only on this platform)", callID)
	return pc, nil, nil
}
