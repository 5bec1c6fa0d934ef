package call

import (
	"errors"
	"io"
	"strings"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"
)

const (
	videoClockRate = 90000
	audioClockRate = 48000

	// Enough reorder slack for typical jitter without adding visible latency.
	videoMaxLate = 64
	audioMaxLate = 16

	pliInterval = 2 * time.Second
)

// forwardRemoteTrack depacketizes one remote track and feeds whole frames to
// the media fanout. One goroutine per track; returns when the track ends.
func (p *PeerSession) forwardRemoteTrack(callID string, track *webrtc.TrackRemote) {
	codec := track.Codec()
	log.Debugw("remote track", "call", callID, "kind", track.Kind().String(), "codec", codec.MimeType)

	switch {
	case strings.EqualFold(codec.MimeType, webrtc.MimeTypeVP8):
		p.forwardVideo(callID, track)
	case strings.EqualFold(codec.MimeType, webrtc.MimeTypeOpus):
		p.media.enableAudio()
		p.forwardAudio(callID, track)
	default:
		log.Warnw("ignoring remote track with unsupported codec", "call", callID, "codec", codec.MimeType)
	}
}

func (p *PeerSession) forwardVideo(callID string, track *webrtc.TrackRemote) {
	// Periodic PLI keeps keyframes coming, so joining viewers and loss
	// recovery never wait on the sender's own keyframe interval.
	stopPLI := make(chan struct{})
	defer close(stopPLI)
	go func() {
		ticker := time.NewTicker(pliInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopPLI:
				return
			case <-ticker.C:
				pli := &rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}
				if err := p.pc.WriteRTCP([]rtcp.Packet{pli}); err != nil {
					return
				}
			}
		}
	}()

	sb := samplebuilder.New(videoMaxLate, &codecs.VP8Packet{}, videoClockRate)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debugw("video track read ended", "call", callID, "err", err)
			}
			return
		}
		sb.Push(pkt)
		for sample := sb.Pop(); sample != nil; sample = sb.Pop() {
			if len(sample.Data) == 0 {
				continue
			}
			// VP8 payload header: frame_type is the low bit of the
			// first byte, 0 for keyframes.
			keyframe := sample.Data[0]&0x01 == 0
			ms := int64(sample.PacketTimestamp) * 1000 / videoClockRate
			p.media.pushVideo(ms, keyframe, sample.Data)
		}
	}
}

func (p *PeerSession) forwardAudio(callID string, track *webrtc.TrackRemote) {
	sb := samplebuilder.New(audioMaxLate, &codecs.OpusPacket{}, audioClockRate)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debugw("audio track read ended", "call", callID, "err", err)
			}
			return
		}
		sb.Push(pkt)
		for sample := sb.Pop(); sample != nil; sample = sb.Pop() {
			if len(sample.Data) == 0 {
				continue
			}
			ms := int64(sample.PacketTimestamp) * 1000 / audioClockRate
			p.media.pushAudio(ms, sample.Data)
		}
	}
}
