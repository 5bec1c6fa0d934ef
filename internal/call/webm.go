package call

// Live WebM remux of the remote VP8/Opus tracks. The browser cannot attach a
// Go-side PeerConnection to a <video> element, so remote media is re-wrapped
// as a WebM byte stream and delivered over WebSocket to Media Source
// Extensions. The first message is the init segment (EBML header + Info +
// Tracks); every following message is one self-contained Cluster.

import (
	"bytes"
	"encoding/binary"
	"math"
	"sync"
)

// ─── EBML encoding ───────────────────────────────────────────────────────────

// ebmlVint encodes v as an EBML variable-length integer for element sizes.
func ebmlVint(v uint64) []byte {
	switch {
	case v < 0x7F:
		return []byte{byte(0x80 | v)}
	case v < 0x3FFF:
		return []byte{byte(0x40 | (v >> 8)), byte(v)}
	case v < 0x1FFFFF:
		return []byte{byte(0x20 | (v >> 16)), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(0x10 | (v >> 24)), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

// ebmlUnkSize is the unknown-size marker used for the streaming Segment.
var ebmlUnkSize = []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

func ebmlElem(id, data []byte) []byte {
	b := make([]byte, 0, len(id)+8+len(data))
	b = append(b, id...)
	b = append(b, ebmlVint(uint64(len(data)))...)
	return append(b, data...)
}

func ebmlUint(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	n := 0
	for x := v; x > 0; x >>= 8 {
		n++
	}
	b := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func ebmlConcat(slices ...[]byte) []byte {
	n := 0
	for _, s := range slices {
		n += len(s)
	}
	b := make([]byte, 0, n)
	for _, s := range slices {
		b = append(b, s...)
	}
	return b
}

var (
	idEBML         = []byte{0x1A, 0x45, 0xDF, 0xA3}
	idEBMLVersion  = []byte{0x42, 0x86}
	idEBMLReadVer  = []byte{0x42, 0xF7}
	idEBMLMaxIDLen = []byte{0x42, 0xF2}
	idEBMLMaxSzLen = []byte{0x42, 0xF3}
	idDocType      = []byte{0x42, 0x82}
	idDocTypeVer   = []byte{0x42, 0x87}
	idDocTypeRdVer = []byte{0x42, 0x85}
	idSegment      = []byte{0x18, 0x53, 0x80, 0x67}
	idInfo         = []byte{0x15, 0x49, 0xA9, 0x66}
	idTcScale      = []byte{0x2A, 0xD7, 0xB1}
	idMuxApp       = []byte{0x4D, 0x80}
	idWrtApp       = []byte{0x57, 0x41}
	idTracks       = []byte{0x16, 0x54, 0xAE, 0x6B}
	idTrackEntry   = []byte{0xAE}
	idTrackNum     = []byte{0xD7}
	idTrackUID     = []byte{0x73, 0xC5}
	idTrackType    = []byte{0x83}
	idCodecID      = []byte{0x86}
	idCodecPrv     = []byte{0x63, 0xA2}
	idVideo        = []byte{0xE0}
	idPixelW       = []byte{0xB0}
	idPixelH       = []byte{0xBA}
	idAudio        = []byte{0xE1}
	idSampFreq     = []byte{0xB5}
	idChannels     = []byte{0x9F}
	idCluster      = []byte{0x1F, 0x43, 0xB6, 0x75}
	idTimecode     = []byte{0xE7}
	idSimpleBlock  = []byte{0xA3}
)

// opusHead is the OpusHead codec private data WebM requires for Opus tracks
// (mono, 48 kHz).
var opusHead = []byte{
	'O', 'p', 'u', 's', 'H', 'e', 'a', 'd',
	0x01,
	0x01,
	0x38, 0x01,
	0x80, 0xBB, 0x00, 0x00,
	0x00, 0x00,
	0x00,
}

const (
	trackVideo = 1
	trackAudio = 2
)

func webmInitSegment(videoW, videoH uint16, withAudio bool) []byte {
	var buf bytes.Buffer

	buf.Write(ebmlElem(idEBML, ebmlConcat(
		ebmlElem(idEBMLVersion, ebmlUint(1)),
		ebmlElem(idEBMLReadVer, ebmlUint(1)),
		ebmlElem(idEBMLMaxIDLen, ebmlUint(4)),
		ebmlElem(idEBMLMaxSzLen, ebmlUint(8)),
		ebmlElem(idDocType, []byte("webm")),
		ebmlElem(idDocTypeVer, ebmlUint(2)),
		ebmlElem(idDocTypeRdVer, ebmlUint(2)),
	)))

	buf.Write(idSegment)
	buf.Write(ebmlUnkSize)

	buf.Write(ebmlElem(idInfo, ebmlConcat(
		ebmlElem(idTcScale, ebmlUint(1000000)), // 1 ms per timecode unit
		ebmlElem(idMuxApp, []byte("ringlet")),
		ebmlElem(idWrtApp, []byte("ringlet")),
	)))

	videoEntry := ebmlConcat(
		ebmlElem(idTrackNum, ebmlUint(trackVideo)),
		ebmlElem(idTrackUID, ebmlUint(trackVideo)),
		ebmlElem(idTrackType, ebmlUint(1)),
		ebmlElem(idCodecID, []byte("V_VP8")),
		ebmlElem(idVideo, ebmlConcat(
			ebmlElem(idPixelW, ebmlUint(uint64(videoW))),
			ebmlElem(idPixelH, ebmlUint(uint64(videoH))),
		)),
	)
	tracksBody := ebmlElem(idTrackEntry, videoEntry)

	if withAudio {
		freq := make([]byte, 4)
		binary.BigEndian.PutUint32(freq, math.Float32bits(48000.0))
		audioEntry := ebmlConcat(
			ebmlElem(idTrackNum, ebmlUint(trackAudio)),
			ebmlElem(idTrackUID, ebmlUint(trackAudio)),
			ebmlElem(idTrackType, ebmlUint(2)),
			ebmlElem(idCodecID, []byte("A_OPUS")),
			ebmlElem(idCodecPrv, opusHead),
			ebmlElem(idAudio, ebmlConcat(
				ebmlElem(idSampFreq, freq),
				ebmlElem(idChannels, ebmlUint(1)),
			)),
		)
		tracksBody = ebmlConcat(tracksBody, ebmlElem(idTrackEntry, audioEntry))
	}
	buf.Write(ebmlElem(idTracks, tracksBody))
	return buf.Bytes()
}

func webmCluster(clusterMs int64, blocks []byte) []byte {
	return ebmlElem(idCluster, ebmlConcat(ebmlElem(idTimecode, ebmlUint(uint64(clusterMs))), blocks))
}

func webmSimpleBlock(trackNum int, relMs int16, keyframe bool, data []byte) []byte {
	trackVint := ebmlVint(uint64(trackNum))
	var flags byte
	if keyframe {
		flags = 0x80
	}
	content := make([]byte, len(trackVint)+2+1+len(data))
	copy(content, trackVint)
	binary.BigEndian.PutUint16(content[len(trackVint):], uint16(relMs))
	content[len(trackVint)+2] = flags
	copy(content[len(trackVint)+3:], data)
	return ebmlElem(idSimpleBlock, content)
}

// ─── mediaFanout ─────────────────────────────────────────────────────────────

// mediaFanout muxes remote frames into the live WebM stream and broadcasts
// it to subscribers. Frame handlers are called from the per-track forwarding
// goroutines; WebSocket handlers subscribe.
type mediaFanout struct {
	mu sync.Mutex

	hasAudio    bool
	audioInInit bool // the emitted init segment declares the Opus track
	dimKnown    bool
	videoWidth  uint16
	videoHeight uint16

	initSeg        []byte // nil until the first keyframe with known dimensions
	lastKeyCluster []byte // replayed so late subscribers start from a clean decode state

	clusterOpen    bool
	clusterIsKey   bool
	clusterStartMs int64
	clusterBlocks  bytes.Buffer

	// Audio queued between video frames and drained into the next cluster,
	// so every cluster the browser sees carries both tracks.
	audioQ []audioFrame

	// First frame of each track becomes t=0: VP8 and Opus RTP clocks start
	// at independent random offsets, and un-normalized timecodes make MSE
	// silently discard everything.
	baseVideoMs, baseAudioMs   int64
	baseVideoSet, baseAudioSet bool

	subs   map[chan []byte]struct{}
	closed bool
}

type audioFrame struct {
	timecodeMs int64
	data       []byte
}

func newMediaFanout() *mediaFanout {
	return &mediaFanout{subs: make(map[chan []byte]struct{})}
}

func (f *mediaFanout) enableAudio() {
	f.mu.Lock()
	f.hasAudio = true
	f.mu.Unlock()
}

// subscribe returns a channel of WebM binary messages and a cancel func. The
// cached init segment and last keyframe cluster are replayed first.
func (f *mediaFanout) subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 32)
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	if f.initSeg != nil {
		ch <- f.initSeg
		if f.lastKeyCluster != nil {
			ch <- f.lastKeyCluster
		}
	}
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	return ch, func() {
		f.mu.Lock()
		if _, ok := f.subs[ch]; ok {
			delete(f.subs, ch)
			close(ch)
		}
		f.mu.Unlock()
	}
}

func (f *mediaFanout) close() {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		for ch := range f.subs {
			close(ch)
		}
		f.subs = make(map[chan []byte]struct{})
	}
	f.mu.Unlock()
}

func (f *mediaFanout) pushVideo(timecodeMs int64, keyframe bool, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}

	if !f.baseVideoSet {
		f.baseVideoMs = timecodeMs
		f.baseVideoSet = true
	}
	tsMs := timecodeMs - f.baseVideoMs

	// Dimensions come from the first VP8 keyframe header.
	if !f.dimKnown && keyframe && len(data) >= 10 {
		if data[3] == 0x9D && data[4] == 0x01 && data[5] == 0x2A {
			f.videoWidth = binary.LittleEndian.Uint16(data[6:8]) & 0x3FFF
			f.videoHeight = binary.LittleEndian.Uint16(data[8:10]) & 0x3FFF
		} else {
			f.videoWidth = 640
			f.videoHeight = 480
		}
		f.dimKnown = true
	}

	if f.initSeg == nil {
		if !f.dimKnown || !keyframe {
			return // MSE cannot start mid-GOP; wait for a keyframe
		}
		f.audioInInit = f.hasAudio
		f.initSeg = webmInitSegment(f.videoWidth, f.videoHeight, f.audioInInit)
		f.broadcastLocked(f.initSeg)
	}

	if keyframe && f.clusterOpen {
		f.flushClusterLocked()
	}

	if !f.clusterOpen {
		f.clusterStartMs = tsMs
		if len(f.audioQ) > 0 && f.audioQ[0].timecodeMs < tsMs {
			f.clusterStartMs = f.audioQ[0].timecodeMs
		}
		f.clusterOpen = true
		f.clusterIsKey = keyframe
		f.clusterBlocks.Reset()

		for _, af := range f.audioQ {
			rel := af.timecodeMs - f.clusterStartMs
			if rel < -30000 || rel > 30000 {
				continue
			}
			f.clusterBlocks.Write(webmSimpleBlock(trackAudio, int16(rel), false, af.data))
		}
		f.audioQ = f.audioQ[:0]
	}

	relMs := int16(tsMs - f.clusterStartMs)
	f.clusterBlocks.Write(webmSimpleBlock(trackVideo, relMs, keyframe, data))
	f.flushClusterLocked()
}

func (f *mediaFanout) pushAudio(timecodeMs int64, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	// A track-2 block is only valid if the init segment declared the track.
	// When the first keyframe beat the audio OnTrack, the stream stays
	// video-only for its lifetime.
	if f.initSeg != nil && !f.audioInInit {
		return
	}
	if !f.baseAudioSet {
		f.baseAudioMs = timecodeMs
		f.baseAudioSet = true
	}
	f.audioQ = append(f.audioQ, audioFrame{timecodeMs - f.baseAudioMs, data})
}

// flushClusterLocked builds one Cluster from accumulated blocks and
// broadcasts it. Caller holds f.mu.
func (f *mediaFanout) flushClusterLocked() {
	if !f.clusterOpen || f.clusterBlocks.Len() == 0 {
		f.clusterOpen = false
		return
	}
	cluster := webmCluster(f.clusterStartMs, f.clusterBlocks.Bytes())
	if f.clusterIsKey {
		f.lastKeyCluster = cluster
	}
	f.clusterOpen = false
	f.clusterIsKey = false
	f.clusterBlocks.Reset()
	f.broadcastLocked(cluster)
}

// broadcastLocked delivers to all subscribers, dropping frames for slow
// ones rather than blocking the forwarding goroutines. Caller holds f.mu.
func (f *mediaFanout) broadcastLocked(data []byte) {
	for ch := range f.subs {
		select {
		case ch <- data:
		default:
		}
	}
}
