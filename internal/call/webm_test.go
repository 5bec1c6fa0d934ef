package call

import (
	"bytes"
	"testing"
	"time"
)

// vp8Keyframe fabricates the smallest payload the muxer accepts as a VP8
// keyframe with a parseable 320x240 frame header.
func vp8Keyframe() []byte {
	return []byte{
		0x00, 0x00, 0x00, // frame tag, low bit 0 = keyframe
		0x9D, 0x01, 0x2A, // start code
		0x40, 0x01, // width 320
		0xF0, 0x00, // height 240
	}
}

func vp8Interframe() []byte {
	return []byte{0x01, 0x00, 0x00}
}

func recvSeg(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case seg, ok := <-ch:
		if !ok {
			t.Fatal("media channel closed")
		}
		return seg
	case <-time.After(time.Second):
		t.Fatal("no media segment")
		return nil
	}
}

func TestFanoutEmitsInitSegmentOnFirstKeyframe(t *testing.T) {
	f := newMediaFanout()
	defer f.close()

	ch, cancel := f.subscribe()
	defer cancel()

	// Interframes before the first keyframe cannot start an MSE stream and
	// must be discarded.
	f.pushVideo(0, false, vp8Interframe())
	select {
	case seg := <-ch:
		t.Fatalf("segment before first keyframe: %d bytes", len(seg))
	default:
	}

	f.pushVideo(100, true, vp8Keyframe())

	init := recvSeg(t, ch)
	if !bytes.HasPrefix(init, idEBML) {
		t.Fatalf("init segment does not start with the EBML header: % x", init[:4])
	}
	if !bytes.Contains(init, []byte("V_VP8")) {
		t.Fatal("init segment missing the VP8 track")
	}
	if bytes.Contains(init, []byte("A_OPUS")) {
		t.Fatal("audio track present without enableAudio")
	}

	cluster := recvSeg(t, ch)
	if !bytes.HasPrefix(cluster, idCluster) {
		t.Fatalf("second segment is not a cluster: % x", cluster[:4])
	}
}

func TestFanoutReplaysKeyframeClusterToLateSubscriber(t *testing.T) {
	f := newMediaFanout()
	defer f.close()

	f.pushVideo(0, true, vp8Keyframe())
	f.pushVideo(33, false, vp8Interframe())

	ch, cancel := f.subscribe()
	defer cancel()

	init := recvSeg(t, ch)
	if !bytes.HasPrefix(init, idEBML) {
		t.Fatal("late subscriber did not receive the init segment first")
	}
	cluster := recvSeg(t, ch)
	if !bytes.HasPrefix(cluster, idCluster) {
		t.Fatal("late subscriber did not receive the keyframe cluster")
	}
}

func TestFanoutTimestampNormalization(t *testing.T) {
	f := newMediaFanout()
	defer f.close()

	ch, cancel := f.subscribe()
	defer cancel()

	// RTP clocks start at a random offset; the first frame becomes t=0.
	f.pushVideo(987654, true, vp8Keyframe())
	recvSeg(t, ch) // init
	cluster := recvSeg(t, ch)

	// Cluster body: Timecode element 0xE7 with value 0.
	i := bytes.Index(cluster, idTimecode)
	if i < 0 {
		t.Fatal("cluster has no timecode element")
	}
	if size, val := cluster[i+1], cluster[i+2]; size != 0x81 || val != 0 {
		t.Fatalf("first cluster timecode = size %#x value %d, want 0", size, val)
	}
}

func TestFanoutInterleavesQueuedAudio(t *testing.T) {
	f := newMediaFanout()
	f.enableAudio()
	defer f.close()

	ch, cancel := f.subscribe()
	defer cancel()

	f.pushAudio(500, []byte{0xAA, 0xBB})
	f.pushVideo(1000, true, vp8Keyframe())

	init := recvSeg(t, ch)
	if !bytes.Contains(init, []byte("A_OPUS")) {
		t.Fatal("init segment missing the Opus track")
	}
	cluster := recvSeg(t, ch)
	if !bytes.Contains(cluster, []byte{0xAA, 0xBB}) {
		t.Fatal("queued audio frame not drained into the cluster")
	}
}

func TestFanoutStaysVideoOnlyWhenAudioArrivesLate(t *testing.T) {
	f := newMediaFanout()
	defer f.close()

	ch, cancel := f.subscribe()
	defer cancel()

	// First keyframe lands before the audio track is known: the init
	// segment declares video only.
	f.pushVideo(0, true, vp8Keyframe())
	init := recvSeg(t, ch)
	if bytes.Contains(init, []byte("A_OPUS")) {
		t.Fatal("init segment declares audio before enableAudio")
	}
	recvSeg(t, ch) // keyframe cluster

	// Audio showing up afterwards must not inject track-2 blocks into a
	// stream whose init segment never declared that track.
	f.enableAudio()
	f.pushAudio(10, []byte{0xAA, 0xBB})
	f.pushVideo(33, true, vp8Keyframe())

	cluster := recvSeg(t, ch)
	if bytes.Contains(cluster, []byte{0xAA, 0xBB}) {
		t.Fatal("audio block in a video-only stream")
	}
}

func TestFanoutCloseEndsSubscribers(t *testing.T) {
	f := newMediaFanout()
	ch, cancel := f.subscribe()
	defer cancel()

	f.close()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("received data after close")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}

	// Subscribing after close yields a closed channel, not a hang.
	ch2, cancel2 := f.subscribe()
	defer cancel2()
	if _, ok := <-ch2; ok {
		t.Fatal("post-close subscription produced data")
	}
}
