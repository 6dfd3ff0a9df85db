package overlay

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// DefaultMaxFrameSize is the default limit on a single frame's JSON body,
// per §4.1: frames larger than this destroy the connection.
const DefaultMaxFrameSize = 10 * 1024 * 1024 // 10 MiB

// frameHeaderSize is the width of the big-endian length prefix.
const frameHeaderSize = 4

// encodeFrame prepends a big-endian uint32 length to a JSON-encoded message.
func encodeFrame(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	frame := make([]byte, frameHeaderSize+len(body))
	binary.BigEndian.PutUint32(frame[:frameHeaderSize], uint32(len(body)))
	copy(frame[frameHeaderSize:], body)
	return frame, nil
}

// frameAccumulator reassembles length-prefixed frames from a byte stream
// that may deliver any number of frames (whole, partial, or many) per read.
// It implements the per-connection accumulator state the design notes call
// for: {buffer, expectedLen|null}, advanced on each inbound chunk.
type frameAccumulator struct {
	buf      []byte
	want     int // -1 when the length prefix itself hasn't arrived yet
	maxFrame int
}

func newFrameAccumulator(maxFrame int) *frameAccumulator {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &frameAccumulator{want: -1, maxFrame: maxFrame}
}

// feed appends newly read bytes and returns every complete frame body now
// available, in arrival order. It never assumes one read yields one frame.
func (a *frameAccumulator) feed(chunk []byte) ([][]byte, error) {
	a.buf = append(a.buf, chunk...)

	var frames [][]byte
	for {
		if a.want < 0 {
			if len(a.buf) < frameHeaderSize {
				break
			}
			length := binary.BigEndian.Uint32(a.buf[:frameHeaderSize])
			if int(length) > a.maxFrame {
				return frames, fmt.Errorf("frame of %d bytes exceeds max %d", length, a.maxFrame)
			}
			a.buf = a.buf[frameHeaderSize:]
			a.want = int(length)
		}

		if len(a.buf) < a.want {
			break
		}

		body := make([]byte, a.want)
		copy(body, a.buf[:a.want])
		a.buf = a.buf[a.want:]
		a.want = -1
		frames = append(frames, body)
	}
	return frames, nil
}

// decodeMessage unmarshals a frame body into a generic envelope sufficient
// to read the "type" discriminator before dispatching to a typed struct.
func decodeMessage(body []byte) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return m, nil
}
