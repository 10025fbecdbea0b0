package transfer

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Frame types carried on the data channel.
const (
	FrameOffer  = "offer"
	FrameChunk  = "chunk"
	FrameResult = "result"
	FrameCancel = "cancel"
	FramePause  = "pause"
	FrameResume = "resume"
)

// Result codes reported by the receiver.
const (
	ResultOK               = "ok"
	ResultChecksumMismatch = "checksum_mismatch"
	ResultIOFailure        = "io_failure"
	ResultBusy             = "busy"
)

// Frame is the envelope of every data channel message.
type Frame struct {
	Type    string             `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// Header announces one file before its chunks.
type Header struct {
	SessionID         string `msgpack:"session_id"`
	Name              string `msgpack:"name"`
	Size              int64  `msgpack:"size"`
	ChunkSize         int    `msgpack:"chunk_size"`
	Checksum          string `msgpack:"checksum,omitempty"`
	ChecksumAlgorithm string `msgpack:"checksum_alg,omitempty"`
}

// Chunk is one indexed slice of a file.
type Chunk struct {
	Index int
	Data  []byte
}

type chunkPayload struct {
	SessionID string `msgpack:"session_id"`
	Index     int    `msgpack:"index"`
	Data      []byte `msgpack:"data"`
}

// Result is the receiver's verdict on a session.
type Result struct {
	SessionID string `msgpack:"session_id"`
	Code      string `msgpack:"code"`
	Checksum  string `msgpack:"checksum,omitempty"`
	Message   string `msgpack:"message,omitempty"`
}

type controlPayload struct {
	SessionID string `msgpack:"session_id"`
	Reason    string `msgpack:"reason,omitempty"`
}

// ChunkCount returns ceil(size/chunkSize).
func ChunkCount(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	chunks := int(size / int64(chunkSize))
	if size%int64(chunkSize) != 0 {
		chunks++
	}
	return chunks
}

// expectedChunkLen is the exact length chunk index must have.
func expectedChunkLen(size int64, chunkSize, index int) int {
	start := int64(index) * int64(chunkSize)
	remaining := size - start
	if remaining < int64(chunkSize) {
		return int(remaining)
	}
	return chunkSize
}

func encodeFrame(frameType string, payload any) ([]byte, error) {
	body, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", frameType, err)
	}
	return msgpack.Marshal(Frame{Type: frameType, Payload: body})
}

func decodeFrame(raw []byte) (Frame, error) {
	var frame Frame
	if err := msgpack.Unmarshal(raw, &frame); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if frame.Type == "" {
		return Frame{}, fmt.Errorf("%w: missing type", ErrInvalidFrame)
	}
	return frame, nil
}

func decodePayload(frame Frame, out any) error {
	if err := msgpack.Unmarshal(frame.Payload, out); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrInvalidFrame, frame.Type, err)
	}
	return nil
}
