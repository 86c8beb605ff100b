package broadcast

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// A Deriver produces one named representation of a frame. The
// broadcaster treats the output as opaque bytes; derivers are the
// pluggable transformation point (encoding, compression, inference
// overlays) in front of the fan-out.
type Deriver interface {
	Name() string
	Derive(frame []byte) ([]byte, error)
}

// Passthrough is the identity feed carrying the frame bytes unchanged.
type Passthrough struct{}

func (Passthrough) Name() string { return "original" }

func (Passthrough) Derive(frame []byte) ([]byte, error) { return frame, nil }

// ZstdFeed compresses each frame with Zstd, mirroring the wire encoding
// used upstream of bandwidth-constrained subscribers.
type ZstdFeed struct {
	enc *zstd.Encoder
}

// NewZstdFeed creates a ZstdFeed with the default speed/ratio tradeoff.
func NewZstdFeed() (*ZstdFeed, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return &ZstdFeed{enc: enc}, nil
}

func (z *ZstdFeed) Name() string { return "zstd" }

func (z *ZstdFeed) Derive(frame []byte) ([]byte, error) {
	return z.enc.EncodeAll(frame, nil), nil
}

// Close releases encoder resources.
func (z *ZstdFeed) Close() {
	if z.enc != nil {
		z.enc.Close()
	}
}

// frameMessage is the consumer-facing push record. Data is emitted as
// base64 by encoding/json, matching what browser and script clients
// expect for binary payloads.
type frameMessage struct {
	Type    string `json:"type"`
	Feed    string `json:"feed"`
	Data    []byte `json:"data"`
	FrameID uint64 `json:"frameId"`
}

// buildFrameMessage encodes one feed delivery for a frame.
func buildFrameMessage(feed string, data []byte, frameID uint64) []byte {
	msg, _ := json.Marshal(frameMessage{
		Type:    "frame",
		Feed:    feed,
		Data:    data,
		FrameID: frameID,
	})
	return msg
}
