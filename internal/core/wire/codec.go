package wire

import (
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/dep2p/go-dsync/pkg/types"
)

// 信封常量
const (
	// Version 当前帧版本
	Version byte = 1

	// FlagCompressed 帧体经过 zstd 压缩
	FlagCompressed byte = 1 << 0

	// FlagDigest 帧体是追赶摘要而不是事件，见 digest.go
	FlagDigest byte = 1 << 1

	envelopeSize = 2

	// DefaultMaxFrameSize 默认解压后帧体上限
	DefaultMaxFrameSize = 4 << 20
)

// Codec 事件帧编解码器
//
// 负载超过阈值的帧体使用 zstd 压缩。Codec 可以被多个 goroutine 并发使用。
type Codec struct {
	threshold int
	maxSize   int
	enc       *zstd.Encoder
	dec       *zstd.Decoder
}

// NewCodec 创建编解码器
//
// threshold 为 0 时不压缩；maxSize 为解压后帧体上限，<= 0 使用默认值。
func NewCodec(threshold, maxSize int) (*Codec, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(maxSize)))
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Codec{
		threshold: threshold,
		maxSize:   maxSize,
		enc:       enc,
		dec:       dec,
	}, nil
}

// Marshal 编码事件为线上帧
func (c *Codec) Marshal(e *types.Event) ([]byte, error) {
	body, err := EncodeBody(e)
	if err != nil {
		return nil, err
	}

	if c.threshold > 0 && len(e.Payload) > c.threshold {
		out := make([]byte, envelopeSize, envelopeSize+len(body)/2)
		out[0] = Version
		out[1] = FlagCompressed
		return c.enc.EncodeAll(body, out), nil
	}

	out := make([]byte, envelopeSize, envelopeSize+len(body))
	out[0] = Version
	return append(out, body...), nil
}

// Unmarshal 解码线上帧
//
// 返回的错误均包装 types.ErrMalformedFrame。
func (c *Codec) Unmarshal(frame []byte) (*types.Event, error) {
	if len(frame) < envelopeSize {
		return nil, fmt.Errorf("%w: short frame (%d bytes)", types.ErrMalformedFrame, len(frame))
	}
	if frame[0] != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", types.ErrMalformedFrame, frame[0])
	}
	flags := frame[1]
	if flags&^FlagCompressed != 0 {
		return nil, fmt.Errorf("%w: unexpected flags %#x for event frame", types.ErrMalformedFrame, flags)
	}

	body := frame[envelopeSize:]
	if flags&FlagCompressed != 0 {
		decoded, err := c.dec.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: decompress: %v", types.ErrMalformedFrame, err)
		}
		body = decoded
	}
	if len(body) > c.maxSize {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", types.ErrMalformedFrame, c.maxSize)
	}
	return DecodeBody(body)
}

// Close 释放压缩器资源
func (c *Codec) Close() error {
	c.dec.Close()
	return c.enc.Close()
}
