// Package wire 实现事件的线上帧格式
//
// 帧体使用 protobuf 线格式（protowire 手写编解码，不依赖生成代码）：
//
//	1 entity_id       bytes
//	2 event_type      varint (u32)
//	3 source_peer_id  bytes[32]
//	4 clock_entry     repeated message { 1 peer bytes[32]; 2 counter varint }，按 peer 排序
//	5 payload         bytes
//	6 timestamp       varint（Unix 毫秒，仅供参考）
//	7 signature       bytes[64]，ed25519 签名覆盖字段 1-6 的编码
//
// 帧体之外包一层信封：version(1) | flags(1) | body，见 codec.go。
package wire

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dep2p/go-dsync/pkg/types"
)

// 字段编号
const (
	fieldEntityID   protowire.Number = 1
	fieldEventType  protowire.Number = 2
	fieldSource     protowire.Number = 3
	fieldClockEntry protowire.Number = 4
	fieldPayload    protowire.Number = 5
	fieldTimestamp  protowire.Number = 6
	fieldSignature  protowire.Number = 7

	fieldEntryPeer    protowire.Number = 1
	fieldEntryCounter protowire.Number = 2
)

// ============================================================================
//                              编码
// ============================================================================

// SigningBytes 返回签名覆盖的字节（字段 1-6 的编码）
func SigningBytes(e *types.Event) ([]byte, error) {
	return appendUnsigned(nil, e)
}

// EncodeBody 编码完整帧体（字段 1-7）
func EncodeBody(e *types.Event) ([]byte, error) {
	b, err := appendUnsigned(nil, e)
	if err != nil {
		return nil, err
	}
	if len(e.Signature) > 0 {
		b = protowire.AppendTag(b, fieldSignature, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Signature)
	}
	return b, nil
}

func appendUnsigned(b []byte, e *types.Event) ([]byte, error) {
	if e.EntityID == "" {
		return nil, types.ErrEmptyEntityID
	}
	source, err := e.Source.Bytes()
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}

	b = protowire.AppendTag(b, fieldEntityID, protowire.BytesType)
	b = protowire.AppendString(b, e.EntityID)

	b = protowire.AppendTag(b, fieldEventType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Type))

	b = protowire.AppendTag(b, fieldSource, protowire.BytesType)
	b = protowire.AppendBytes(b, source)

	for _, entry := range e.Clock.Entries() {
		peer, err := entry.Peer.Bytes()
		if err != nil {
			return nil, fmt.Errorf("clock entry: %w", err)
		}
		var m []byte
		m = protowire.AppendTag(m, fieldEntryPeer, protowire.BytesType)
		m = protowire.AppendBytes(m, peer)
		m = protowire.AppendTag(m, fieldEntryCounter, protowire.VarintType)
		m = protowire.AppendVarint(m, entry.Counter)

		b = protowire.AppendTag(b, fieldClockEntry, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}

	if len(e.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Payload)
	}

	if !e.Timestamp.IsZero() {
		b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.Timestamp.UnixMilli()))
	}
	return b, nil
}

// ============================================================================
//                              解码
// ============================================================================

// DecodeBody 解码帧体，并计算事件 ID
//
// 所有格式错误都包装为 types.ErrMalformedFrame。未知字段被跳过。
func DecodeBody(b []byte) (*types.Event, error) {
	e := &types.Event{Clock: types.NewVectorClock()}
	var haveEntity, haveType, haveSource bool

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed("tag", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldEntityID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed("entity_id", protowire.ParseError(n))
			}
			e.EntityID = string(v)
			haveEntity = true
			b = b[n:]

		case num == fieldEventType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed("event_type", protowire.ParseError(n))
			}
			if v > 0xFFFFFFFF {
				return nil, malformed("event_type", fmt.Errorf("value %d overflows u32", v))
			}
			e.Type = types.EventType(v)
			haveType = true
			b = b[n:]

		case num == fieldSource && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed("source", protowire.ParseError(n))
			}
			id, err := types.PeerIDFromBytes(v)
			if err != nil {
				return nil, malformed("source", err)
			}
			e.Source = id
			haveSource = true
			b = b[n:]

		case num == fieldClockEntry && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed("clock", protowire.ParseError(n))
			}
			peer, counter, err := decodeClockEntry(v)
			if err != nil {
				return nil, malformed("clock", err)
			}
			if _, dup := e.Clock[peer]; dup {
				return nil, malformed("clock", fmt.Errorf("duplicate entry for %s", peer.ShortString()))
			}
			if counter > 0 {
				e.Clock[peer] = counter
			}
			b = b[n:]

		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed("payload", protowire.ParseError(n))
			}
			e.Payload = append([]byte(nil), v...)
			b = b[n:]

		case num == fieldTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed("timestamp", protowire.ParseError(n))
			}
			e.Timestamp = time.UnixMilli(int64(v))
			b = b[n:]

		case num == fieldSignature && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed("signature", protowire.ParseError(n))
			}
			if len(v) != ed25519.SignatureSize {
				return nil, malformed("signature", fmt.Errorf("length %d", len(v)))
			}
			e.Signature = append([]byte(nil), v...)
			b = b[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, malformed("unknown field", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	switch {
	case !haveEntity || e.EntityID == "":
		return nil, malformed("entity_id", types.ErrEmptyEntityID)
	case !haveType:
		return nil, malformed("event_type", fmt.Errorf("missing"))
	case !haveSource:
		return nil, malformed("source", fmt.Errorf("missing"))
	case e.Clock.Get(e.Source) == 0:
		return nil, malformed("clock", fmt.Errorf("missing source component"))
	}

	e.Seal()
	return e, nil
}

func decodeClockEntry(b []byte) (types.PeerID, uint64, error) {
	var (
		peer    types.PeerID
		counter uint64
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", 0, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldEntryPeer && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return "", 0, protowire.ParseError(n)
			}
			id, err := types.PeerIDFromBytes(v)
			if err != nil {
				return "", 0, err
			}
			peer = id
			b = b[n:]
		case num == fieldEntryCounter && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return "", 0, protowire.ParseError(n)
			}
			counter = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", 0, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if peer.IsEmpty() {
		return "", 0, fmt.Errorf("entry without peer")
	}
	return peer, counter, nil
}

func malformed(field string, err error) error {
	return fmt.Errorf("%w: %s: %v", types.ErrMalformedFrame, field, err)
}
