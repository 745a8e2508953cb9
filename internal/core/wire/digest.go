package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dep2p/go-dsync/pkg/types"
)

// 摘要帧字段编号
//
//	1 after    bytes
//	2 through  bytes
//	3 entry    repeated message { 1 entity_id bytes; 2 base varint }
const (
	fieldDigestAfter   protowire.Number = 1
	fieldDigestThrough protowire.Number = 2
	fieldDigestEntry   protowire.Number = 3

	fieldDigestEntity protowire.Number = 1
	fieldDigestBase   protowire.Number = 2
)

// IsDigest 帧是否为追赶摘要
func IsDigest(frame []byte) bool {
	return len(frame) >= envelopeSize && frame[0] == Version && frame[1] == FlagDigest
}

// MarshalDigest 编码追赶摘要帧，摘要帧不压缩也不签名
func MarshalDigest(d types.Digest) []byte {
	out := []byte{Version, FlagDigest}
	if d.After != "" {
		out = protowire.AppendTag(out, fieldDigestAfter, protowire.BytesType)
		out = protowire.AppendString(out, d.After)
	}
	if d.Through != "" {
		out = protowire.AppendTag(out, fieldDigestThrough, protowire.BytesType)
		out = protowire.AppendString(out, d.Through)
	}
	for entityID, base := range d.Bases {
		var m []byte
		m = protowire.AppendTag(m, fieldDigestEntity, protowire.BytesType)
		m = protowire.AppendString(m, entityID)
		m = protowire.AppendTag(m, fieldDigestBase, protowire.VarintType)
		m = protowire.AppendVarint(m, base)

		out = protowire.AppendTag(out, fieldDigestEntry, protowire.BytesType)
		out = protowire.AppendBytes(out, m)
	}
	return out
}

// UnmarshalDigest 解码追赶摘要帧
//
// 返回的错误均包装 types.ErrMalformedFrame。
func UnmarshalDigest(frame []byte) (types.Digest, error) {
	d := types.Digest{Bases: make(map[string]uint64)}
	if !IsDigest(frame) {
		return d, fmt.Errorf("%w: not a digest frame", types.ErrMalformedFrame)
	}

	b := frame[envelopeSize:]
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return d, malformed("digest tag", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldDigestAfter && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return d, malformed("digest after", protowire.ParseError(n))
			}
			d.After = string(v)
			b = b[n:]

		case num == fieldDigestThrough && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return d, malformed("digest through", protowire.ParseError(n))
			}
			d.Through = string(v)
			b = b[n:]

		case num == fieldDigestEntry && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return d, malformed("digest entry", protowire.ParseError(n))
			}
			entityID, base, err := decodeDigestEntry(v)
			if err != nil {
				return d, malformed("digest entry", err)
			}
			d.Bases[entityID] = base
			b = b[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return d, malformed("unknown field", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if d.Through != "" && d.Through <= d.After {
		return d, malformed("digest range", fmt.Errorf("empty range (%q, %q]", d.After, d.Through))
	}
	return d, nil
}

func decodeDigestEntry(b []byte) (string, uint64, error) {
	var (
		entityID string
		base     uint64
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", 0, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldDigestEntity && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return "", 0, protowire.ParseError(n)
			}
			entityID = string(v)
			b = b[n:]
		case num == fieldDigestBase && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return "", 0, protowire.ParseError(n)
			}
			base = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", 0, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if entityID == "" {
		return "", 0, types.ErrEmptyEntityID
	}
	return entityID, base, nil
}
