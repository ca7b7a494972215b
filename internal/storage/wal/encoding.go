package wal

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/xtxerr/ratewatch/internal/storage/types"
)

// A record payload is a protobuf message written with protowire:
//
//	message Record { repeated Sample samples = 1; }
//	message Sample {
//	  string series    = 1;
//	  int64  timestamp = 2;
//	  uint64 value     = 3;
//	}
//
// Unknown fields are skipped, so fields can be added without a version bump.
const (
	fieldRecordSample = 1

	fieldSampleSeries    = 1
	fieldSampleTimestamp = 2
	fieldSampleValue     = 3
)

// encodeSamples encodes a batch of samples as one record payload.
func encodeSamples(samples []types.RawSample) ([]byte, error) {
	if len(samples) == 0 {
		return nil, nil
	}

	buf := make([]byte, 0, len(samples)*64)
	var msg []byte
	for _, s := range samples {
		msg = msg[:0]
		msg = protowire.AppendTag(msg, fieldSampleSeries, protowire.BytesType)
		msg = protowire.AppendString(msg, s.Series)
		msg = protowire.AppendTag(msg, fieldSampleTimestamp, protowire.VarintType)
		msg = protowire.AppendVarint(msg, uint64(s.Timestamp))
		msg = protowire.AppendTag(msg, fieldSampleValue, protowire.VarintType)
		msg = protowire.AppendVarint(msg, s.Value)

		buf = protowire.AppendTag(buf, fieldRecordSample, protowire.BytesType)
		buf = protowire.AppendBytes(buf, msg)
	}
	return buf, nil
}

// decodeSamples decodes a record payload.
func decodeSamples(data []byte) ([]types.RawSample, error) {
	var samples []types.RawSample

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("record tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		if num != fieldRecordSample || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("skip field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}

		msg, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, fmt.Errorf("sample %d: %w", len(samples), protowire.ParseError(n))
		}
		data = data[n:]

		s, err := decodeSample(msg)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", len(samples), err)
		}
		samples = append(samples, s)
	}

	return samples, nil
}

func decodeSample(data []byte) (types.RawSample, error) {
	var s types.RawSample

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return s, protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == fieldSampleSeries && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return s, fmt.Errorf("series: %w", protowire.ParseError(n))
			}
			s.Series = v
			data = data[n:]

		case num == fieldSampleTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return s, fmt.Errorf("timestamp: %w", protowire.ParseError(n))
			}
			s.Timestamp = int64(v)
			data = data[n:]

		case num == fieldSampleValue && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return s, fmt.Errorf("value: %w", protowire.ParseError(n))
			}
			s.Value = v
			data = data[n:]

		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return s, fmt.Errorf("skip field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	return s, nil
}
