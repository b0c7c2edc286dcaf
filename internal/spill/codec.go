package spill

import (
	"bytes"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Pair is how a value carrying a label (such as a missing-value indicator)
// is spilled. Callers convert their own wrapper types to and from Pair.
type Pair struct {
	Value any
	Label string
}

const (
	tagNil uint8 = iota
	tagString
	tagInt
	tagInt64
	tagInt32
	tagFloat64
	tagFloat32
	tagBool
	tagTime
	tagBytes
	tagPair
	tagAny
)

// encodeRow writes row as a msgpack array of (tag, value) pairs so that every
// value decodes back to the exact Go type it was written as.
func encodeRow(buf *bytes.Buffer, row []any) error {
	enc := msgpack.NewEncoder(buf)
	if err := enc.EncodeArrayLen(len(row)); err != nil {
		return err
	}
	for _, v := range row {
		if err := encodeValue(enc, v); err != nil {
			return err
		}
	}
	return nil
}

func encodeValue(enc *msgpack.Encoder, v any) error {
	var err error
	switch x := v.(type) {
	case nil:
		err = enc.EncodeUint8(tagNil)
	case string:
		if err = enc.EncodeUint8(tagString); err == nil {
			err = enc.EncodeString(x)
		}
	case int:
		if err = enc.EncodeUint8(tagInt); err == nil {
			err = enc.EncodeInt(int64(x))
		}
	case int64:
		if err = enc.EncodeUint8(tagInt64); err == nil {
			err = enc.EncodeInt(x)
		}
	case int32:
		if err = enc.EncodeUint8(tagInt32); err == nil {
			err = enc.EncodeInt(int64(x))
		}
	case float64:
		if err = enc.EncodeUint8(tagFloat64); err == nil {
			err = enc.EncodeFloat64(x)
		}
	case float32:
		if err = enc.EncodeUint8(tagFloat32); err == nil {
			err = enc.EncodeFloat32(x)
		}
	case bool:
		if err = enc.EncodeUint8(tagBool); err == nil {
			err = enc.EncodeBool(x)
		}
	case time.Time:
		var b []byte
		if b, err = x.MarshalBinary(); err != nil {
			return fmt.Errorf("spill: encode time: %w", err)
		}
		if err = enc.EncodeUint8(tagTime); err == nil {
			err = enc.EncodeBytes(b)
		}
	case []byte:
		if err = enc.EncodeUint8(tagBytes); err == nil {
			err = enc.EncodeBytes(x)
		}
	case Pair:
		if err = enc.EncodeUint8(tagPair); err == nil {
			if err = enc.EncodeString(x.Label); err == nil {
				err = encodeValue(enc, x.Value)
			}
		}
	default:
		if err = enc.EncodeUint8(tagAny); err == nil {
			err = enc.Encode(x)
		}
	}
	return err
}

func decodeRow(b []byte) ([]any, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	dec.UseLooseInterfaceDecoding(true)
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	row := make([]any, n)
	for i := range row {
		if row[i], err = decodeValue(dec); err != nil {
			return nil, fmt.Errorf("spill: decode column %d: %w", i, err)
		}
	}
	return row, nil
}

func decodeValue(dec *msgpack.Decoder) (any, error) {
	tag, err := dec.DecodeUint8()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagNil:
		return nil, nil
	case tagString:
		return dec.DecodeString()
	case tagInt:
		n, err := dec.DecodeInt64()
		return int(n), err
	case tagInt64:
		return dec.DecodeInt64()
	case tagInt32:
		return dec.DecodeInt32()
	case tagFloat64:
		return dec.DecodeFloat64()
	case tagFloat32:
		return dec.DecodeFloat32()
	case tagBool:
		return dec.DecodeBool()
	case tagTime:
		b, err := dec.DecodeBytes()
		if err != nil {
			return nil, err
		}
		var t time.Time
		if err := t.UnmarshalBinary(b); err != nil {
			return nil, err
		}
		return t, nil
	case tagBytes:
		return dec.DecodeBytes()
	case tagPair:
		label, err := dec.DecodeString()
		if err != nil {
			return nil, err
		}
		v, err := decodeValue(dec)
		if err != nil {
			return nil, err
		}
		return Pair{Value: v, Label: label}, nil
	case tagAny:
		return dec.DecodeInterfaceLoose()
	}
	return nil, fmt.Errorf("unknown value tag %d", tag)
}
