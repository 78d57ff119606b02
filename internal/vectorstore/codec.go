package vectorstore

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"

	substrateerrors "github.com/ainote-labs/substrate/internal/substrate/errors"
)

// encodeBody serializes records to JSON, then applies body compression.
func encodeBody(records []Record, alg CompressionAlgorithm) ([]byte, int, error) {
	raw, err := json.Marshal(records)
	if err != nil {
		return nil, 0, substrateerrors.Wrap(substrateerrors.ErrCodeInternal, err)
	}
	uncompressedSize := len(raw)

	switch alg {
	case "", CompressionNone:
		return raw, uncompressedSize, nil
	case CompressionGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(raw); err != nil {
			return nil, 0, substrateerrors.Wrap(substrateerrors.ErrCodeInternal, err)
		}
		if err := w.Close(); err != nil {
			return nil, 0, substrateerrors.Wrap(substrateerrors.ErrCodeInternal, err)
		}
		return buf.Bytes(), uncompressedSize, nil
	case CompressionLz4:
		return nil, 0, substrateerrors.New(substrateerrors.ErrCodeUnsupportedCodec,
			"lz4 compression is not available in this build", nil)
	default:
		return nil, 0, substrateerrors.New(substrateerrors.ErrCodeUnsupportedCodec,
			"unknown compression algorithm: "+string(alg), nil)
	}
}

// decodeBody reverses encodeBody.
func decodeBody(body []byte, alg CompressionAlgorithm) ([]Record, error) {
	var raw []byte
	switch alg {
	case "", CompressionNone:
		raw = body
	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, substrateerrors.New(substrateerrors.ErrCodeStorageCorrupt, "corrupt gzip body", err)
		}
		defer r.Close()
		decoded, err := io.ReadAll(r)
		if err != nil {
			return nil, substrateerrors.New(substrateerrors.ErrCodeStorageCorrupt, "truncated gzip body", err)
		}
		raw = decoded
	case CompressionLz4:
		return nil, substrateerrors.New(substrateerrors.ErrCodeUnsupportedCodec,
			"lz4 compression is not available in this build", nil)
	default:
		return nil, substrateerrors.New(substrateerrors.ErrCodeUnsupportedCodec,
			"unknown compression algorithm: "+string(alg), nil)
	}

	var records []Record
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, substrateerrors.New(substrateerrors.ErrCodeStorageCorrupt, "malformed record body", err)
	}
	return records, nil
}

// quantizeInt8 maps each component of v, assumed to lie within
// [-scale, scale], to a signed byte. Reconstruction divides back by
// the same scale, matching the fixed-point style of the teacher's
// normalizeVectorInPlace numeric helpers.
func quantizeInt8(v []float32, scale float32) []byte {
	out := make([]byte, len(v))
	for i, x := range v {
		q := int32(math.Round(float64(x / scale * 127)))
		if q > 127 {
			q = 127
		}
		if q < -128 {
			q = -128
		}
		out[i] = byte(int8(q))
	}
	return out
}

func dequantizeInt8(q []byte, scale float32) []float32 {
	out := make([]float32, len(q))
	for i, b := range q {
		out[i] = (float32(int8(b)) / 127) * scale
	}
	return out
}

func quantizeInt16(v []float32, scale float32) []byte {
	out := make([]byte, len(v)*2)
	for i, x := range v {
		q := int32(math.Round(float64(x / scale * 32767)))
		if q > 32767 {
			q = 32767
		}
		if q < -32768 {
			q = -32768
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(q)))
	}
	return out
}

func dequantizeInt16(q []byte, scale float32) []float32 {
	n := len(q) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(q[i*2:]))
		out[i] = (float32(v) / 32767) * scale
	}
	return out
}

// vectorScale returns the largest-magnitude component, used as the
// quantization scale so the full int8/int16 range is exercised.
func vectorScale(v []float32) float32 {
	var max float32
	for _, x := range v {
		abs := x
		if abs < 0 {
			abs = -abs
		}
		if abs > max {
			max = abs
		}
	}
	if max == 0 {
		return 1
	}
	return max
}

// quantizeDelta encodes target relative to reference: both must have
// the same dimension. The delta is quantized the same way as a plain
// vector; reconstruction requires the reference vector.
func quantizeDelta(target, reference []float32) []float32 {
	delta := make([]float32, len(target))
	for i := range target {
		delta[i] = target[i] - reference[i]
	}
	return delta
}

func reconstructDelta(delta, reference []float32) []float32 {
	out := make([]float32, len(delta))
	for i := range delta {
		out[i] = reference[i] + delta[i]
	}
	return out
}

// applyVectorCompression quantizes rec.Vector in place per algo,
// optionally relative to referenceVector for delta encoding, clearing
// the plain float form once the quantized one is populated.
func applyVectorCompression(rec *Record, algo VectorCompression, referenceID string, referenceVector []float32) {
	if algo == "" || algo == VectorCompressionNone || len(rec.Vector) == 0 {
		return
	}

	source := rec.Vector
	if referenceVector != nil && len(referenceVector) == len(rec.Vector) {
		source = quantizeDelta(rec.Vector, referenceVector)
		rec.ReferenceID = referenceID
	}

	scale := vectorScale(source)
	switch algo {
	case VectorCompressionInt8:
		rec.VectorQuantized = quantizeInt8(source, scale)
	case VectorCompressionInt16:
		rec.VectorQuantized = quantizeInt16(source, scale)
	default:
		return
	}
	rec.QuantAlgo = algo
	rec.Scale = scale
	rec.Vector = nil
}

// resolveVector returns rec's plain float32 vector, reconstructing it
// from quantized/delta form using byID to look up the reference record
// when needed. byID may be nil if rec carries no ReferenceID.
func resolveVector(rec Record, byID func(id string) (Record, bool)) ([]float32, error) {
	if len(rec.Vector) > 0 {
		return rec.Vector, nil
	}
	if len(rec.VectorQuantized) == 0 {
		return nil, nil
	}

	var dequantized []float32
	switch rec.QuantAlgo {
	case VectorCompressionInt8:
		dequantized = dequantizeInt8(rec.VectorQuantized, rec.Scale)
	case VectorCompressionInt16:
		dequantized = dequantizeInt16(rec.VectorQuantized, rec.Scale)
	default:
		return nil, substrateerrors.New(substrateerrors.ErrCodeStorageCorrupt,
			"quantized vector with unknown algorithm: "+string(rec.QuantAlgo), nil)
	}

	if rec.ReferenceID == "" {
		return dequantized, nil
	}
	if byID == nil {
		return nil, substrateerrors.New(substrateerrors.ErrCodeStorageCorrupt,
			"delta-encoded record missing reference resolver", nil)
	}
	ref, ok := byID(rec.ReferenceID)
	if !ok {
		return nil, substrateerrors.New(substrateerrors.ErrCodeStorageCorrupt,
			"delta reference "+rec.ReferenceID+" not found for "+rec.ID, nil)
	}
	refVector, err := resolveVector(ref, byID)
	if err != nil {
		return nil, err
	}
	return reconstructDelta(dequantized, refVector), nil
}
