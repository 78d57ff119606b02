package vectorstore

import (
	"encoding/json"
	"hash/crc32"

	substrateerrors "github.com/ainote-labs/substrate/internal/substrate/errors"
)

// segmentFile is the on-disk JSON envelope: a header plus a body byte
// string whose interpretation (compression, quantization) the header
// describes. The header itself is never compressed.
type segmentFile struct {
	Header SegmentHeader `json:"header"`
	Body   []byte        `json:"body"`
}

// encodeSegment serializes records into a segment file's bytes, ready
// for internal/atomicio to publish.
func encodeSegment(records []Record, cfg Config) ([]byte, error) {
	alg := CompressionNone
	if cfg.EnableCompression {
		alg = cfg.Algorithm
	}

	body, uncompressedSize, err := encodeBody(records, alg)
	if err != nil {
		return nil, err
	}

	header := SegmentHeader{
		Version:           CurrentVersion,
		CompressionAlg:    alg,
		VectorCompression: cfg.VectorCompressionAlgo,
		EntryCount:        len(records),
		UncompressedSize:  uncompressedSize,
		ChecksumEnabled:   cfg.EnableChecksums,
	}
	if cfg.EnableChecksums {
		header.Checksum = crc32.ChecksumIEEE(body)
	}

	sf := segmentFile{Header: header, Body: body}
	out, err := json.Marshal(sf)
	if err != nil {
		return nil, substrateerrors.Wrap(substrateerrors.ErrCodeInternal, err)
	}
	return out, nil
}

// decodeSegment parses a segment file's bytes, validates its version
// and checksum, and returns the decoded records.
func decodeSegment(data []byte) (SegmentHeader, []Record, error) {
	var sf segmentFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return SegmentHeader{}, nil, substrateerrors.New(substrateerrors.ErrCodeStorageCorrupt,
			"malformed segment envelope", err)
	}

	if !sf.Header.Version.Readable() {
		return sf.Header, nil, substrateerrors.New(substrateerrors.ErrCodeVersionIncompatible,
			"segment version is not readable by this build", nil)
	}

	if sf.Header.ChecksumEnabled {
		actual := crc32.ChecksumIEEE(sf.Body)
		if actual != sf.Header.Checksum {
			return sf.Header, nil, substrateerrors.New(substrateerrors.ErrCodeChecksumMismatch,
				"segment body checksum mismatch", nil)
		}
	}

	records, err := decodeBody(sf.Body, sf.Header.CompressionAlg)
	if err != nil {
		return sf.Header, nil, err
	}
	if len(records) != sf.Header.EntryCount {
		return sf.Header, records, substrateerrors.New(substrateerrors.ErrCodeStorageCorrupt,
			"segment entry_count does not match decoded record count", nil)
	}
	return sf.Header, records, nil
}
