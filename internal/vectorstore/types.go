// Package vectorstore implements the Vector Storage component: a
// durable, segmented on-disk store of embedding records with
// compression, checksums, compaction, and backups.
//
// Segment persistence is grounded on internal/store/hnsw.go's
// save-to-disk idiom, generalized from a single whole-graph gob blob
// into the spec's header/body/checksum segment format and wired
// through internal/atomicio for every mutating write.
package vectorstore

import "time"

// SchemaVersion is the current on-disk segment format version.
type SchemaVersion struct {
	Major int
	Minor int
}

// CurrentVersion is the version this package writes and the newest it
// can read without loss.
var CurrentVersion = SchemaVersion{Major: 1, Minor: 0}

// Readable reports whether a segment written with v can be read by
// CurrentVersion: same major, and CurrentVersion no older than v's minor.
func (v SchemaVersion) Readable() bool {
	return v.Major == CurrentVersion.Major && CurrentVersion.Minor >= v.Minor
}

// CompressionAlgorithm names a body-compression codec.
type CompressionAlgorithm string

const (
	CompressionNone CompressionAlgorithm = "none"
	CompressionGzip CompressionAlgorithm = "gzip"
	CompressionLz4  CompressionAlgorithm = "lz4"
)

// VectorCompression names a per-vector quantization scheme.
type VectorCompression string

const (
	VectorCompressionNone  VectorCompression = "none"
	VectorCompressionInt8  VectorCompression = "int8"
	VectorCompressionInt16 VectorCompression = "int16"
)

// RecordMetadata carries provenance for one EmbeddingRecord.
type RecordMetadata struct {
	FilePath       string            `json:"file_path"`
	ChunkID        string            `json:"chunk_id"`
	TextHash       string            `json:"text_hash"`
	TextLength     int               `json:"text_length"`
	ContentPreview string            `json:"content_preview"`
	ModelName      string            `json:"model_name"`
	CreatedAt      int64             `json:"created_at"`
	UpdatedAt      int64             `json:"updated_at"`
	CustomMetadata map[string]string `json:"custom_metadata,omitempty"`
}

// Record is the atomic unit of storage. Vector holds the plain
// float32 form; when vector compression is enabled on write, Vector is
// cleared and the quantized form is carried in VectorQuantized/Scale
// instead (optionally relative to ReferenceID for delta encoding).
type Record struct {
	ID              string            `json:"id"`
	Vector          []float32         `json:"vector,omitempty"`
	VectorQuantized []byte            `json:"vector_quantized,omitempty"`
	QuantAlgo       VectorCompression `json:"quant_algo,omitempty"`
	Scale           float32           `json:"scale,omitempty"`
	ReferenceID     string            `json:"reference_id,omitempty"`
	Metadata        RecordMetadata    `json:"metadata"`
	CreatedAt       int64             `json:"created_at"`
	UpdatedAt       int64             `json:"updated_at"`
}

// SegmentHeader describes one on-disk segment.
type SegmentHeader struct {
	Version            SchemaVersion        `json:"version"`
	CompressionAlg     CompressionAlgorithm `json:"compression_algorithm"`
	VectorCompression  VectorCompression    `json:"vector_compression"`
	CreatedAt          int64                `json:"created_at"`
	EntryCount         int                  `json:"entry_count"`
	UncompressedSize   int                  `json:"uncompressed_size"`
	Checksum           uint32               `json:"checksum,omitempty"`
	ChecksumEnabled    bool                 `json:"checksum_enabled"`
	Metadata           map[string]string    `json:"metadata,omitempty"`
}

// Config configures the Vector Storage component.
type Config struct {
	StorageDir                string
	EnableCompression         bool
	Algorithm                 CompressionAlgorithm
	MaxEntriesPerFile         int
	EnableChecksums           bool
	AutoBackup                bool
	MaxBackups                int
	EnableMetrics             bool
	VectorCompressionAlgo     VectorCompression
	LazyLoading               bool
	LazyThreshold             int
	CompactionLiveFraction    float64
}

// DefaultConfig returns sane defaults matching the teacher's
// config-with-fallbacks idiom.
func DefaultConfig(storageDir string) Config {
	return Config{
		StorageDir:             storageDir,
		EnableCompression:      true,
		Algorithm:              CompressionGzip,
		MaxEntriesPerFile:      1000,
		EnableChecksums:        true,
		AutoBackup:             true,
		MaxBackups:             3,
		EnableMetrics:          true,
		VectorCompressionAlgo:  VectorCompressionNone,
		LazyLoading:            false,
		LazyThreshold:          10_000,
		CompactionLiveFraction: 0.5,
	}
}

// Metrics is the aggregate StorageMetrics snapshot.
type Metrics struct {
	TotalRecords        int
	SegmentCount        int
	CompressedBytes     int64
	UncompressedBytes   int64
	CompressionRatio    float64
	AvgRecordsPerFile   float64
	LastUpdate          time.Time
}

// CompactionResult summarizes a compact_storage() call.
type CompactionResult struct {
	FilesRemoved    int
	FilesCompacted  int
	EntriesRemaining int
	BytesReclaimed  int64
}

// IntegrityReport summarizes a validate_integrity() call.
type IntegrityReport struct {
	ValidEntries     int
	CorruptedFiles   []string
	OrphanedEntries  []string
	Errors           []string
}
