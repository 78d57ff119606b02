package vectorstore

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ainote-labs/substrate/internal/atomicio"
	substrateerrors "github.com/ainote-labs/substrate/internal/substrate/errors"
)

const segmentCacheSize = 32

// Store is the Vector Storage component: a segmented on-disk store of
// EmbeddingRecords, with an id -> segment index kept in memory and a
// bounded cache of recently-touched decoded segments.
type Store struct {
	cfg Config

	mu         sync.RWMutex
	idIndex    map[string]int // record id -> segment sequence number
	segCache   *lru.Cache[int, []Record]
	lastSeq    int
	lastCompactAt time.Time

	metrics Metrics
}

// New opens (or initializes) a segmented store rooted at cfg.StorageDir.
func New(cfg Config) (*Store, error) {
	if cfg.StorageDir == "" {
		return nil, substrateerrors.New(substrateerrors.ErrCodeConfigInvalid, "storage_dir is required", nil)
	}
	if cfg.MaxEntriesPerFile <= 0 {
		cfg.MaxEntriesPerFile = DefaultConfig(cfg.StorageDir).MaxEntriesPerFile
	}
	if err := os.MkdirAll(cfg.StorageDir, 0o755); err != nil {
		return nil, substrateerrors.New(substrateerrors.ErrCodeFileNotFound, "create storage dir", err)
	}

	cache, err := lru.New[int, []Record](segmentCacheSize)
	if err != nil {
		return nil, substrateerrors.Wrap(substrateerrors.ErrCodeInternal, err)
	}

	s := &Store{
		cfg:      cfg,
		idIndex:  make(map[string]int),
		segCache: cache,
	}
	if err := s.rebuildIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) segmentPath(seq int) string {
	return filepath.Join(s.cfg.StorageDir, fmt.Sprintf("segment-%08d.dat", seq))
}

// rebuildIndex scans existing segment files on disk and populates the
// id -> segment index, tolerating corrupt segments (they are skipped
// and surfaced later via validate_integrity rather than failing open).
func (s *Store) rebuildIndex() error {
	entries, err := os.ReadDir(s.cfg.StorageDir)
	if err != nil {
		return substrateerrors.New(substrateerrors.ErrCodeFileNotFound, "read storage dir", err)
	}
	for _, e := range entries {
		seq, ok := parseSegmentSeq(e.Name())
		if !ok {
			continue
		}
		if seq > s.lastSeq {
			s.lastSeq = seq
		}
		data, err := os.ReadFile(filepath.Join(s.cfg.StorageDir, e.Name()))
		if err != nil {
			continue
		}
		_, records, err := decodeSegment(data)
		if err != nil {
			continue
		}
		for _, r := range records {
			s.idIndex[r.ID] = seq
		}
	}
	return nil
}

func parseSegmentSeq(name string) (int, bool) {
	if !strings.HasPrefix(name, "segment-") || !strings.HasSuffix(name, ".dat") {
		return 0, false
	}
	numStr := strings.TrimSuffix(strings.TrimPrefix(name, "segment-"), ".dat")
	n, err := strconv.Atoi(numStr)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (s *Store) loadSegment(seq int) ([]Record, error) {
	if cached, ok := s.segCache.Get(seq); ok {
		return cached, nil
	}
	data, err := os.ReadFile(s.segmentPath(seq))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, substrateerrors.New(substrateerrors.ErrCodeFileNotFound, "read segment", err)
	}
	_, records, err := decodeSegment(data)
	if err != nil {
		return nil, err
	}
	s.segCache.Add(seq, records)
	return records, nil
}

func (s *Store) writeSegment(seq int, records []Record) error {
	path := s.segmentPath(seq)
	encoded, err := encodeSegment(records, s.cfg)
	if err != nil {
		return err
	}

	writeErr := atomicio.Guard(path, func() error {
		if s.cfg.AutoBackup {
			if _, statErr := os.Stat(path); statErr == nil {
				if err := atomicio.WriteWithBackup(path, encoded, 0o644, strconv.FormatInt(time.Now().UnixNano(), 10)); err != nil {
					return err
				}
				return s.pruneBackups(path)
			}
		}
		return atomicio.WriteFile(path, encoded, 0o644)
	})
	if writeErr != nil {
		return substrateerrors.Wrap(substrateerrors.ErrCodeInternal, writeErr)
	}

	s.segCache.Add(seq, records)
	return nil
}

func (s *Store) pruneBackups(path string) error {
	if s.cfg.MaxBackups <= 0 {
		return nil
	}
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var backups []string
	prefix := base + ".backup."
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) {
			backups = append(backups, e.Name())
		}
	}
	sort.Strings(backups)
	for len(backups) > s.cfg.MaxBackups {
		_ = os.Remove(filepath.Join(dir, backups[0]))
		backups = backups[1:]
	}
	return nil
}

// StoreEntries validates and writes records, returning their ids in
// input order. Each record is partitioned into the newest segment with
// spare capacity, or a freshly allocated one.
func (s *Store) StoreEntries(records []Record) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	ids := make([]string, len(records))
	bySeg := make(map[int][]Record)

	for i, rec := range records {
		if err := validateRecord(rec); err != nil {
			return nil, err
		}
		if rec.CreatedAt == 0 {
			rec.CreatedAt = now
		}
		rec.UpdatedAt = now

		applyVectorCompression(&rec, s.cfg.VectorCompressionAlgo, "", nil)

		seq := s.segmentForWrite(len(bySeg[s.lastSeq]))
		bySeg[seq] = append(bySeg[seq], rec)
		s.idIndex[rec.ID] = seq
		ids[i] = rec.ID
	}

	for seq, toAdd := range bySeg {
		existing, err := s.loadSegment(seq)
		if err != nil {
			return nil, err
		}
		merged := upsertInto(existing, toAdd)
		if err := s.writeSegment(seq, merged); err != nil {
			return nil, err
		}
	}
	s.metrics.LastUpdate = time.Now()
	return ids, nil
}

// segmentForWrite returns the newest segment with spare capacity,
// counting pending records not yet written to it, allocating a new
// sequence number if none has room. Caller must hold s.mu.
func (s *Store) segmentForWrite(pending int) int {
	if s.lastSeq > 0 {
		records, err := s.loadSegment(s.lastSeq)
		if err == nil && len(records)+pending < s.cfg.MaxEntriesPerFile {
			return s.lastSeq
		}
	}
	s.lastSeq++
	return s.lastSeq
}

func upsertInto(existing, updates []Record) []Record {
	byID := make(map[string]int, len(existing))
	for i, r := range existing {
		byID[r.ID] = i
	}
	for _, u := range updates {
		if i, ok := byID[u.ID]; ok {
			existing[i] = u
			continue
		}
		byID[u.ID] = len(existing)
		existing = append(existing, u)
	}
	return existing
}

func validateRecord(r Record) error {
	if r.ID == "" {
		return substrateerrors.New(substrateerrors.ErrCodeInvalidInput, "record id is required", nil)
	}
	if len(r.Vector) == 0 && len(r.VectorQuantized) == 0 {
		return substrateerrors.New(substrateerrors.ErrCodeInvalidInput, "record vector is required", nil)
	}
	for _, x := range r.Vector {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return substrateerrors.New(substrateerrors.ErrCodeInvalidInput, "record vector contains non-finite value", nil)
		}
	}
	if r.Metadata.FilePath == "" || r.Metadata.ChunkID == "" {
		return substrateerrors.New(substrateerrors.ErrCodeInvalidInput, "record metadata is incomplete", nil)
	}
	if len(r.Metadata.TextHash) != 64 {
		return substrateerrors.New(substrateerrors.ErrCodeInvalidInput, "text_hash must be 64 hex characters", nil)
	}
	return nil
}

// RetrieveEntry looks up a single record by id, reconstructing its
// vector from quantized/delta form as needed.
func (s *Store) RetrieveEntry(id string) (*Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.retrieveLocked(id)
}

func (s *Store) retrieveLocked(id string) (*Record, bool, error) {
	seq, ok := s.idIndex[id]
	if !ok {
		return nil, false, nil
	}
	records, err := s.loadSegment(seq)
	if err != nil {
		return nil, false, err
	}
	for _, r := range records {
		if r.ID == id {
			resolved, err := resolveVector(r, func(refID string) (Record, bool) {
				for _, candidate := range records {
					if candidate.ID == refID {
						return candidate, true
					}
				}
				return Record{}, false
			})
			if err != nil {
				return nil, false, err
			}
			r.Vector = resolved
			return &r, true, nil
		}
	}
	return nil, false, nil
}

// RetrieveEntries looks up multiple records by id, in input order.
// Missing ids are simply omitted from the result.
func (s *Store) RetrieveEntries(ids []string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, ok, err := s.retrieveLocked(id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, *rec)
		}
	}
	return out, nil
}

// DeleteEntry removes a record, rewriting the holding segment without
// it. Reports whether the record existed.
func (s *Store) DeleteEntry(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, ok := s.idIndex[id]
	if !ok {
		return false, nil
	}
	records, err := s.loadSegment(seq)
	if err != nil {
		return false, err
	}

	kept := records[:0:0]
	found := false
	for _, r := range records {
		if r.ID == id {
			found = true
			continue
		}
		kept = append(kept, r)
	}
	if !found {
		delete(s.idIndex, id)
		return false, nil
	}
	if err := s.writeSegment(seq, kept); err != nil {
		return false, err
	}
	delete(s.idIndex, id)
	return true, nil
}

// ListEntryIDs returns every known record id.
func (s *Store) ListEntryIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.idIndex))
	for id := range s.idIndex {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ListEntriesForFile returns every record whose metadata names
// filePath, resolved to plain vectors. Used by the update pipeline to
// diff a file's chunks against what is already stored.
func (s *Store) ListEntriesForFile(filePath string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bySeg := make(map[int][]string)
	for id, seq := range s.idIndex {
		bySeg[seq] = append(bySeg[seq], id)
	}

	var out []Record
	for seq, ids := range bySeg {
		records, err := s.loadSegment(seq)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			for _, r := range records {
				if r.ID != id || r.Metadata.FilePath != filePath {
					continue
				}
				resolved, err := resolveVector(r, func(refID string) (Record, bool) {
					for _, c := range records {
						if c.ID == refID {
							return c, true
						}
					}
					return Record{}, false
				})
				if err != nil {
					return nil, err
				}
				r.Vector = resolved
				out = append(out, r)
			}
		}
	}
	return out, nil
}

// Count returns the number of stored records.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.idIndex)
}

// LastCompactAt returns when CompactStorage last actually merged
// segments, or the zero time if it never has.
func (s *Store) LastCompactAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastCompactAt
}

// LiveFraction reports the overall fraction of segment capacity that
// holds live records, used by the Maintenance Engine to decide whether
// compaction is worthwhile.
func (s *Store) LiveFraction() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := s.segmentsByCount()
	if len(counts) == 0 {
		return 1.0
	}
	var live, capacity int
	for _, c := range counts {
		live += c
		capacity += s.cfg.MaxEntriesPerFile
	}
	if capacity == 0 {
		return 1.0
	}
	return float64(live) / float64(capacity)
}

// GetMetrics returns a snapshot of aggregate storage metrics.
func (s *Store) GetMetrics() Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := Metrics{TotalRecords: len(s.idIndex), LastUpdate: s.metrics.LastUpdate}
	segSet := make(map[int]struct{})
	for _, seq := range s.idIndex {
		segSet[seq] = struct{}{}
	}
	m.SegmentCount = len(segSet)

	for seq := range segSet {
		path := s.segmentPath(seq)
		if info, err := os.Stat(path); err == nil {
			m.CompressedBytes += info.Size()
		}
		if records, err := s.loadSegment(seq); err == nil {
			for _, r := range records {
				m.UncompressedBytes += int64(len(r.Vector)*4 + len(r.VectorQuantized))
			}
		}
	}
	if m.CompressedBytes > 0 {
		m.CompressionRatio = float64(m.UncompressedBytes) / float64(m.CompressedBytes)
	}
	if m.SegmentCount > 0 {
		m.AvgRecordsPerFile = float64(m.TotalRecords) / float64(m.SegmentCount)
	}
	return m
}
