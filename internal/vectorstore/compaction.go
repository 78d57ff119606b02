package vectorstore

import (
	"os"
	"time"
)

// CompactStorage merges segments whose live fraction (entry_count /
// max_entries_per_file) is below cfg.CompactionLiveFraction into
// fewer, fuller segments, deleting the emptied originals.
func (s *Store) CompactStorage() (CompactionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	segments := s.segmentsByCount()
	var sparse []int
	var reclaimCandidateBytes int64
	for seq, count := range segments {
		liveFraction := float64(count) / float64(s.cfg.MaxEntriesPerFile)
		if liveFraction < s.cfg.CompactionLiveFraction {
			sparse = append(sparse, seq)
			if info, err := os.Stat(s.segmentPath(seq)); err == nil {
				reclaimCandidateBytes += info.Size()
			}
		}
	}

	result := CompactionResult{}
	if len(sparse) < 2 {
		result.EntriesRemaining = len(s.idIndex)
		return result, nil
	}
	s.lastCompactAt = time.Now()

	var pooled []Record
	for _, seq := range sparse {
		records, err := s.loadSegment(seq)
		if err != nil {
			return result, err
		}
		pooled = append(pooled, records...)
	}

	var newSegSizes int64
	filesCompacted := 0
	for len(pooled) > 0 {
		batchSize := s.cfg.MaxEntriesPerFile
		if batchSize > len(pooled) {
			batchSize = len(pooled)
		}
		batch := pooled[:batchSize]
		pooled = pooled[batchSize:]

		s.lastSeq++
		seq := s.lastSeq
		if err := s.writeSegment(seq, batch); err != nil {
			return result, err
		}
		filesCompacted++
		if info, err := os.Stat(s.segmentPath(seq)); err == nil {
			newSegSizes += info.Size()
		}
		for _, r := range batch {
			s.idIndex[r.ID] = seq
		}
	}

	for _, seq := range sparse {
		path := s.segmentPath(seq)
		_ = os.Remove(path)
		s.segCache.Remove(seq)
	}

	result.FilesRemoved = len(sparse)
	result.FilesCompacted = filesCompacted
	result.EntriesRemaining = len(s.idIndex)
	result.BytesReclaimed = reclaimCandidateBytes - newSegSizes
	if result.BytesReclaimed < 0 {
		result.BytesReclaimed = 0
	}
	return result, nil
}

// segmentsByCount returns, for each segment currently referenced by
// the id index, how many live records it holds. Caller must hold s.mu.
func (s *Store) segmentsByCount() map[int]int {
	counts := make(map[int]int)
	for _, seq := range s.idIndex {
		counts[seq]++
	}
	return counts
}

// ValidateIntegrity traverses all segments on disk, verifying headers
// and checksums, and cross-references their contents against the
// in-memory id index.
func (s *Store) ValidateIntegrity() IntegrityReport {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := IntegrityReport{}
	seenIDs := make(map[string]bool)

	entries, err := os.ReadDir(s.cfg.StorageDir)
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
		return report
	}

	for _, e := range entries {
		seq, ok := parseSegmentSeq(e.Name())
		if !ok {
			continue
		}
		data, err := os.ReadFile(s.segmentPath(seq))
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
			continue
		}
		_, records, err := decodeSegment(data)
		if err != nil {
			report.CorruptedFiles = append(report.CorruptedFiles, e.Name())
			report.Errors = append(report.Errors, e.Name()+": "+err.Error())
			continue
		}
		for _, r := range records {
			seenIDs[r.ID] = true
			if indexedSeq, ok := s.idIndex[r.ID]; !ok || indexedSeq != seq {
				report.OrphanedEntries = append(report.OrphanedEntries, r.ID)
				continue
			}
			report.ValidEntries++
		}
	}

	for id := range s.idIndex {
		if !seenIDs[id] {
			report.OrphanedEntries = append(report.OrphanedEntries, id)
		}
	}

	return report
}
