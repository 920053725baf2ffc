// Package metrics counts what a run did: the per-file tally and decode throughput.
package metrics

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

type Metrics struct {
	// file tally
	filesProcessed atomic.Int64
	filesSucceeded atomic.Int64
	filesFailed    atomic.Int64
	filesSkipped   atomic.Int64

	// input access
	mmapUsage     atomic.Int64
	mmapFallback  atomic.Int64
	mmapTotalSize atomic.Int64

	// decode
	decryptionCount     atomic.Int64
	decryptionDuration  atomic.Int64 // ns
	totalBytesDecrypted atomic.Int64
	parallelDecodes     atomic.Int64
}

var GlobalMetrics = &Metrics{}

func (m *Metrics) RecordFileProcessed() { m.filesProcessed.Add(1) }
func (m *Metrics) RecordFileSucceeded() { m.filesSucceeded.Add(1) }
func (m *Metrics) RecordFileFailed()    { m.filesFailed.Add(1) }

// RecordFileSkipped counts inputs left alone: already converted, or not
// encrypted at all.
func (m *Metrics) RecordFileSkipped() { m.filesSkipped.Add(1) }

func (m *Metrics) RecordMmapUsage(size int64) {
	m.mmapUsage.Add(1)
	m.mmapTotalSize.Add(size)
}

func (m *Metrics) RecordMmapFallback() { m.mmapFallback.Add(1) }

func (m *Metrics) RecordDecryption(duration time.Duration, bytesDecrypted int64, parallel bool) {
	m.decryptionCount.Add(1)
	m.decryptionDuration.Add(int64(duration))
	m.totalBytesDecrypted.Add(bytesDecrypted)
	if parallel {
		m.parallelDecodes.Add(1)
	}
}

type Snapshot struct {
	FilesProcessed int64 `json:"processed"`
	FilesSucceeded int64 `json:"succeeded"`
	FilesFailed    int64 `json:"failed"`
	FilesSkipped   int64 `json:"skipped"`

	MmapUsage     int64 `json:"mmap_usage"`
	MmapFallback  int64 `json:"mmap_fallback"`
	MmapTotalSize int64 `json:"mmap_total_size"`

	DecryptionCount     int64         `json:"decryption_count"`
	DecryptionDuration  time.Duration `json:"decryption_duration"`
	TotalBytesDecrypted int64         `json:"total_bytes_decrypted"`
	ParallelDecodes     int64         `json:"parallel_decodes"`
}

func (m *Metrics) GetSnapshot() Snapshot {
	return Snapshot{
		FilesProcessed:      m.filesProcessed.Load(),
		FilesSucceeded:      m.filesSucceeded.Load(),
		FilesFailed:         m.filesFailed.Load(),
		FilesSkipped:        m.filesSkipped.Load(),
		MmapUsage:           m.mmapUsage.Load(),
		MmapFallback:        m.mmapFallback.Load(),
		MmapTotalSize:       m.mmapTotalSize.Load(),
		DecryptionCount:     m.decryptionCount.Load(),
		DecryptionDuration:  time.Duration(m.decryptionDuration.Load()),
		TotalBytesDecrypted: m.totalBytesDecrypted.Load(),
		ParallelDecodes:     m.parallelDecodes.Load(),
	}
}

func (m *Metrics) Reset() {
	for _, v := range []*atomic.Int64{
		&m.filesProcessed, &m.filesSucceeded, &m.filesFailed, &m.filesSkipped,
		&m.mmapUsage, &m.mmapFallback, &m.mmapTotalSize,
		&m.decryptionCount, &m.decryptionDuration, &m.totalBytesDecrypted, &m.parallelDecodes,
	} {
		v.Store(0)
	}
}

// DecryptionSpeed is in bytes per second.
func (s Snapshot) DecryptionSpeed() float64 {
	if s.DecryptionDuration <= 0 {
		return 0
	}
	return float64(s.TotalBytesDecrypted) / s.DecryptionDuration.Seconds()
}

func (s Snapshot) FileSuccessRate() float64 {
	if s.FilesProcessed == 0 {
		return 0
	}
	return float64(s.FilesSucceeded) / float64(s.FilesProcessed)
}

func (s Snapshot) MmapSuccessRate() float64 {
	total := s.MmapUsage + s.MmapFallback
	if total == 0 {
		return 0
	}
	return float64(s.MmapUsage) / float64(total)
}

// Summary is the one-line tally printed at the end of a run.
func (s Snapshot) Summary() string {
	return fmt.Sprintf("processed %d, succeeded %d, failed %d, skipped %d; decoded %s at %s/s",
		s.FilesProcessed, s.FilesSucceeded, s.FilesFailed, s.FilesSkipped,
		humanize.IBytes(uint64(s.TotalBytesDecrypted)),
		humanize.IBytes(uint64(s.DecryptionSpeed())),
	)
}
