package logging

import (
	"strings"
	"sync"
)

// ProgressSampler suppresses repetitive progress logs while preserving signal
// when stages or percentage buckets change. Each job is tracked separately so
// one sampler can be shared by every engine.
type ProgressSampler struct {
	mu         sync.Mutex
	bucketSize float64
	jobs       map[string]*progressMark
}

type progressMark struct {
	stage  string
	bucket int
}

// NewProgressSampler constructs a sampler that emits when the percent crosses
// bucket boundaries (default 5%) or when the stage changes.
func NewProgressSampler(bucketSize float64) *ProgressSampler {
	if bucketSize <= 0 {
		bucketSize = 5
	}
	return &ProgressSampler{bucketSize: bucketSize, jobs: make(map[string]*progressMark)}
}

// ShouldLog reports whether a progress update for jobID should be logged.
// A negative percent means "unknown" and only stage changes emit.
func (s *ProgressSampler) ShouldLog(jobID, stage string, percent float64) bool {
	if s == nil {
		return true
	}
	stage = strings.TrimSpace(stage)

	s.mu.Lock()
	defer s.mu.Unlock()
	mark, ok := s.jobs[jobID]
	if !ok {
		mark = &progressMark{bucket: -1}
		s.jobs[jobID] = mark
	}
	emit := false
	if stage != "" && stage != mark.stage {
		mark.stage = stage
		mark.bucket = -1
		emit = true
	}
	if percent >= 0 {
		if percent > 100 {
			percent = 100
		}
		bucket := int(percent / s.bucketSize)
		if bucket > mark.bucket {
			mark.bucket = bucket
			emit = true
		}
	}
	return emit
}

// Forget drops the state held for jobID once the job leaves an engine.
func (s *ProgressSampler) Forget(jobID string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	delete(s.jobs, jobID)
	s.mu.Unlock()
}
