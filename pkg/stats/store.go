// Package stats aggregates per-request usage into five minute buckets keyed
// by account and model, with optional JSON persistence across restarts.
package stats

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/driftware/chatbridge/pkg/cache"
)

const bucketSize = 5 * time.Minute
const persistInterval = 5 * time.Second
const retention = 30 * 24 * time.Hour

type UsageEvent struct {
	Timestamp        time.Time `json:"timestamp"`
	Account          string    `json:"account"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	LatencyMS        int64     `json:"latency_ms"`
}

type Bucket struct {
	StartAt          time.Time `json:"start_at"`
	Account          string    `json:"account"`
	Model            string    `json:"model"`
	Requests         int       `json:"requests"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	LatencyMSSum     int64     `json:"latency_ms_sum"`
}

type Summary struct {
	PeriodSeconds      int64          `json:"period_seconds"`
	Requests           int            `json:"requests"`
	PromptTokens       int            `json:"prompt_tokens"`
	CompletionTokens   int            `json:"completion_tokens"`
	TotalTokens        int            `json:"total_tokens"`
	AvgLatencyMS       float64        `json:"avg_latency_ms"`
	RequestsPerAccount map[string]int `json:"requests_per_account"`
	RequestsPerModel   map[string]int `json:"requests_per_model"`
	Buckets            []Bucket       `json:"buckets,omitempty"`
}

type statsFile struct {
	Version int      `json:"version"`
	Buckets []Bucket `json:"buckets"`
}

type Store struct {
	mu       sync.RWMutex
	buckets  map[string]*Bucket
	maxKeep  int
	path     string
	dirty    bool
	lastSave time.Time
	now      func() time.Time
}

// NewStore builds an in-memory store; pass a non-empty path to also persist
// buckets as JSON between restarts.
func NewStore(maxKeep int, path string) *Store {
	if maxKeep <= 0 {
		maxKeep = 10000
	}
	s := &Store{
		buckets: map[string]*Bucket{},
		maxKeep: maxKeep,
		path:    strings.TrimSpace(path),
		now:     func() time.Time { return time.Now() },
	}
	if s.path != "" {
		s.load()
	}
	return s
}

// SetNowFunc overrides the wall clock, for tests.
func (s *Store) SetNowFunc(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Store) Add(evt UsageEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := evt.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	start := ts.UTC().Truncate(bucketSize)
	key := bucketKey(start, evt.Account, evt.Model)
	b, ok := s.buckets[key]
	if !ok {
		b = &Bucket{StartAt: start, Account: evt.Account, Model: evt.Model}
		s.buckets[key] = b
	}
	b.Requests++
	b.PromptTokens += evt.PromptTokens
	b.CompletionTokens += evt.CompletionTokens
	b.LatencyMSSum += evt.LatencyMS
	s.pruneLocked()
	s.dirty = true
	if s.path != "" && s.now().Sub(s.lastSave) >= persistInterval {
		s.saveLocked()
	}
}

func (s *Store) Summary(period time.Duration) Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := s.now().Add(-period)
	summary := Summary{
		PeriodSeconds:      int64(period.Seconds()),
		RequestsPerAccount: map[string]int{},
		RequestsPerModel:   map[string]int{},
	}
	var latencySum int64
	for _, b := range s.buckets {
		if b.StartAt.Add(bucketSize).Before(cutoff) {
			continue
		}
		summary.Requests += b.Requests
		summary.PromptTokens += b.PromptTokens
		summary.CompletionTokens += b.CompletionTokens
		latencySum += b.LatencyMSSum
		summary.RequestsPerAccount[b.Account] += b.Requests
		summary.RequestsPerModel[b.Model] += b.Requests
		summary.Buckets = append(summary.Buckets, *b)
	}
	summary.TotalTokens = summary.PromptTokens + summary.CompletionTokens
	sort.Slice(summary.Buckets, func(i, j int) bool {
		if summary.Buckets[i].StartAt.Equal(summary.Buckets[j].StartAt) {
			if summary.Buckets[i].Account == summary.Buckets[j].Account {
				return summary.Buckets[i].Model < summary.Buckets[j].Model
			}
			return summary.Buckets[i].Account < summary.Buckets[j].Account
		}
		return summary.Buckets[i].StartAt.Before(summary.Buckets[j].StartAt)
	})
	if summary.Requests > 0 {
		summary.AvgLatencyMS = float64(latencySum) / float64(summary.Requests)
	}
	return summary
}

// Flush forces a persist regardless of the save interval.
func (s *Store) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveLocked()
}

func bucketKey(start time.Time, account, model string) string {
	return start.Format(time.RFC3339) + "|" + account + "|" + model
}

func (s *Store) pruneLocked() {
	if len(s.buckets) == 0 {
		return
	}
	cutoff := s.now().Add(-retention)
	for k, b := range s.buckets {
		if b.StartAt.Before(cutoff) {
			delete(s.buckets, k)
		}
	}
	if len(s.buckets) <= s.maxKeep {
		return
	}
	type kv struct {
		key string
		at  time.Time
	}
	items := make([]kv, 0, len(s.buckets))
	for k, b := range s.buckets {
		items = append(items, kv{key: k, at: b.StartAt})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].at.Before(items[j].at) })
	drop := len(items) - s.maxKeep
	for i := 0; i < drop; i++ {
		delete(s.buckets, items[i].key)
	}
}

func (s *Store) load() {
	var payload statsFile
	if err := cache.LoadJSON(s.path, &payload); err != nil {
		return
	}
	if payload.Version != 1 {
		return
	}
	for i := range payload.Buckets {
		bk := payload.Buckets[i]
		c := bk
		s.buckets[bucketKey(bk.StartAt, bk.Account, bk.Model)] = &c
	}
	s.pruneLocked()
}

func (s *Store) saveLocked() {
	if s.path == "" || !s.dirty {
		return
	}
	out := statsFile{Version: 1, Buckets: make([]Bucket, 0, len(s.buckets))}
	for _, b := range s.buckets {
		out.Buckets = append(out.Buckets, *b)
	}
	sort.Slice(out.Buckets, func(i, j int) bool {
		if out.Buckets[i].StartAt.Equal(out.Buckets[j].StartAt) {
			if out.Buckets[i].Account == out.Buckets[j].Account {
				return out.Buckets[i].Model < out.Buckets[j].Model
			}
			return out.Buckets[i].Account < out.Buckets[j].Account
		}
		return out.Buckets[i].StartAt.Before(out.Buckets[j].StartAt)
	})
	if err := cache.SaveJSON(s.path, out); err != nil {
		return
	}
	s.lastSave = s.now()
	s.dirty = false
}
