// Package demo supervises showcase capture sessions: frames pulled from a
// public stream are fanned out to detectors (or open-vocabulary prompts)
// and the latest frame is kept for live preview.
package demo

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// FrameTTL bounds how long a preview frame outlives its capture.
const FrameTTL = 60 * time.Second

// FrameStore keeps the most recent JPEG per session. Writes always land in
// the in-process map; with a Redis client configured the frame is also
// published there so other API replicas can serve the preview.
type FrameStore struct {
	rdb *redis.Client

	mu    sync.RWMutex
	local map[uuid.UUID][]byte
}

// NewFrameStore builds the store. A nil client keeps previews in-process only.
func NewFrameStore(rdb *redis.Client) *FrameStore {
	return &FrameStore{rdb: rdb, local: make(map[uuid.UUID][]byte)}
}

func frameKey(sessionID uuid.UUID) string {
	return fmt.Sprintf("demo:latest:%s", sessionID)
}

// Put replaces the latest frame. Redis trouble is logged, never fatal; the
// preview degrades to single-instance instead of failing the capture.
func (s *FrameStore) Put(ctx context.Context, sessionID uuid.UUID, jpeg []byte) {
	s.mu.Lock()
	s.local[sessionID] = jpeg
	s.mu.Unlock()

	if s.rdb == nil {
		return
	}
	if err := s.rdb.Set(ctx, frameKey(sessionID), jpeg, FrameTTL).Err(); err != nil {
		log.Printf("[Demo] session %s: store preview frame: %v", sessionID, err)
	}
}

// Get returns the latest frame, preferring the in-process copy.
func (s *FrameStore) Get(ctx context.Context, sessionID uuid.UUID) ([]byte, bool) {
	s.mu.RLock()
	jpeg, ok := s.local[sessionID]
	s.mu.RUnlock()
	if ok {
		return jpeg, true
	}

	if s.rdb == nil {
		return nil, false
	}
	raw, err := s.rdb.Get(ctx, frameKey(sessionID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Printf("[Demo] session %s: load preview frame: %v", sessionID, err)
		}
		return nil, false
	}
	return raw, true
}

// Drop releases the frame when a session stops.
func (s *FrameStore) Drop(ctx context.Context, sessionID uuid.UUID) {
	s.mu.Lock()
	delete(s.local, sessionID)
	s.mu.Unlock()

	if s.rdb == nil {
		return
	}
	if err := s.rdb.Del(ctx, frameKey(sessionID)).Err(); err != nil {
		log.Printf("[Demo] session %s: drop preview frame: %v", sessionID, err)
	}
}
