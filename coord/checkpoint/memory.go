package checkpoint

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory checkpoint store. Thread-safe.
type MemStore struct {
	mu          sync.Mutex
	sessions    map[int64]*memSession
	checkpoints map[int64]*Checkpoint
	sessionSeq  int64
	cpSeq       int64
}

type memSession struct {
	toolTrack int64
}

// NewMemStore creates an empty in-memory checkpoint store.
func NewMemStore() *MemStore {
	return &MemStore{
		sessions:    make(map[int64]*memSession),
		checkpoints: make(map[int64]*Checkpoint),
	}
}

func (s *MemStore) CreateSession(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionSeq++
	s.sessions[s.sessionSeq] = &memSession{}
	return s.sessionSeq, nil
}

func (s *MemStore) SaveCheckpoint(_ context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[cp.SessionID]
	if !ok {
		return ErrNotFound
	}
	sess.toolTrack++
	s.cpSeq++

	stored := cp.Clone()
	stored.ID = s.cpSeq
	stored.ToolTrackPosition = sess.toolTrack
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.checkpoints[stored.ID] = stored

	cp.ID = stored.ID
	cp.ToolTrackPosition = stored.ToolTrackPosition
	cp.CreatedAt = stored.CreatedAt
	return nil
}

func (s *MemStore) GetCheckpoint(_ context.Context, id int64) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cp.Clone(), nil
}

func (s *MemStore) ListCheckpoints(_ context.Context, sessionID int64) ([]*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, ErrNotFound
	}
	var out []*Checkpoint
	for _, cp := range s.checkpoints {
		if cp.SessionID == sessionID {
			out = append(out, cp.Clone())
		}
	}
	sortCheckpoints(out)
	return out, nil
}

func (s *MemStore) DeleteCheckpoint(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.checkpoints[id]; !ok {
		return ErrNotFound
	}
	delete(s.checkpoints, id)
	return nil
}

func (s *MemStore) UpdateMetadata(_ context.Context, id int64, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[id]
	if !ok {
		return ErrNotFound
	}
	if cp.Metadata == nil {
		cp.Metadata = make(map[string]any, len(metadata))
	}
	for k, v := range metadata {
		cp.Metadata[k] = v
	}
	return nil
}

func (s *MemStore) RewindToolTrack(_ context.Context, sessionID, position int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	sess.toolTrack = position
	return nil
}

func (s *MemStore) Branch(ctx context.Context, checkpointID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.checkpoints[checkpointID]
	if !ok {
		return 0, ErrNotFound
	}

	var prefix []*Checkpoint
	for _, cp := range s.checkpoints {
		if cp.SessionID != target.SessionID {
			continue
		}
		if beforeOrEqual(cp, target) {
			prefix = append(prefix, cp)
		}
	}
	sortCheckpoints(prefix)

	s.sessionSeq++
	newSession := s.sessionSeq
	s.sessions[newSession] = &memSession{toolTrack: target.ToolTrackPosition}

	for _, cp := range prefix {
		s.cpSeq++
		copied := cp.Clone()
		copied.ID = s.cpSeq
		copied.SessionID = newSession
		s.checkpoints[copied.ID] = copied
	}
	return newSession, nil
}

// beforeOrEqual orders by tool-track position, ties by id.
func beforeOrEqual(cp, target *Checkpoint) bool {
	if cp.ToolTrackPosition != target.ToolTrackPosition {
		return cp.ToolTrackPosition < target.ToolTrackPosition
	}
	return cp.ID <= target.ID
}

func sortCheckpoints(cps []*Checkpoint) {
	sort.Slice(cps, func(i, j int) bool {
		if cps[i].ToolTrackPosition != cps[j].ToolTrackPosition {
			return cps[i].ToolTrackPosition < cps[j].ToolTrackPosition
		}
		return cps[i].ID < cps[j].ID
	})
}
