package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemFactory is an in-memory Factory. All units of work it creates share
// one backing database; committed writes are immediately visible to
// subsequently created units of work, staged writes are private until
// Commit.
//
// Designed for tests and single-process use. Thread-safe.
type MemFactory struct {
	db *memDB
}

// NewMemFactory creates an empty in-memory store.
func NewMemFactory() *MemFactory {
	return &MemFactory{db: newMemDB()}
}

// Begin opens a new unit of work over the shared backing database.
func (f *MemFactory) Begin(_ context.Context) (UnitOfWork, error) {
	return newMemUoW(f.db), nil
}

// memDB is the shared committed state. All access goes through mu.
type memDB struct {
	mu sync.Mutex

	executions    map[string]*Execution
	workflows     map[string]*Workflow
	workflowNames map[string]string // name \x00 version -> id
	variants      map[string]*NodeVariant
	outbox        map[int64]*OutboxEvent
	outboxByEvent map[string]int64
	outboxByIdem  map[string]int64
	links         map[int64]*CheckpointFileLink
	commits       map[string]*FileCommit
	blobs         map[string][]byte
	boundaries    map[int64]*NodeBoundary

	outboxSeq   int64
	boundarySeq int64
}

func newMemDB() *memDB {
	return &memDB{
		executions:    make(map[string]*Execution),
		workflows:     make(map[string]*Workflow),
		workflowNames: make(map[string]string),
		variants:      make(map[string]*NodeVariant),
		outbox:        make(map[int64]*OutboxEvent),
		outboxByEvent: make(map[string]int64),
		outboxByIdem:  make(map[string]int64),
		links:         make(map[int64]*CheckpointFileLink),
		commits:       make(map[string]*FileCommit),
		blobs:         make(map[string][]byte),
		boundaries:    make(map[int64]*NodeBoundary),
	}
}

func nameVersionKey(name, version string) string {
	return name + "\x00" + version
}

// memUoW buffers writes in staged maps and applies them to the shared
// database on Commit. Reads see staged writes overlaid on committed
// state. Not safe for concurrent use, matching the UnitOfWork contract.
type memUoW struct {
	db   *memDB
	done bool

	execStaged  map[string]*Execution
	execAdded   map[string]bool
	wfStaged    map[string]*Workflow
	wfAdded     map[string]bool
	varStaged   map[string]*NodeVariant
	varAdded    map[string]bool
	obStaged    map[int64]*OutboxEvent
	obAdded     map[int64]bool
	obDeleted   map[int64]bool
	linkStaged  map[int64]*CheckpointFileLink
	linkAdded   map[int64]bool
	linkDeleted map[int64]bool
	cmStaged    map[string]*FileCommit
	cmAdded     map[string]bool
	cmDeleted   map[string]bool
	blobStaged  map[string][]byte
	bndStaged   map[int64]*NodeBoundary
	bndAdded    map[int64]bool
}

func newMemUoW(db *memDB) *memUoW {
	return &memUoW{
		db:          db,
		execStaged:  make(map[string]*Execution),
		execAdded:   make(map[string]bool),
		wfStaged:    make(map[string]*Workflow),
		wfAdded:     make(map[string]bool),
		varStaged:   make(map[string]*NodeVariant),
		varAdded:    make(map[string]bool),
		obStaged:    make(map[int64]*OutboxEvent),
		obAdded:     make(map[int64]bool),
		obDeleted:   make(map[int64]bool),
		linkStaged:  make(map[int64]*CheckpointFileLink),
		linkAdded:   make(map[int64]bool),
		linkDeleted: make(map[int64]bool),
		cmStaged:    make(map[string]*FileCommit),
		cmAdded:     make(map[string]bool),
		cmDeleted:   make(map[string]bool),
		blobStaged:  make(map[string][]byte),
		bndStaged:   make(map[int64]*NodeBoundary),
		bndAdded:    make(map[int64]bool),
	}
}

func (u *memUoW) Executions() ExecutionRepository           { return &memExecRepo{u} }
func (u *memUoW) Workflows() WorkflowRepository             { return &memWorkflowRepo{u} }
func (u *memUoW) Variants() VariantRepository               { return &memVariantRepo{u} }
func (u *memUoW) Outbox() OutboxRepository                  { return &memOutboxRepo{u} }
func (u *memUoW) CheckpointFiles() CheckpointFileRepository { return &memLinkRepo{u} }
func (u *memUoW) FileCommits() FileCommitRepository         { return &memCommitRepo{u} }
func (u *memUoW) Blobs() BlobRepository                     { return &memBlobRepo{u} }
func (u *memUoW) NodeBoundaries() NodeBoundaryRepository    { return &memBoundaryRepo{u} }

// Commit validates staged writes against the committed state, then
// applies them under the database lock. Validation failures (version
// mismatch, unique collision) abort the whole commit.
func (u *memUoW) Commit() error {
	if u.done {
		return ErrDone
	}
	u.done = true

	u.db.mu.Lock()
	defer u.db.mu.Unlock()

	// Validate before touching anything.
	for id, e := range u.execStaged {
		cur, ok := u.db.executions[id]
		if u.execAdded[id] {
			if ok {
				return ErrConflict
			}
			continue
		}
		if !ok {
			return ErrNotFound
		}
		// Staged version is already bumped; the committed row must be
		// exactly one behind.
		if cur.Version != e.Version-1 {
			return ErrStaleState
		}
	}
	for id, w := range u.wfStaged {
		if u.wfAdded[id] {
			if _, ok := u.db.workflows[id]; ok {
				return ErrConflict
			}
			if _, ok := u.db.workflowNames[nameVersionKey(w.Name, w.Version)]; ok {
				return ErrConflict
			}
		}
	}
	for pk, e := range u.obStaged {
		if u.obAdded[pk] {
			if _, ok := u.db.outboxByEvent[e.EventID]; ok {
				return ErrConflict
			}
			if e.IdempotencyKey != "" {
				if _, ok := u.db.outboxByIdem[e.IdempotencyKey]; ok {
					return ErrConflict
				}
			}
		}
	}
	for cp := range u.linkStaged {
		if u.linkAdded[cp] {
			if _, ok := u.db.links[cp]; ok {
				return ErrConflict
			}
		}
	}
	for id := range u.cmStaged {
		if u.cmAdded[id] {
			if _, ok := u.db.commits[id]; ok {
				return ErrConflict
			}
		}
	}

	// Apply.
	for id, e := range u.execStaged {
		u.db.executions[id] = e.Clone()
	}
	for id, w := range u.wfStaged {
		cp := *w
		u.db.workflows[id] = &cp
		u.db.workflowNames[nameVersionKey(w.Name, w.Version)] = id
	}
	for id, v := range u.varStaged {
		cp := *v
		u.db.variants[id] = &cp
	}
	for pk := range u.obDeleted {
		if old, ok := u.db.outbox[pk]; ok {
			delete(u.db.outboxByEvent, old.EventID)
			if old.IdempotencyKey != "" {
				delete(u.db.outboxByIdem, old.IdempotencyKey)
			}
			delete(u.db.outbox, pk)
		}
	}
	for pk, e := range u.obStaged {
		if u.obDeleted[pk] {
			continue
		}
		u.db.outbox[pk] = e.Clone()
		u.db.outboxByEvent[e.EventID] = pk
		if e.IdempotencyKey != "" {
			u.db.outboxByIdem[e.IdempotencyKey] = pk
		}
	}
	for cp := range u.linkDeleted {
		delete(u.db.links, cp)
	}
	for cp, l := range u.linkStaged {
		if u.linkDeleted[cp] {
			continue
		}
		c := *l
		u.db.links[cp] = &c
	}
	for id := range u.cmDeleted {
		delete(u.db.commits, id)
	}
	for id, c := range u.cmStaged {
		if u.cmDeleted[id] {
			continue
		}
		u.db.commits[id] = c.Clone()
	}
	for hash, data := range u.blobStaged {
		if _, ok := u.db.blobs[hash]; !ok {
			cp := make([]byte, len(data))
			copy(cp, data)
			u.db.blobs[hash] = cp
		}
	}
	for id, b := range u.bndStaged {
		cp := *b
		u.db.boundaries[id] = &cp
	}
	return nil
}

// Rollback discards all staged writes.
func (u *memUoW) Rollback() error {
	if u.done {
		return ErrDone
	}
	u.done = true
	return nil
}

// ─── executions ───

type memExecRepo struct{ u *memUoW }

func (r *memExecRepo) Add(_ context.Context, e *Execution) error {
	if _, err := r.get(e.ID); err == nil {
		return ErrConflict
	}
	now := time.Now().UTC()
	cp := e.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	r.u.execStaged[e.ID] = cp
	r.u.execAdded[e.ID] = true
	*e = *cp.Clone()
	return nil
}

func (r *memExecRepo) get(id string) (*Execution, error) {
	if e, ok := r.u.execStaged[id]; ok {
		return e.Clone(), nil
	}
	r.u.db.mu.Lock()
	defer r.u.db.mu.Unlock()
	if e, ok := r.u.db.executions[id]; ok {
		return e.Clone(), nil
	}
	return nil, ErrNotFound
}

func (r *memExecRepo) Get(_ context.Context, id string) (*Execution, error) {
	return r.get(id)
}

func (r *memExecRepo) Update(_ context.Context, e *Execution) error {
	cur, err := r.get(e.ID)
	if err != nil {
		return err
	}
	if cur.Version != e.Version {
		return ErrStaleState
	}
	cp := e.Clone()
	cp.Version++
	cp.UpdatedAt = time.Now().UTC()
	r.u.execStaged[e.ID] = cp
	*e = *cp.Clone()
	return nil
}

func (r *memExecRepo) FindByStatus(_ context.Context, status ExecutionStatus, limit int) ([]*Execution, error) {
	seen := make(map[string]bool)
	var out []*Execution
	for id, e := range r.u.execStaged {
		seen[id] = true
		if e.Status == status {
			out = append(out, e.Clone())
		}
	}
	r.u.db.mu.Lock()
	for id, e := range r.u.db.executions {
		if !seen[id] && e.Status == status {
			out = append(out, e.Clone())
		}
	}
	r.u.db.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memExecRepo) FindByWorkflow(_ context.Context, workflowID string) ([]*Execution, error) {
	seen := make(map[string]bool)
	var out []*Execution
	for id, e := range r.u.execStaged {
		seen[id] = true
		if e.WorkflowID == workflowID {
			out = append(out, e.Clone())
		}
	}
	r.u.db.mu.Lock()
	for id, e := range r.u.db.executions {
		if !seen[id] && e.WorkflowID == workflowID {
			out = append(out, e.Clone())
		}
	}
	r.u.db.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ─── workflows ───

type memWorkflowRepo struct{ u *memUoW }

func (r *memWorkflowRepo) Add(_ context.Context, w *Workflow) error {
	if _, err := r.Get(nil, w.ID); err == nil {
		return ErrConflict
	}
	if _, err := r.FindByNameVersion(nil, w.Name, w.Version); err == nil {
		return ErrConflict
	}
	cp := *w
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	r.u.wfStaged[w.ID] = &cp
	r.u.wfAdded[w.ID] = true
	*w = cp
	return nil
}

func (r *memWorkflowRepo) Get(_ context.Context, id string) (*Workflow, error) {
	if w, ok := r.u.wfStaged[id]; ok {
		cp := *w
		return &cp, nil
	}
	r.u.db.mu.Lock()
	defer r.u.db.mu.Unlock()
	if w, ok := r.u.db.workflows[id]; ok {
		cp := *w
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (r *memWorkflowRepo) FindByNameVersion(_ context.Context, name, version string) (*Workflow, error) {
	for _, w := range r.u.wfStaged {
		if w.Name == name && w.Version == version {
			cp := *w
			return &cp, nil
		}
	}
	r.u.db.mu.Lock()
	defer r.u.db.mu.Unlock()
	if id, ok := r.u.db.workflowNames[nameVersionKey(name, version)]; ok {
		cp := *r.u.db.workflows[id]
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (r *memWorkflowRepo) List(_ context.Context, limit int) ([]*Workflow, error) {
	seen := make(map[string]bool)
	var out []*Workflow
	for id, w := range r.u.wfStaged {
		seen[id] = true
		cp := *w
		out = append(out, &cp)
	}
	r.u.db.mu.Lock()
	for id, w := range r.u.db.workflows {
		if !seen[id] {
			cp := *w
			out = append(out, &cp)
		}
	}
	r.u.db.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ─── variants ───

type memVariantRepo struct{ u *memUoW }

func (r *memVariantRepo) Add(_ context.Context, v *NodeVariant) error {
	if _, err := r.Get(nil, v.ID); err == nil {
		return ErrConflict
	}
	cp := *v
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	r.u.varStaged[v.ID] = &cp
	r.u.varAdded[v.ID] = true
	*v = cp
	return nil
}

func (r *memVariantRepo) Get(_ context.Context, id string) (*NodeVariant, error) {
	if v, ok := r.u.varStaged[id]; ok {
		cp := *v
		return &cp, nil
	}
	r.u.db.mu.Lock()
	defer r.u.db.mu.Unlock()
	if v, ok := r.u.db.variants[id]; ok {
		cp := *v
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (r *memVariantRepo) all() []*NodeVariant {
	seen := make(map[string]bool)
	var out []*NodeVariant
	for id, v := range r.u.varStaged {
		seen[id] = true
		cp := *v
		out = append(out, &cp)
	}
	r.u.db.mu.Lock()
	for id, v := range r.u.db.variants {
		if !seen[id] {
			cp := *v
			out = append(out, &cp)
		}
	}
	r.u.db.mu.Unlock()
	return out
}

func (r *memVariantRepo) FindByNode(_ context.Context, workflowID, nodeID string) ([]*NodeVariant, error) {
	var out []*NodeVariant
	for _, v := range r.all() {
		if v.WorkflowID == workflowID && v.NodeID == nodeID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memVariantRepo) GetActive(_ context.Context, workflowID, nodeID string) (*NodeVariant, error) {
	for _, v := range r.all() {
		if v.WorkflowID == workflowID && v.NodeID == nodeID && v.IsActive {
			return v, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memVariantRepo) SetActive(_ context.Context, id string) error {
	target, err := r.Get(nil, id)
	if err != nil {
		return err
	}
	for _, v := range r.all() {
		if v.WorkflowID == target.WorkflowID && v.NodeID == target.NodeID {
			v.IsActive = v.ID == id
			r.u.varStaged[v.ID] = v
		}
	}
	return nil
}

// ─── outbox ───

type memOutboxRepo struct{ u *memUoW }

func (r *memOutboxRepo) Add(_ context.Context, e *OutboxEvent) error {
	// Uniqueness against both staged and committed rows.
	for _, s := range r.u.obStaged {
		if s.EventID == e.EventID {
			return ErrConflict
		}
		if e.IdempotencyKey != "" && s.IdempotencyKey == e.IdempotencyKey {
			return ErrConflict
		}
	}
	r.u.db.mu.Lock()
	if _, ok := r.u.db.outboxByEvent[e.EventID]; ok {
		r.u.db.mu.Unlock()
		return ErrConflict
	}
	if e.IdempotencyKey != "" {
		if _, ok := r.u.db.outboxByIdem[e.IdempotencyKey]; ok {
			r.u.db.mu.Unlock()
			return ErrConflict
		}
	}
	// Reserve the PK now, like a SQL autoincrement; gaps on rollback
	// are expected.
	r.u.db.outboxSeq++
	pk := r.u.db.outboxSeq
	r.u.db.mu.Unlock()

	cp := e.Clone()
	cp.PK = pk
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	r.u.obStaged[pk] = cp
	r.u.obAdded[pk] = true
	*e = *cp.Clone()
	return nil
}

func (r *memOutboxRepo) getByPK(pk int64) (*OutboxEvent, bool) {
	if r.u.obDeleted[pk] {
		return nil, false
	}
	if e, ok := r.u.obStaged[pk]; ok {
		return e.Clone(), true
	}
	r.u.db.mu.Lock()
	defer r.u.db.mu.Unlock()
	if e, ok := r.u.db.outbox[pk]; ok {
		return e.Clone(), true
	}
	return nil, false
}

func (r *memOutboxRepo) all() []*OutboxEvent {
	seen := make(map[int64]bool)
	var out []*OutboxEvent
	for pk, e := range r.u.obStaged {
		seen[pk] = true
		if !r.u.obDeleted[pk] {
			out = append(out, e.Clone())
		}
	}
	r.u.db.mu.Lock()
	for pk, e := range r.u.db.outbox {
		if !seen[pk] && !r.u.obDeleted[pk] {
			out = append(out, e.Clone())
		}
	}
	r.u.db.mu.Unlock()
	return out
}

func sortByCreatedAsc(events []*OutboxEvent) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].PK < events[j].PK
		}
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
}

func (r *memOutboxRepo) GetByEventID(_ context.Context, eventID string) (*OutboxEvent, error) {
	for _, e := range r.all() {
		if e.EventID == eventID {
			return e, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memOutboxRepo) GetPending(_ context.Context, limit int) ([]*OutboxEvent, error) {
	var out []*OutboxEvent
	for _, e := range r.all() {
		if e.Status == OutboxPending {
			out = append(out, e)
		}
	}
	sortByCreatedAsc(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memOutboxRepo) GetFailedForRetry(_ context.Context, limit int) ([]*OutboxEvent, error) {
	var out []*OutboxEvent
	for _, e := range r.all() {
		if e.Status == OutboxFailed && e.RetryCount < e.MaxRetries {
			out = append(out, e)
		}
	}
	sortByCreatedAsc(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memOutboxRepo) Update(_ context.Context, e *OutboxEvent) error {
	cur, ok := r.getByPK(e.PK)
	if !ok {
		return ErrNotFound
	}
	cur.Status = e.Status
	cur.RetryCount = e.RetryCount
	cur.ProcessedAt = e.ProcessedAt
	cur.LastError = e.LastError
	r.u.obStaged[e.PK] = cur
	return nil
}

// Claim is the conditional PENDING -> PROCESSING transition. In the
// memory store it is applied directly to the shared state so that
// exactly one of several concurrent workers wins, matching the SQL
// implementations' conditional UPDATE.
func (r *memOutboxRepo) Claim(_ context.Context, pk int64) (bool, error) {
	r.u.db.mu.Lock()
	defer r.u.db.mu.Unlock()
	e, ok := r.u.db.outbox[pk]
	if !ok {
		// The event may be staged in this unit of work and not yet
		// committed; claim it locally.
		if s, sok := r.u.obStaged[pk]; sok && s.Status == OutboxPending {
			s.MarkProcessing()
			return true, nil
		}
		return false, ErrNotFound
	}
	if e.Status != OutboxPending {
		return false, nil
	}
	e.MarkProcessing()
	return true, nil
}

func (r *memOutboxRepo) DeleteProcessed(_ context.Context, before time.Time, limit int) (int, error) {
	candidates := r.all()
	sortByCreatedAsc(candidates)
	n := 0
	for _, e := range candidates {
		if e.Status != OutboxProcessed || e.ProcessedAt == nil || !e.ProcessedAt.Before(before) {
			continue
		}
		r.u.obDeleted[e.PK] = true
		n++
		if limit > 0 && n >= limit {
			break
		}
	}
	return n, nil
}

func (r *memOutboxRepo) FindByIdempotencyKey(_ context.Context, key string) (*OutboxEvent, error) {
	if key == "" {
		return nil, ErrNotFound
	}
	for _, e := range r.all() {
		if e.IdempotencyKey == key {
			return e, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memOutboxRepo) GetStuckProcessing(_ context.Context, olderThan time.Time, limit int) ([]*OutboxEvent, error) {
	var out []*OutboxEvent
	for _, e := range r.all() {
		if e.Status != OutboxProcessing {
			continue
		}
		// Rows claimed before the stamp existed fall back to created_at.
		claimed := e.CreatedAt
		if e.ClaimedAt != nil {
			claimed = *e.ClaimedAt
		}
		if claimed.Before(olderThan) {
			out = append(out, e)
		}
	}
	sortByCreatedAsc(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memOutboxRepo) ListAll(_ context.Context, limit int) ([]*OutboxEvent, error) {
	out := r.all()
	sortByCreatedAsc(out)
	// Newest first for admin listing.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ─── checkpoint-file links ───

type memLinkRepo struct{ u *memUoW }

func (r *memLinkRepo) Add(_ context.Context, l *CheckpointFileLink) error {
	if _, err := r.FindByCheckpoint(nil, l.CheckpointID); err == nil {
		return ErrConflict
	}
	cp := *l
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	r.u.linkStaged[l.CheckpointID] = &cp
	r.u.linkAdded[l.CheckpointID] = true
	delete(r.u.linkDeleted, l.CheckpointID)
	return nil
}

func (r *memLinkRepo) FindByCheckpoint(_ context.Context, checkpointID int64) (*CheckpointFileLink, error) {
	if r.u.linkDeleted[checkpointID] {
		return nil, ErrNotFound
	}
	if l, ok := r.u.linkStaged[checkpointID]; ok {
		cp := *l
		return &cp, nil
	}
	r.u.db.mu.Lock()
	defer r.u.db.mu.Unlock()
	if l, ok := r.u.db.links[checkpointID]; ok {
		cp := *l
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (r *memLinkRepo) List(_ context.Context) ([]*CheckpointFileLink, error) {
	seen := make(map[int64]bool)
	var out []*CheckpointFileLink
	for cp, l := range r.u.linkStaged {
		seen[cp] = true
		if !r.u.linkDeleted[cp] {
			c := *l
			out = append(out, &c)
		}
	}
	r.u.db.mu.Lock()
	for cp, l := range r.u.db.links {
		if !seen[cp] && !r.u.linkDeleted[cp] {
			c := *l
			out = append(out, &c)
		}
	}
	r.u.db.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CheckpointID < out[j].CheckpointID })
	return out, nil
}

func (r *memLinkRepo) Delete(_ context.Context, checkpointID int64) error {
	if _, err := r.FindByCheckpoint(nil, checkpointID); err != nil {
		return err
	}
	r.u.linkDeleted[checkpointID] = true
	return nil
}

// ─── file commits ───

type memCommitRepo struct{ u *memUoW }

func (r *memCommitRepo) Add(_ context.Context, c *FileCommit) error {
	if _, err := r.Get(nil, c.ID); err == nil {
		return ErrConflict
	}
	cp := c.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	r.u.cmStaged[c.ID] = cp
	r.u.cmAdded[c.ID] = true
	delete(r.u.cmDeleted, c.ID)
	return nil
}

func (r *memCommitRepo) Get(_ context.Context, id string) (*FileCommit, error) {
	if r.u.cmDeleted[id] {
		return nil, ErrNotFound
	}
	if c, ok := r.u.cmStaged[id]; ok {
		return c.Clone(), nil
	}
	r.u.db.mu.Lock()
	defer r.u.db.mu.Unlock()
	if c, ok := r.u.db.commits[id]; ok {
		return c.Clone(), nil
	}
	return nil, ErrNotFound
}

func (r *memCommitRepo) List(_ context.Context, limit int) ([]*FileCommit, error) {
	seen := make(map[string]bool)
	var out []*FileCommit
	for id, c := range r.u.cmStaged {
		seen[id] = true
		if !r.u.cmDeleted[id] {
			out = append(out, c.Clone())
		}
	}
	r.u.db.mu.Lock()
	for id, c := range r.u.db.commits {
		if !seen[id] && !r.u.cmDeleted[id] {
			out = append(out, c.Clone())
		}
	}
	r.u.db.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memCommitRepo) Delete(_ context.Context, id string) error {
	if _, err := r.Get(nil, id); err != nil {
		return err
	}
	r.u.cmDeleted[id] = true
	return nil
}

// ─── blobs ───

type memBlobRepo struct{ u *memUoW }

func (r *memBlobRepo) Put(_ context.Context, hash string, data []byte) error {
	if ok, _ := r.Exists(nil, hash); ok {
		return nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	r.u.blobStaged[hash] = cp
	return nil
}

func (r *memBlobRepo) Get(_ context.Context, hash string) ([]byte, error) {
	if data, ok := r.u.blobStaged[hash]; ok {
		cp := make([]byte, len(data))
		copy(cp, data)
		return cp, nil
	}
	r.u.db.mu.Lock()
	defer r.u.db.mu.Unlock()
	if data, ok := r.u.db.blobs[hash]; ok {
		cp := make([]byte, len(data))
		copy(cp, data)
		return cp, nil
	}
	return nil, ErrNotFound
}

func (r *memBlobRepo) Exists(_ context.Context, hash string) (bool, error) {
	if _, ok := r.u.blobStaged[hash]; ok {
		return true, nil
	}
	r.u.db.mu.Lock()
	defer r.u.db.mu.Unlock()
	_, ok := r.u.db.blobs[hash]
	return ok, nil
}

// ─── node boundaries ───

type memBoundaryRepo struct{ u *memUoW }

func (r *memBoundaryRepo) Add(_ context.Context, b *NodeBoundary) error {
	r.u.db.mu.Lock()
	r.u.db.boundarySeq++
	id := r.u.db.boundarySeq
	r.u.db.mu.Unlock()

	cp := *b
	cp.ID = id
	if cp.StartedAt.IsZero() {
		cp.StartedAt = time.Now().UTC()
	}
	r.u.bndStaged[id] = &cp
	r.u.bndAdded[id] = true
	*b = cp
	return nil
}

func (r *memBoundaryRepo) all() []*NodeBoundary {
	seen := make(map[int64]bool)
	var out []*NodeBoundary
	for id, b := range r.u.bndStaged {
		seen[id] = true
		cp := *b
		out = append(out, &cp)
	}
	r.u.db.mu.Lock()
	for id, b := range r.u.db.boundaries {
		if !seen[id] {
			cp := *b
			out = append(out, &cp)
		}
	}
	r.u.db.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *memBoundaryRepo) FindByNode(_ context.Context, sessionID int64, nodeID string) (*NodeBoundary, error) {
	var latest *NodeBoundary
	for _, b := range r.all() {
		if b.SessionID == sessionID && b.NodeID == nodeID {
			latest = b
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

func (r *memBoundaryRepo) FindBySession(_ context.Context, sessionID int64) ([]*NodeBoundary, error) {
	var out []*NodeBoundary
	for _, b := range r.all() {
		if b.SessionID == sessionID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (r *memBoundaryRepo) FindCompleted(_ context.Context, sessionID int64) ([]*NodeBoundary, error) {
	var out []*NodeBoundary
	for _, b := range r.all() {
		if b.SessionID == sessionID && b.Status == BoundaryCompleted {
			out = append(out, b)
		}
	}
	return out, nil
}

func (r *memBoundaryRepo) Update(_ context.Context, b *NodeBoundary) error {
	found := false
	for _, cur := range r.all() {
		if cur.ID == b.ID {
			found = true
			break
		}
	}
	if !found {
		return ErrNotFound
	}
	cp := *b
	r.u.bndStaged[b.ID] = &cp
	return nil
}
