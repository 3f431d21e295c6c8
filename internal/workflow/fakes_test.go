package workflow_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pesio-ai/be-screening-workflow/internal/model"
)

// fakePatientClient is a deterministic collaborators.PatientClientInterface
// stand-in: it returns "Patient <id>" without ever failing, so specs don't
// need to special-case the non-fatal-fallback path.
type fakePatientClient struct{}

func (fakePatientClient) DisplayName(ctx context.Context, patientID string) string {
	return "Patient " + patientID
}

// fakeClock is a mutable workflow.Clock for tests that need to move time
// forward past an approval or lock expiry without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeIDGenerator hands out deterministic per-prefix sequential ids
// ("appr-1", "appr-2", ...), so specs can refer to an id by its exact value.
type fakeIDGenerator struct {
	mu      sync.Mutex
	nextSeq map[string]int
}

func newFakeIDGenerator() *fakeIDGenerator {
	return &fakeIDGenerator{nextSeq: map[string]int{}}
}

func (g *fakeIDGenerator) NewID(prefix string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextSeq[prefix]++
	return fmt.Sprintf("%s-%d", prefix, g.nextSeq[prefix])
}

// fakeEventPublisher records every published event for assertions; it never
// fails the calling operation, matching the real collaborator's contract.
type fakeEventPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

type publishedEvent struct {
	eventType, sessionID, step, actorID string
}

func newFakeEventPublisher() *fakeEventPublisher {
	return &fakeEventPublisher{}
}

func (p *fakeEventPublisher) Publish(_ context.Context, eventType, sessionID, step, actorID string, _ map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{eventType, sessionID, step, actorID})
}

// fakeSessionRepo is an in-memory SessionRepo.
type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
	steps    map[string][]*model.StepRecord
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{
		sessions: map[string]*model.Session{},
		steps:    map[string][]*model.StepRecord{},
	}
}

func (r *fakeSessionRepo) Create(_ context.Context, s *model.Session, steps []*model.StepRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.sessions[s.ID] = &cp
	r.steps[s.ID] = steps
	return nil
}

func (r *fakeSessionRepo) GetByID(_ context.Context, id string) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s not found", id)
	}
	cp := *s
	return &cp, nil
}

func (r *fakeSessionRepo) UpdateCoreFields(_ context.Context, s *model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; !ok {
		return fmt.Errorf("session %s not found", s.ID)
	}
	cp := *s
	r.sessions[s.ID] = &cp
	return nil
}

func (r *fakeSessionRepo) GetSteps(_ context.Context, sessionID string) ([]*model.StepRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.steps[sessionID], nil
}

func (r *fakeSessionRepo) UpdateStep(_ context.Context, sessionID string, step *model.StepRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	recs := r.steps[sessionID]
	for i, s := range recs {
		if s.Step == step.Step {
			recs[i] = step
			return nil
		}
	}
	return fmt.Errorf("step %s not found on session %s", step.Step, sessionID)
}

// fakeActivityLogRepo is an in-memory, append-only ActivityLogRepo.
type fakeActivityLogRepo struct {
	mu      sync.Mutex
	entries []*model.ActivityLogEntry
}

func newFakeActivityLogRepo() *fakeActivityLogRepo {
	return &fakeActivityLogRepo{}
}

func (r *fakeActivityLogRepo) Append(_ context.Context, entry *model.ActivityLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func (r *fakeActivityLogRepo) ListBySession(_ context.Context, sessionID string) ([]*model.ActivityLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.ActivityLogEntry
	for _, e := range r.entries {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

// fakeApprovalRepo is an in-memory ApprovalRepo.
type fakeApprovalRepo struct {
	mu       sync.Mutex
	requests map[string]*model.ApprovalRequest
}

func newFakeApprovalRepo() *fakeApprovalRepo {
	return &fakeApprovalRepo{requests: map[string]*model.ApprovalRequest{}}
}

func (r *fakeApprovalRepo) Create(_ context.Context, req *model.ApprovalRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *req
	r.requests[req.ID] = &cp
	return nil
}

func (r *fakeApprovalRepo) GetByID(_ context.Context, id string) (*model.ApprovalRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok {
		return nil, fmt.Errorf("approval request %s not found", id)
	}
	cp := *req
	return &cp, nil
}

func (r *fakeApprovalRepo) ListPendingBySession(_ context.Context, sessionID string) ([]*model.ApprovalRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.ApprovalRequest
	for _, req := range r.requests {
		if req.SessionID == sessionID && req.Status == model.ApprovalPending {
			out = append(out, req)
		}
	}
	return out, nil
}

func (r *fakeApprovalRepo) Resolve(_ context.Context, req *model.ApprovalRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.requests[req.ID]; !ok {
		return fmt.Errorf("approval request %s not found", req.ID)
	}
	cp := *req
	r.requests[req.ID] = &cp
	return nil
}

// fakeLockRepo is an in-memory LockRepo.
type fakeLockRepo struct {
	mu    sync.Mutex
	locks map[string]*model.SessionLock
}

func newFakeLockRepo() *fakeLockRepo {
	return &fakeLockRepo{locks: map[string]*model.SessionLock{}}
}

func (r *fakeLockRepo) Create(_ context.Context, lock *model.SessionLock) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *lock
	r.locks[lock.ID] = &cp
	return nil
}

func (r *fakeLockRepo) GetActiveSessionLock(_ context.Context, sessionID string) (*model.SessionLock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.locks {
		if l.SessionID == sessionID && l.Step == nil && l.Active {
			cp := *l
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeLockRepo) GetActiveStepLock(_ context.Context, sessionID string, step model.Step) (*model.SessionLock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.locks {
		if l.SessionID == sessionID && l.Step != nil && *l.Step == step && l.Active {
			cp := *l
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeLockRepo) Deactivate(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.locks[id]; ok {
		l.Active = false
	}
	return nil
}

func (r *fakeLockRepo) DeactivateAllForSession(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.locks {
		if l.SessionID == sessionID {
			l.Active = false
		}
	}
	return nil
}

// fakeGrantRepo is an in-memory GrantRepo; empty by default, so tests rely
// on the static role matrix unless a grant is seeded explicitly.
type fakeGrantRepo struct {
	mu     sync.Mutex
	grants map[string]*model.UserAccessGrant
}

func newFakeGrantRepo() *fakeGrantRepo {
	return &fakeGrantRepo{grants: map[string]*model.UserAccessGrant{}}
}

func (r *fakeGrantRepo) Get(_ context.Context, userID, sessionID string) (*model.UserAccessGrant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.grants[userID+"/"+sessionID], nil
}
