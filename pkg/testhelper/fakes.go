package testhelper

import (
	"context"
	"sort"
	"sync"

	"github.com/fleetrail/fleetrail/internal/domain/action"
	"github.com/fleetrail/fleetrail/internal/domain/distribution"
	"github.com/fleetrail/fleetrail/internal/domain/event"
	"github.com/fleetrail/fleetrail/internal/domain/filter"
	"github.com/fleetrail/fleetrail/internal/domain/rollout"
	"github.com/fleetrail/fleetrail/internal/domain/target"
)

// NopTx satisfies db.TxRunner without a database. Use-case tests exercise
// business rules against the in-memory repositories below; transactional
// atomicity is covered by the postgres integration tests.
type NopTx struct{}

func (NopTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// RecordingAppender captures outbox appends for assertions.
type RecordingAppender struct {
	mu     sync.Mutex
	Events []event.Lifecycle
}

func (r *RecordingAppender) Append(_ context.Context, ev event.Lifecycle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, ev)
	return nil
}

// Kinds returns the captured event kinds in append order.
func (r *RecordingAppender) Kinds() []event.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]event.Kind, 0, len(r.Events))
	for _, ev := range r.Events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

// RecordingPublisher captures published lifecycle events. Err, when set,
// is returned from every publish.
type RecordingPublisher struct {
	mu     sync.Mutex
	Events []event.Lifecycle
	Err    error
}

func (r *RecordingPublisher) Publish(_ context.Context, ev event.Lifecycle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.Events = append(r.Events, ev)
	return nil
}

// FakeActionRepository is an in-memory action.Repository.
type FakeActionRepository struct {
	mu      sync.Mutex
	actions map[int64]*action.Action
	entries map[int64][]*action.Entry
}

func NewFakeActionRepository() *FakeActionRepository {
	return &FakeActionRepository{
		actions: make(map[int64]*action.Action),
		entries: make(map[int64][]*action.Entry),
	}
}

func (r *FakeActionRepository) FindByID(_ context.Context, id int64) (*action.Action, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.actions[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (r *FakeActionRepository) Create(_ context.Context, a *action.Action, initial *action.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *a
	r.actions[a.ID] = &cp
	if initial != nil {
		e := *initial
		e.ActionID = a.ID
		r.entries[a.ID] = append(r.entries[a.ID], &e)
	}
	return nil
}

func (r *FakeActionRepository) AppendEntry(_ context.Context, a *action.Action, e *action.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *a
	r.actions[a.ID] = &cp
	ec := *e
	ec.ActionID = a.ID
	r.entries[a.ID] = append(r.entries[a.ID], &ec)
	return nil
}

func (r *FakeActionRepository) ListActiveByTarget(_ context.Context, targetID int64) ([]*action.Action, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*action.Action
	for _, a := range r.actions {
		if a.TargetID == targetID && a.Active {
			cp := *a
			out = append(out, &cp)
		}
	}
	sortByWeight(out)
	return out, nil
}

func (r *FakeActionRepository) CountActiveByTarget(_ context.Context, targetID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, a := range r.actions {
		if a.TargetID == targetID && a.Active {
			n++
		}
	}
	return n, nil
}

func (r *FakeActionRepository) FindActiveByTargetAndSet(_ context.Context, targetID, distributionSetID int64) (*action.Action, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.actions {
		if a.TargetID == targetID && a.DistributionSetID == distributionSetID && a.Active {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *FakeActionRepository) FindOldestOpenByTarget(_ context.Context, targetID int64) (*action.Action, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var open []*action.Action
	for _, a := range r.actions {
		if a.TargetID == targetID && action.IsOpen(a.Status) {
			cp := *a
			open = append(open, &cp)
		}
	}
	if len(open) == 0 {
		return nil, nil
	}
	sortByWeight(open)
	return open[0], nil
}

func (r *FakeActionRepository) UpdateAssignmentMeta(_ context.Context, a *action.Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.actions[a.ID]
	if !ok {
		return action.ErrNotFound
	}
	existing.Type = a.Type
	existing.Weight = a.Weight
	existing.ForcedTime = a.ForcedTime
	return nil
}

func (r *FakeActionRepository) CountsByRolloutGroup(_ context.Context, groupID int64) (action.GroupCounts, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var counts action.GroupCounts
	for _, a := range r.latestPerTargetInGroup(groupID) {
		counts.Total++
		switch a.Status {
		case action.StatusFinished:
			counts.Finished++
		case action.StatusError:
			counts.Error++
		}
	}
	return counts, nil
}

func (r *FakeActionRepository) ListLatestErroredByRolloutGroup(_ context.Context, groupID int64, limit int) ([]*action.Action, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*action.Action
	for _, a := range r.latestPerTargetInGroup(groupID) {
		if a.Status == action.StatusError {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *FakeActionRepository) ExistsForTargetAndSet(_ context.Context, targetID, distributionSetID int64) (bool, error) {
	return r.anyForSet(targetID, distributionSetID), nil
}

// latestPerTargetInGroup picks each target's newest action in the group.
// Matches the DISTINCT ON query of the postgres repository. Callers hold
// the lock.
func (r *FakeActionRepository) latestPerTargetInGroup(groupID int64) map[int64]*action.Action {
	latest := make(map[int64]*action.Action)
	for _, a := range r.actions {
		if a.RolloutGroupID == nil || *a.RolloutGroupID != groupID {
			continue
		}
		if prev, ok := latest[a.TargetID]; !ok || a.ID > prev.ID {
			latest[a.TargetID] = a
		}
	}
	return latest
}

func (r *FakeActionRepository) ListNonTerminalByRollout(_ context.Context, rolloutID int64, limit int) ([]*action.Action, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*action.Action
	for _, a := range r.actions {
		if a.RolloutID != nil && *a.RolloutID == rolloutID && !action.IsTerminal(a.Status) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *FakeActionRepository) CountNonTerminalByRollout(_ context.Context, rolloutID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, a := range r.actions {
		if a.RolloutID != nil && *a.RolloutID == rolloutID && !action.IsTerminal(a.Status) {
			n++
		}
	}
	return n, nil
}

func (r *FakeActionRepository) ListEntries(_ context.Context, actionID int64) ([]*action.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*action.Entry, 0, len(r.entries[actionID]))
	for _, e := range r.entries[actionID] {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// All returns every stored action ordered by ID.
func (r *FakeActionRepository) All() []*action.Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*action.Action, 0, len(r.actions))
	for _, a := range r.actions {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// anyForSet reports whether the target has any action, in any state, for
// the distribution set. Mirrors the "unrelated" exclusion of the
// postgres registry queries.
func (r *FakeActionRepository) anyForSet(targetID, distributionSetID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.actions {
		if a.TargetID == targetID && a.DistributionSetID == distributionSetID {
			return true
		}
	}
	return false
}

// sortByWeight orders by weight descending with nil weights last, then
// ID ascending. Matches the postgres ordering the winner derivation
// relies on.
func sortByWeight(actions []*action.Action) {
	sort.Slice(actions, func(i, j int) bool {
		wi, wj := actions[i].Weight, actions[j].Weight
		switch {
		case wi != nil && wj != nil && *wi != *wj:
			return *wi > *wj
		case wi != nil && wj == nil:
			return true
		case wi == nil && wj != nil:
			return false
		}
		return actions[i].ID < actions[j].ID
	})
}

// FakeTargetRegistry is an in-memory target.Registry. When Actions is
// set, the filter queries exclude targets already related to the
// distribution set the same way the postgres registry does.
type FakeTargetRegistry struct {
	mu      sync.Mutex
	targets map[int64]*target.Target

	Actions *FakeActionRepository

	// CompatFn overrides compatibility checks. Nil means everything is
	// compatible.
	CompatFn func(targetID, distributionSetID int64) bool
}

func NewFakeTargetRegistry() *FakeTargetRegistry {
	return &FakeTargetRegistry{targets: make(map[int64]*target.Target)}
}

// Add stores a target for test setup.
func (r *FakeTargetRegistry) Add(t *target.Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *t
	r.targets[t.ID] = &cp
}

func (r *FakeTargetRegistry) FindByControllerID(_ context.Context, tenant, controllerID string) (*target.Target, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.targets {
		if t.Tenant == tenant && t.ControllerID == controllerID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *FakeTargetRegistry) FindByID(_ context.Context, id int64) (*target.Target, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.targets[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (r *FakeTargetRegistry) Save(_ context.Context, t *target.Target) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *t
	r.targets[t.ID] = &cp
	return nil
}

func (r *FakeTargetRegistry) IsCompatible(_ context.Context, targetID, distributionSetID int64) (bool, error) {
	if r.CompatFn == nil {
		return true, nil
	}
	return r.CompatFn(targetID, distributionSetID), nil
}

func (r *FakeTargetRegistry) CountMatchingFilterExcludingAssigned(ctx context.Context, tenant string, distributionSetID int64, pred target.Predicate) (int64, error) {
	page, err := r.PageMatchingFilterExcludingAssigned(ctx, tenant, distributionSetID, pred, 0, 0)
	if err != nil {
		return 0, err
	}
	return int64(len(page)), nil
}

func (r *FakeTargetRegistry) PageMatchingFilterExcludingAssigned(_ context.Context, tenant string, distributionSetID int64, pred target.Predicate, afterID int64, limit int) ([]*target.Target, error) {
	r.mu.Lock()
	candidates := make([]*target.Target, 0, len(r.targets))
	for _, t := range r.targets {
		cp := *t
		candidates = append(candidates, &cp)
	}
	r.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	var out []*target.Target
	for _, t := range candidates {
		if t.Tenant != tenant || t.ID <= afterID {
			continue
		}
		if pred != nil && !pred.Matches(t) {
			continue
		}
		if t.AssignedDistributionSetID != nil && *t.AssignedDistributionSetID == distributionSetID {
			continue
		}
		if t.InstalledDistributionSetID != nil && *t.InstalledDistributionSetID == distributionSetID {
			continue
		}
		if r.Actions != nil && r.Actions.anyForSet(t.ID, distributionSetID) {
			continue
		}
		if r.CompatFn != nil && !r.CompatFn(t.ID, distributionSetID) {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *FakeTargetRegistry) SetAssignedDistributionSet(_ context.Context, targetID int64, distributionSetID *int64, status target.UpdateStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.targets[targetID]
	if !ok {
		return target.ErrNotFound
	}
	t.AssignedDistributionSetID = distributionSetID
	t.UpdateStatus = status
	return nil
}

func (r *FakeTargetRegistry) UpdateStatus(_ context.Context, targetID int64, status target.UpdateStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.targets[targetID]
	if !ok {
		return target.ErrNotFound
	}
	t.UpdateStatus = status
	return nil
}

// FakeDistributionRepository is an in-memory distribution.Repository.
type FakeDistributionRepository struct {
	mu      sync.Mutex
	sets    map[int64]*distribution.Set
	types   map[int64]*distribution.SetType
	modules map[int64]*distribution.Module
}

func NewFakeDistributionRepository() *FakeDistributionRepository {
	return &FakeDistributionRepository{
		sets:    make(map[int64]*distribution.Set),
		types:   make(map[int64]*distribution.SetType),
		modules: make(map[int64]*distribution.Module),
	}
}

// AddSet stores a distribution set for test setup.
func (r *FakeDistributionRepository) AddSet(s *distribution.Set) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.sets[s.ID] = &cp
}

// AddType stores a set type for test setup.
func (r *FakeDistributionRepository) AddType(st *distribution.SetType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *st
	r.types[st.ID] = &cp
}

func (r *FakeDistributionRepository) FindByID(_ context.Context, id int64) (*distribution.Set, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sets[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (r *FakeDistributionRepository) FindByNameVersion(_ context.Context, tenant, name, version string) (*distribution.Set, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sets {
		if s.Tenant == tenant && s.Name == name && s.Version == version {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *FakeDistributionRepository) Save(_ context.Context, s *distribution.Set) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.sets[s.ID] = &cp
	return nil
}

func (r *FakeDistributionRepository) List(_ context.Context, tenant string, limit int) ([]*distribution.Set, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*distribution.Set
	for _, s := range r.sets {
		if s.Tenant == tenant {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *FakeDistributionRepository) FindTypeByID(_ context.Context, id int64) (*distribution.SetType, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.types[id]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (r *FakeDistributionRepository) FindModuleByID(_ context.Context, id int64) (*distribution.Module, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.modules[id]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (r *FakeDistributionRepository) SaveModule(_ context.Context, m *distribution.Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *m
	r.modules[m.ID] = &cp
	return nil
}

// FakeRolloutRepository is an in-memory rollout.Repository.
type FakeRolloutRepository struct {
	mu       sync.Mutex
	rollouts map[int64]*rollout.Rollout
}

func NewFakeRolloutRepository() *FakeRolloutRepository {
	return &FakeRolloutRepository{rollouts: make(map[int64]*rollout.Rollout)}
}

func (r *FakeRolloutRepository) FindByID(_ context.Context, id int64) (*rollout.Rollout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ro, ok := r.rollouts[id]
	if !ok {
		return nil, nil
	}
	cp := *ro
	return &cp, nil
}

func (r *FakeRolloutRepository) Save(_ context.Context, ro *rollout.Rollout) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.rollouts[ro.ID]
	if ok {
		// Save never rewinds a status already advanced by a concurrent
		// conditional transition.
		cp := *ro
		cp.Status = existing.Status
		r.rollouts[ro.ID] = &cp
		return nil
	}
	cp := *ro
	r.rollouts[ro.ID] = &cp
	return nil
}

func (r *FakeRolloutRepository) ListByStatus(_ context.Context, statuses []rollout.Status, limit int) ([]*rollout.Rollout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*rollout.Rollout
	for _, ro := range r.rollouts {
		for _, s := range statuses {
			if ro.Status == s {
				cp := *ro
				out = append(out, &cp)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		wi, wj := out[i].Weight, out[j].Weight
		switch {
		case wi != nil && wj != nil && *wi != *wj:
			return *wi > *wj
		case wi != nil && wj == nil:
			return true
		case wi == nil && wj != nil:
			return false
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *FakeRolloutRepository) TransitionStatus(_ context.Context, id int64, from []rollout.Status, to rollout.Status) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ro, ok := r.rollouts[id]
	if !ok {
		return false, nil
	}
	for _, s := range from {
		if ro.Status == s {
			ro.Status = to
			return true, nil
		}
	}
	return false, nil
}

// FakeGroupRepository is an in-memory rollout.GroupRepository.
type FakeGroupRepository struct {
	mu     sync.Mutex
	groups map[int64]*rollout.Group
}

func NewFakeGroupRepository() *FakeGroupRepository {
	return &FakeGroupRepository{groups: make(map[int64]*rollout.Group)}
}

func (r *FakeGroupRepository) FindByID(_ context.Context, id int64) (*rollout.Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[id]
	if !ok {
		return nil, nil
	}
	cp := *g
	return &cp, nil
}

func (r *FakeGroupRepository) Save(_ context.Context, g *rollout.Group) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *g
	r.groups[g.ID] = &cp
	return nil
}

func (r *FakeGroupRepository) ListByRollout(_ context.Context, rolloutID int64) ([]*rollout.Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*rollout.Group
	for _, g := range r.groups {
		if g.RolloutID == rolloutID {
			cp := *g
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

func (r *FakeGroupRepository) TransitionStatus(_ context.Context, id int64, from []rollout.GroupStatus, to rollout.GroupStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[id]
	if !ok {
		return false, nil
	}
	for _, s := range from {
		if g.Status == s {
			g.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (r *FakeGroupRepository) SetTotalTargets(_ context.Context, id int64, total int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[id]
	if !ok {
		return rollout.ErrGroupNotFound
	}
	g.TotalTargets = total
	return nil
}

// FakeFilterRepository is an in-memory filter.Repository.
type FakeFilterRepository struct {
	mu      sync.Mutex
	filters map[int64]*filter.Query
}

func NewFakeFilterRepository() *FakeFilterRepository {
	return &FakeFilterRepository{filters: make(map[int64]*filter.Query)}
}

func (r *FakeFilterRepository) FindByID(_ context.Context, id int64) (*filter.Query, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.filters[id]
	if !ok {
		return nil, nil
	}
	cp := *q
	return &cp, nil
}

func (r *FakeFilterRepository) FindByName(_ context.Context, tenant, name string) (*filter.Query, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, q := range r.filters {
		if q.Tenant == tenant && q.Name == name {
			cp := *q
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *FakeFilterRepository) Save(_ context.Context, q *filter.Query) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *q
	r.filters[q.ID] = &cp
	return nil
}

func (r *FakeFilterRepository) Delete(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.filters, id)
	return nil
}

func (r *FakeFilterRepository) List(_ context.Context, tenant string, limit int) ([]*filter.Query, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*filter.Query
	for _, q := range r.filters {
		if q.Tenant == tenant {
			cp := *q
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *FakeFilterRepository) ListAutoAssign(_ context.Context, limit int) ([]*filter.Query, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*filter.Query
	for _, q := range r.filters {
		if q.AutoAssignEnabled() {
			cp := *q
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
