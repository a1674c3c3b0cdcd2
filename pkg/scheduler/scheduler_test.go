package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apiary-io/apiary/pkg/agent"
	"github.com/apiary-io/apiary/pkg/changelog"
	"github.com/apiary-io/apiary/pkg/store"
	"github.com/apiary-io/apiary/pkg/task"
	"github.com/apiary-io/apiary/pkg/types"
)

// fakeTasks serves a fixed ready pool and scripts claim outcomes so
// ranking and retry behavior can be tested without a store.
type fakeTasks struct {
	mu      sync.Mutex
	ready   []*types.Task
	lost    map[string]bool // task IDs whose claim is already taken
	claimed []string
}

func (f *fakeTasks) List(ctx context.Context, fl types.TaskFilter) ([]*types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.Task, 0, len(f.ready))
	for _, t := range f.ready {
		if fl.Branch != "" && t.Branch != fl.Branch {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeTasks) ClaimByID(ctx context.Context, taskID, agentID string) (*types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimed = append(f.claimed, taskID)
	if f.lost[taskID] {
		return nil, nil
	}
	for _, t := range f.ready {
		if t.ID == taskID {
			won := *t
			won.Status = types.TaskStatusClaimed
			won.AssignedAgent = &agentID
			return &won, nil
		}
	}
	return nil, nil
}

type fakeAgents struct {
	agents map[string]*types.Agent
}

func (f *fakeAgents) Get(ctx context.Context, id string) (*types.Agent, error) {
	return f.agents[id], nil
}

func readyTask(id string, priority types.TaskPriority, createdAt time.Time, skills ...string) *types.Task {
	return &types.Task{
		ID:             id,
		Title:          id,
		Status:         types.TaskStatusReady,
		Priority:       priority,
		RequiredSkills: skills,
		CreatedAt:      createdAt,
	}
}

func candidateIDs(cands []*Candidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.Task.ID
	}
	return out
}

// TestSkillSetNormalization verifies alias resolution and the related
// table in both directions.
func TestSkillSetNormalization(t *testing.T) {
	s := NewSkillSet()

	assert.Equal(t, "typescript", s.Normalize(" TS "))
	assert.Equal(t, "go", s.Normalize("Golang"))
	assert.Equal(t, "rust", s.Normalize("Rust"), "unknown skills pass through lowercased")

	assert.True(t, s.Related("ts", "js"), "relations apply after normalization")
	assert.True(t, s.Related("javascript", "typescript"))
	assert.False(t, s.Related("typescript", "typescript"), "equality is not relatedness")
	assert.False(t, s.Related("go", "python"))

	s.AddAlias("cpp", "c++")
	s.AddRelated("c++", "rust")
	assert.True(t, s.Related("CPP", "rust"))
}

// TestSkillScore verifies exact, related, and uncovered skill handling
// under the default and a relaxed floor.
func TestSkillScore(t *testing.T) {
	held := map[string]bool{"typescript": true, "go": true}

	tests := []struct {
		name      string
		required  []string
		minScore  float64
		wantScore float64
		wantOK    bool
	}{
		{"no requirements", nil, 1.0, 1.0, true},
		{"exact coverage", []string{"ts", "golang"}, 1.0, 1.0, true},
		{"related skill rejected at full floor", []string{"javascript"}, 1.0, 0, false},
		{"related skill below half floor", []string{"javascript"}, 0.5, 0, false},
		{"related skill admitted at low floor", []string{"javascript"}, 0.25, 0.3, true},
		{"uncovered skill always disqualifies", []string{"python"}, 0.1, 0, false},
		{"mixed exact and related", []string{"go", "javascript"}, 0.5, 0.65, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(nil, nil, nil, Config{MinSkillScore: tt.minScore, PartialCredit: 0.3})
			score, ok := s.score(tt.required, held)
			require.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.InDelta(t, tt.wantScore, score, 0.0001)
			}
		})
	}
}

// TestCandidateRanking verifies the full order: priority weight, skill
// score, age, and the ID tiebreak.
func TestCandidateRanking(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	pool := &fakeTasks{ready: []*types.Task{
		readyTask("t-old-medium", types.PriorityMedium, base),
		readyTask("t-new-medium", types.PriorityMedium, base.Add(time.Hour)),
		readyTask("t-critical", types.PriorityCritical, base.Add(2*time.Hour)),
		readyTask("t-high-related", types.PriorityHigh, base, "javascript"),
		readyTask("t-high-exact", types.PriorityHigh, base.Add(time.Hour), "typescript"),
		readyTask("t-tie-b", types.PriorityLow, base),
		readyTask("t-tie-a", types.PriorityLow, base),
	}}
	worker := &types.Agent{ID: "a-1", Skills: []string{"ts"}}

	s := New(pool, nil, nil, Config{MinSkillScore: 0.2})
	cands, err := s.Candidates(ctx, worker, types.TaskFilter{})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"t-critical",     // highest priority wins regardless of age
		"t-high-exact",   // score 1.0 beats related 0.3 despite being newer
		"t-high-related", // related coverage admitted by the low floor
		"t-old-medium",   // same priority and score, older first
		"t-new-medium",
		"t-tie-a", // identical otherwise, ID ascending
		"t-tie-b",
	}, candidateIDs(cands))
}

// TestCandidateExclusions verifies skill gating, previous-agent
// exclusion, the rank-last retry mode, and the caller filter.
func TestCandidateExclusions(t *testing.T) {
	ctx := context.Background()
	base := time.Now().UTC()

	tRetry := readyTask("t-retry", types.PriorityCritical, base)
	tRetry.PreviousAgents = []string{"a-1"}
	tBranch := readyTask("t-branch", types.PriorityMedium, base.Add(time.Minute))
	tBranch.Branch = "release"
	pool := &fakeTasks{ready: []*types.Task{
		readyTask("t-plain", types.PriorityMedium, base),
		readyTask("t-rust", types.PriorityCritical, base, "rust"),
		tRetry,
		tBranch,
	}}
	worker := &types.Agent{ID: "a-1", Skills: []string{"typescript"}}

	t.Run("default excludes previous agent and uncovered skills", func(t *testing.T) {
		s := New(pool, nil, nil, Config{})
		cands, err := s.Candidates(ctx, worker, types.TaskFilter{})
		require.NoError(t, err)
		assert.Equal(t, []string{"t-plain", "t-branch"}, candidateIDs(cands))
	})

	t.Run("retry mode ranks previous agent last", func(t *testing.T) {
		s := New(pool, nil, nil, Config{AllowRetrySameAgent: true})
		cands, err := s.Candidates(ctx, worker, types.TaskFilter{})
		require.NoError(t, err)
		// t-retry is critical but still sorts after every fresh task.
		assert.Equal(t, []string{"t-plain", "t-branch", "t-retry"}, candidateIDs(cands))
	})

	t.Run("caller filter narrows the pool", func(t *testing.T) {
		s := New(pool, nil, nil, Config{})
		cands, err := s.Candidates(ctx, worker, types.TaskFilter{Branch: "release"})
		require.NoError(t, err)
		assert.Equal(t, []string{"t-branch"}, candidateIDs(cands))
	})
}

// TestClaimNextRetriesLostRaces verifies that lost claims fall through
// to later candidates and stop at the attempt budget.
func TestClaimNextRetriesLostRaces(t *testing.T) {
	ctx := context.Background()
	base := time.Now().UTC()
	agents := &fakeAgents{agents: map[string]*types.Agent{
		"a-1": {ID: "a-1", Skills: []string{"go"}},
	}}

	t.Run("wins on the third candidate", func(t *testing.T) {
		pool := &fakeTasks{
			ready: []*types.Task{
				readyTask("t-1", types.PriorityHigh, base),
				readyTask("t-2", types.PriorityHigh, base.Add(time.Minute)),
				readyTask("t-3", types.PriorityHigh, base.Add(2*time.Minute)),
			},
			lost: map[string]bool{"t-1": true, "t-2": true},
		}
		s := New(pool, agents, nil, Config{})

		got, err := s.ClaimNext(ctx, "a-1", types.TaskFilter{})
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "t-3", got.ID)
		assert.Equal(t, types.TaskStatusClaimed, got.Status)
		assert.Equal(t, []string{"t-1", "t-2", "t-3"}, pool.claimed)
	})

	t.Run("absent after the attempt budget", func(t *testing.T) {
		pool := &fakeTasks{
			ready: []*types.Task{
				readyTask("t-1", types.PriorityHigh, base),
				readyTask("t-2", types.PriorityHigh, base.Add(time.Minute)),
				readyTask("t-3", types.PriorityHigh, base.Add(2*time.Minute)),
				readyTask("t-4", types.PriorityHigh, base.Add(3*time.Minute)),
			},
			lost: map[string]bool{"t-1": true, "t-2": true, "t-3": true, "t-4": true},
		}
		s := New(pool, agents, nil, Config{MaxClaimAttempts: 3})

		got, err := s.ClaimNext(ctx, "a-1", types.TaskFilter{})
		require.NoError(t, err)
		assert.Nil(t, got)
		assert.Len(t, pool.claimed, 3, "stops at the attempt budget")
	})

	t.Run("absent when nothing is eligible", func(t *testing.T) {
		pool := &fakeTasks{ready: []*types.Task{
			readyTask("t-rust", types.PriorityHigh, base, "rust"),
		}}
		s := New(pool, agents, nil, Config{})

		got, err := s.ClaimNext(ctx, "a-1", types.TaskFilter{})
		require.NoError(t, err)
		assert.Nil(t, got)
		assert.Empty(t, pool.claimed)
	})
}

// TestClaimThroughStore verifies the scheduler against the real task
// and agent registries: one ready task, two eligible agents, a single
// winner, and the loser coming up absent.
func TestClaimThroughStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	st, err := store.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	cl, err := changelog.Open(filepath.Join(dir, "changelog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cl.Close() })

	tasks := task.NewRegistry(st, cl, nil)
	agents := agent.NewRegistry(st)

	for _, id := range []string{"a-1", "a-2"} {
		_, err := agents.Register(ctx, &types.Agent{
			ID:     id,
			Name:   id,
			Skills: []string{"typescript"},
		})
		require.NoError(t, err)
	}

	created, err := tasks.Create(ctx, &types.Task{
		Title:          "wire the parser",
		RequiredSkills: []string{"ts"},
	})
	require.NoError(t, err)

	s := New(tasks, agents, nil, Config{})

	first, err := s.ClaimNext(ctx, "a-1", types.TaskFilter{})
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, created.ID, first.ID)
	require.NotNil(t, first.AssignedAgent)
	assert.Equal(t, "a-1", *first.AssignedAgent)

	second, err := s.ClaimNext(ctx, "a-2", types.TaskFilter{})
	require.NoError(t, err)
	assert.Nil(t, second, "the pool is empty once the only task is claimed")
}
