package scheduler

import (
	"context"
	"sort"

	"github.com/rs/zerolog"

	"github.com/apiary-io/apiary/pkg/log"
	"github.com/apiary-io/apiary/pkg/types"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultPartialCredit    = 0.3
	DefaultMinSkillScore    = 1.0
	DefaultMaxClaimAttempts = 3
)

// TaskSource is the slice of the task registry the scheduler reads and
// claims through. *task.Registry satisfies it.
type TaskSource interface {
	List(ctx context.Context, f types.TaskFilter) ([]*types.Task, error)
	ClaimByID(ctx context.Context, taskID, agentID string) (*types.Task, error)
}

// AgentSource resolves agent records. *agent.Registry satisfies it.
type AgentSource interface {
	Get(ctx context.Context, id string) (*types.Agent, error)
}

// Config tunes skill matching and claim retries.
type Config struct {
	// PartialCredit is the score a related skill earns toward a
	// required one, in [0,1].
	PartialCredit float64
	// MinSkillScore is the minimum skill score a task must reach to be
	// a candidate. At 1.0 only exact coverage of every required skill
	// qualifies.
	MinSkillScore float64
	// MaxClaimAttempts bounds how many ranked candidates one ClaimNext
	// call may try when claims keep losing races.
	MaxClaimAttempts int
	// AllowRetrySameAgent ranks tasks this agent already failed last
	// instead of excluding them, so they remain claimable when nobody
	// else is around.
	AllowRetrySameAgent bool
}

func (c Config) withDefaults() Config {
	if c.PartialCredit == 0 {
		c.PartialCredit = DefaultPartialCredit
	}
	if c.MinSkillScore == 0 {
		c.MinSkillScore = DefaultMinSkillScore
	}
	if c.MaxClaimAttempts <= 0 {
		c.MaxClaimAttempts = DefaultMaxClaimAttempts
	}
	return c
}

// Candidate is one ready task ranked for a specific agent.
type Candidate struct {
	Task *types.Task
	// Score is matched skills over required skills, with related
	// matches earning PartialCredit. 1.0 when the task requires
	// nothing.
	Score float64
	// Retried marks tasks whose previous_agents already contains the
	// agent. Only present when AllowRetrySameAgent is on, and always
	// ranked after fresh candidates.
	Retried bool
}

// Scheduler ranks ready tasks for an agent and feeds the atomic claim.
// It never writes task state itself; losing a claim race just moves it
// to the next candidate.
type Scheduler struct {
	tasks  TaskSource
	agents AgentSource
	skills *SkillSet
	cfg    Config
	logger zerolog.Logger
}

// New builds a scheduler. A nil skills registry gets the default table.
func New(tasks TaskSource, agents AgentSource, skills *SkillSet, cfg Config) *Scheduler {
	if skills == nil {
		skills = NewSkillSet()
	}
	return &Scheduler{
		tasks:  tasks,
		agents: agents,
		skills: skills,
		cfg:    cfg.withDefaults(),
		logger: log.WithComponent("scheduler"),
	}
}

// Candidates returns the ready tasks the agent is eligible for, best
// first: fresh before retried, then priority weight descending, skill
// score descending, created_at ascending, and task ID as the final
// tiebreak. The caller's filter narrows the ready pool; its status
// field is overridden.
func (s *Scheduler) Candidates(ctx context.Context, agent *types.Agent, f types.TaskFilter) ([]*Candidate, error) {
	f.Status = []types.TaskStatus{types.TaskStatusReady}
	ready, err := s.tasks.List(ctx, f)
	if err != nil {
		return nil, err
	}

	held := make(map[string]bool, len(agent.Skills))
	for _, sk := range agent.Skills {
		held[s.skills.Normalize(sk)] = true
	}

	var out []*Candidate
	for _, t := range ready {
		score, ok := s.score(t.RequiredSkills, held)
		if !ok {
			continue
		}
		retried := previouslyFailedOn(t, agent.ID)
		if retried && !s.cfg.AllowRetrySameAgent {
			continue
		}
		out = append(out, &Candidate{Task: t, Score: score, Retried: retried})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].before(out[j]) })
	return out, nil
}

// ClaimNext picks the best candidate for agentID and claims it. Lost
// races fall through to the next candidate, up to MaxClaimAttempts.
// Returns (nil, nil) when no claimable task remains.
func (s *Scheduler) ClaimNext(ctx context.Context, agentID string, f types.TaskFilter) (*types.Task, error) {
	agent, err := s.agents.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}

	candidates, err := s.Candidates(ctx, agent, f)
	if err != nil {
		return nil, err
	}
	if len(candidates) > s.cfg.MaxClaimAttempts {
		candidates = candidates[:s.cfg.MaxClaimAttempts]
	}

	for _, c := range candidates {
		t, err := s.tasks.ClaimByID(ctx, c.Task.ID, agentID)
		if err != nil {
			return nil, err
		}
		if t != nil {
			return t, nil
		}
		s.logger.Debug().Str("task_id", c.Task.ID).Str("agent_id", agentID).
			Msg("claim lost, trying next candidate")
	}
	return nil, nil
}

// score rates the agent's skill coverage of required. Every required
// skill must be held exactly or through a related skill; one uncovered
// skill disqualifies the task outright. The returned ok also applies
// the MinSkillScore floor.
func (s *Scheduler) score(required []string, held map[string]bool) (float64, bool) {
	if len(required) == 0 {
		return 1, true
	}

	total := 0.0
	for _, want := range required {
		w := s.skills.Normalize(want)
		switch {
		case held[w]:
			total += 1
		case s.cfg.PartialCredit > 0 && s.holdsRelated(held, w):
			total += s.cfg.PartialCredit
		default:
			return 0, false
		}
	}

	score := total / float64(len(required))
	return score, score >= s.cfg.MinSkillScore
}

func (s *Scheduler) holdsRelated(held map[string]bool, want string) bool {
	for skill := range held {
		if s.skills.Related(skill, want) {
			return true
		}
	}
	return false
}

// before is the full candidate order; it never reports equal items as
// before each other, so the sort is deterministic.
func (c *Candidate) before(o *Candidate) bool {
	if c.Retried != o.Retried {
		return !c.Retried
	}
	if a, b := c.Task.Priority.Order(), o.Task.Priority.Order(); a != b {
		return a > b
	}
	if c.Score != o.Score {
		return c.Score > o.Score
	}
	if !c.Task.CreatedAt.Equal(o.Task.CreatedAt) {
		return c.Task.CreatedAt.Before(o.Task.CreatedAt)
	}
	return c.Task.ID < o.Task.ID
}

func previouslyFailedOn(t *types.Task, agentID string) bool {
	for _, id := range t.PreviousAgents {
		if id == agentID {
			return true
		}
	}
	return false
}
