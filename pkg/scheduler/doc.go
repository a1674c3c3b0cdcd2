/*
Package scheduler ranks ready tasks for an agent and feeds the atomic
claim in the task registry.

Selection runs entirely on reads; the single write in the pipeline is
the conditional claim, which is what arbitrates races between agents.

# Selection Policy

For an agent A and caller filter F:

 1. Candidates are tasks with status=ready matching F (priority, type,
    branch, excluded IDs).
 2. Every required skill of a task must be covered by A, either exactly
    or through a related skill (after alias normalization via SkillSet).
    A task with any uncovered skill is dropped.
 3. Tasks whose previous_agents already contains A are dropped, or
    ranked last when AllowRetrySameAgent is on.
 4. Remaining candidates order by priority weight descending, skill
    score descending, created_at ascending, task ID ascending.

The skill score is covered skills over required skills, where a related
skill earns PartialCredit (default 0.3) instead of 1. MinSkillScore
(default 1.0) is the eligibility floor, so by default only exact
coverage qualifies and lowering the floor admits related coverage.

# Claiming

ClaimNext walks the ranked candidates and claims the first one it wins:

	sched := scheduler.New(tasks, agents, nil, scheduler.Config{})
	task, err := sched.ClaimNext(ctx, agentID, types.TaskFilter{Branch: "main"})
	if err != nil {
		return err
	}
	if task == nil {
		// nothing claimable right now
	}

A lost race is not an error. ClaimNext moves on to the next candidate,
up to MaxClaimAttempts (default 3), then reports absence with
(nil, nil).
*/
package scheduler
