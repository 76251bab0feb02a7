package scheduler

import (
	"context"

	"github.com/ternarybob/farmd/internal/models"
)

// AssignFunc attempts to place one idle agent on the given job node. It
// returns true when an agent was matched and committed; false when no
// remaining agent fits the job.
type AssignFunc func(ctx context.Context, job *Node) (bool, error)

// AssignAgentsToQueue distributes up to maxAgents idle agents among the
// node's branches: first a minima loop satisfying agent quotas regardless of
// priority, then priority buckets awarding agents to the lowest fairness
// score. Every placement increments TotalAssigned on the spot so later
// decisions in the same tick see it. A node that places nothing has
// CanUseMore latched false.
func AssignAgentsToQueue(ctx context.Context, node *Node, maxAgents int, assign AssignFunc) (int, error) {
	placed := 0

	// Minima loop: keep handing out single agents to branches below their
	// minimum until nothing needs more or the budget runs out.
	for placed < maxAgents {
		progress := false
		for _, br := range node.Branches {
			if placed >= maxAgents {
				break
			}
			if !br.CanUseMore || br.TotalAssigned >= br.MinAgents() || br.TotalAssigned >= br.MaxAgents() {
				continue
			}
			n, err := giveOne(ctx, br, assign)
			if err != nil {
				return placed, err
			}
			if n > 0 {
				placed += n
				progress = true
			}
		}
		if !progress {
			break
		}
	}

	// Priority buckets, running jobs and subqueues preferred over jobs that
	// have not started yet.
	for _, bucket := range priorityBuckets(node.Branches) {
		var preferred, waiting []*Node
		for _, item := range bucket {
			if item.IsJob() && item.Job.State == models.WorkStateQueued {
				waiting = append(waiting, item)
				continue
			}
			preferred = append(preferred, item)
		}

		for _, group := range [][]*Node{preferred, waiting} {
			for placed < maxAgents {
				n, err := assignByWeight(ctx, group, assign)
				if err != nil {
					return placed, err
				}
				if n == 0 {
					break
				}
				placed += n
			}
		}
	}

	node.TotalAssigned += placed
	if placed == 0 {
		node.CanUseMore = false
	}
	return placed, nil
}

// assignByWeight gives one agent to the group item with the lowest fairness
// score that can still accept one. Returns zero when no item accepted.
func assignByWeight(ctx context.Context, group []*Node, assign AssignFunc) (int, error) {
	weightSum, totalAssigned := bucketSums(group)

	for {
		var best *Node
		bestScore := 0.0
		for _, item := range group {
			if !item.CanUseMore || item.TotalAssigned >= item.MaxAgents() {
				continue
			}
			score := fairnessScore(item, totalAssigned, weightSum)
			if best == nil || score < bestScore {
				best = item
				bestScore = score
			}
		}
		if best == nil {
			return 0, nil
		}

		n, err := giveOne(ctx, best, assign)
		if err != nil || n > 0 {
			return n, err
		}
		// best could not take an agent after all (CanUseMore now false);
		// try the next lowest score.
	}
}

// giveOne places a single agent on the branch: directly for jobs, through
// recursion for queues. Failure latches CanUseMore false for this tick.
func giveOne(ctx context.Context, br *Node, assign AssignFunc) (int, error) {
	if br.IsJob() {
		ok, err := assign(ctx, br)
		if err != nil {
			return 0, err
		}
		if !ok {
			br.CanUseMore = false
			return 0, nil
		}
		br.TotalAssigned++
		return 1, nil
	}
	return AssignAgentsToQueue(ctx, br, 1, assign)
}
