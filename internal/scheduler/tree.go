package scheduler

import (
	"context"

	"github.com/ternarybob/farmd/internal/interfaces"
	"github.com/ternarybob/farmd/internal/models"
)

// Node is one element of the materialized scheduling tree: either a queue
// (Queue set), a job (Job set), or the virtual root (neither set). Queue
// nodes carry their child queues and child jobs together in Branches.
//
// TotalAssigned counts distinct reachable agents holding a non-terminal task
// under this node; the allocator increments it in lockstep with every
// placement so fairness scores see same-tick decisions. Preassigned keeps the
// snapshot value from tree build time. CanUseMore latches false once a node
// demonstrably cannot take another agent this tick.
type Node struct {
	Queue *models.JobQueue
	Job   *models.Job

	Branches []*Node

	TotalAssigned int
	Preassigned   int
	CanUseMore    bool
}

// IsJob reports whether the node is a job leaf.
func (n *Node) IsJob() bool { return n.Job != nil }

// Priority returns the scheduling priority of the node. The virtual root has
// none and returns zero.
func (n *Node) Priority() int {
	switch {
	case n.Job != nil:
		return n.Job.Priority
	case n.Queue != nil:
		return n.Queue.Priority
	}
	return 0
}

// Weight returns the configured weight of the node.
func (n *Node) Weight() int {
	switch {
	case n.Job != nil:
		return n.Job.Weight
	case n.Queue != nil:
		return n.Queue.Weight
	}
	return 0
}

// MinAgents returns the minimum agent quota, zero when unset.
func (n *Node) MinAgents() int {
	switch {
	case n.Job != nil:
		return n.Job.Min()
	case n.Queue != nil:
		return n.Queue.Min()
	}
	return 0
}

// MaxAgents returns the maximum agent cap; unbounded values come back as the
// largest int so callers can compare without nil checks.
func (n *Node) MaxAgents() int {
	switch {
	case n.Job != nil:
		return n.Job.Max()
	case n.Queue != nil:
		return n.Queue.Max()
	}
	return int(^uint(0) >> 1)
}

// Tree is a materialized snapshot of the scheduling state: the node tree plus
// the lookup indexes the matcher needs without further round trips.
type Tree struct {
	Root *Node

	// JobsByID indexes every active job in the snapshot, including jobs
	// outside the walked subtree, for parent-dependency checks.
	JobsByID map[uint64]*models.Job

	// UnreachableAgents lists agents in offline or disabled state; their
	// assignments do not count and their held tasks are up for grabs.
	UnreachableAgents map[string]bool
}

// ReadSubtree materializes the scheduling tree rooted at the given queue, or
// at a synthetic virtual root spanning every top level queue when queueID is
// nil. One queue listing, one active-job listing, one assigned-task scan and
// one agent listing; per-job agent counts are aggregated from the single task
// scan rather than queried per job.
func ReadSubtree(ctx context.Context, storage interfaces.StorageManager, queueID *uint64) (*Tree, error) {
	queues, err := storage.QueueStorage().ListQueues(ctx)
	if err != nil {
		return nil, err
	}
	jobs, err := storage.JobStorage().ActiveJobs(ctx)
	if err != nil {
		return nil, err
	}
	agents, err := storage.AgentStorage().ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	assigned, err := storage.TaskStorage().NonTerminalAssignedTasks(ctx)
	if err != nil {
		return nil, err
	}

	unreachable := make(map[string]bool)
	for _, a := range agents {
		if a.State.Unreachable() {
			unreachable[a.ID] = true
		}
	}

	// Distinct reachable agents per job, from the one task scan.
	agentsPerJob := make(map[uint64]map[string]bool)
	for _, t := range assigned {
		if unreachable[t.AgentID] {
			continue
		}
		set := agentsPerJob[t.JobID]
		if set == nil {
			set = make(map[string]bool)
			agentsPerJob[t.JobID] = set
		}
		set[t.AgentID] = true
	}

	jobsByID := make(map[uint64]*models.Job, len(jobs))
	for _, j := range jobs {
		jobsByID[j.ID] = j
	}

	queueNodes := make(map[uint64]*Node, len(queues))
	for _, q := range queues {
		queueNodes[q.ID] = &Node{Queue: q, CanUseMore: true}
	}

	var root *Node
	if queueID != nil {
		node, ok := queueNodes[*queueID]
		if !ok {
			return nil, interfaces.ErrNotFound
		}
		root = node
	} else {
		root = &Node{CanUseMore: true}
	}

	// Attach child queues. Queues whose parent chain is outside the walked
	// subtree simply never get linked under root.
	for _, q := range queues {
		node := queueNodes[q.ID]
		if node == root {
			continue
		}
		if q.ParentID == 0 {
			if queueID == nil {
				root.Branches = append(root.Branches, node)
			}
			continue
		}
		if parent, ok := queueNodes[q.ParentID]; ok {
			parent.Branches = append(parent.Branches, node)
		}
	}

	// Attach jobs. QueueID zero attaches directly under the virtual root.
	for _, j := range jobs {
		node := &Node{
			Job:           j,
			CanUseMore:    true,
			TotalAssigned: len(agentsPerJob[j.ID]),
		}
		node.Preassigned = node.TotalAssigned
		if j.QueueID == 0 {
			if queueID == nil {
				root.Branches = append(root.Branches, node)
			}
			continue
		}
		if parent, ok := queueNodes[j.QueueID]; ok {
			parent.Branches = append(parent.Branches, node)
		}
	}

	rollUpAssigned(root, agentsPerJob)

	return &Tree{
		Root:              root,
		JobsByID:          jobsByID,
		UnreachableAgents: unreachable,
	}, nil
}

// rollUpAssigned aggregates distinct agents up the tree. An agent holding
// tasks of several jobs under the same queue counts once at that queue, so
// per-node counts are set unions of the descendants, not sums.
func rollUpAssigned(node *Node, agentsPerJob map[uint64]map[string]bool) map[string]bool {
	if node.IsJob() {
		return agentsPerJob[node.Job.ID]
	}
	agents := make(map[string]bool)
	for _, br := range node.Branches {
		for id := range rollUpAssigned(br, agentsPerJob) {
			agents[id] = true
		}
	}
	node.TotalAssigned = len(agents)
	node.Preassigned = len(agents)
	return agents
}
