package scheduler

import (
	"context"
	"sort"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/farmd/internal/interfaces"
	"github.com/ternarybob/farmd/internal/models"
)

// Matcher selects, for one (queue, agent) pair, a job the agent can
// immediately execute. It only chooses; it never assigns. All decisions
// consult one tree snapshot.
type Matcher struct {
	storage interfaces.StorageManager
	logger  arbor.ILogger

	// UseTotalRAM compares job RAM against the agent's total memory instead
	// of currently free memory.
	UseTotalRAM bool
	// PreferRunningJobs returns an eligible running job as soon as one is
	// seen instead of weighing it against older queued jobs.
	PreferRunningJobs bool
}

// NewMatcher creates a matcher over the given storage.
func NewMatcher(storage interfaces.StorageManager, logger arbor.ILogger) *Matcher {
	return &Matcher{
		storage: storage,
		logger:  logger,
	}
}

// GetJobForAgent walks the tree from node and returns a job node the agent
// can run, or nil when nothing fits. excluded lists job ids the caller
// already tried this tick.
func (m *Matcher) GetJobForAgent(ctx context.Context, tree *Tree, node *Node, agent *models.Agent, excluded map[uint64]bool) (*Node, error) {
	availableRAM := agent.FreeRAM
	if m.UseTotalRAM {
		availableRAM = agent.RAM
	}

	versions, err := m.agentSoftware(ctx, agent)
	if err != nil {
		return nil, err
	}

	return m.selectJob(ctx, tree, node, agent, availableRAM, versions, excluded)
}

// AgentCanRun checks job eligibility for one agent without tree traversal,
// used by the allocator's placement callback.
func (m *Matcher) AgentCanRun(ctx context.Context, tree *Tree, job *models.Job, agent *models.Agent) (bool, error) {
	availableRAM := agent.FreeRAM
	if m.UseTotalRAM {
		availableRAM = agent.RAM
	}
	versions, err := m.agentSoftware(ctx, agent)
	if err != nil {
		return false, err
	}
	return m.eligible(ctx, tree, job, agent, availableRAM, versions, nil)
}

// agentSoftware resolves the agent's software versions once per match.
func (m *Matcher) agentSoftware(ctx context.Context, agent *models.Agent) (map[uint64]*models.SoftwareVersion, error) {
	if len(agent.SoftwareVersionIDs) == 0 {
		return nil, nil
	}
	return m.storage.SoftwareStorage().GetSoftwareVersions(ctx, agent.SoftwareVersionIDs)
}

func (m *Matcher) selectJob(ctx context.Context, tree *Tree, node *Node, agent *models.Agent, availableRAM int64, agentVersions map[uint64]*models.SoftwareVersion, excluded map[uint64]bool) (*Node, error) {
	var jobs, queues []*Node
	for _, br := range node.Branches {
		if br.IsJob() {
			ok, err := m.eligible(ctx, tree, br.Job, agent, availableRAM, agentVersions, excluded)
			if err != nil {
				return nil, err
			}
			if ok {
				jobs = append(jobs, br)
			}
			continue
		}
		queues = append(queues, br)
	}

	// Minimum-enforcement pass: quotas beat priority.
	for _, j := range jobs {
		if j.Job.State == models.WorkStateRunning &&
			j.TotalAssigned < j.MinAgents() && j.TotalAssigned < j.MaxAgents() && j.CanUseMore {
			return j, nil
		}
	}
	for _, j := range jobs {
		if j.Job.State == models.WorkStateQueued && j.MinAgents() > 0 {
			return j, nil
		}
	}
	for _, q := range queues {
		if q.TotalAssigned < q.MinAgents() && q.TotalAssigned < q.MaxAgents() {
			if found, err := m.selectJob(ctx, tree, q, agent, availableRAM, agentVersions, excluded); err != nil || found != nil {
				return found, err
			}
		}
	}

	// Priority pass: descending buckets over jobs and queues together.
	for _, bucket := range priorityBuckets(append(append([]*Node{}, jobs...), queues...)) {
		weightSum, totalAssigned := bucketSums(bucket)
		sort.SliceStable(bucket, func(i, j int) bool {
			return fairnessScore(bucket[i], totalAssigned, weightSum) <
				fairnessScore(bucket[j], totalAssigned, weightSum)
		})

		var candidate *Node
		for _, item := range bucket {
			if item.IsJob() {
				switch item.Job.State {
				case models.WorkStateRunning:
					if item.CanUseMore && item.TotalAssigned < item.MaxAgents() {
						if m.PreferRunningJobs {
							return item, nil
						}
						candidate = olderCandidate(candidate, item)
					}
				case models.WorkStateQueued:
					candidate = olderCandidate(candidate, item)
				}
				continue
			}
			if item.TotalAssigned < item.MaxAgents() {
				found, err := m.selectJob(ctx, tree, item, agent, availableRAM, agentVersions, excluded)
				if err != nil {
					return nil, err
				}
				if found != nil {
					return found, nil
				}
			}
		}
		if candidate != nil {
			return candidate, nil
		}
	}

	return nil, nil
}

// olderCandidate keeps whichever job was submitted first.
func olderCandidate(current, next *Node) *Node {
	if current == nil {
		return next
	}
	if next.Job.TimeSubmitted.Before(current.Job.TimeSubmitted) {
		return next
	}
	return current
}

// eligible decides whether this agent may run this job at all: state, parent
// dependencies, RAM, tags, software requirements.
func (m *Matcher) eligible(ctx context.Context, tree *Tree, job *models.Job, agent *models.Agent, availableRAM int64, agentVersions map[uint64]*models.SoftwareVersion, excluded map[uint64]bool) (bool, error) {
	if excluded[job.ID] {
		return false, nil
	}
	if !job.State.IsActive() {
		return false, nil
	}
	if job.RAM > availableRAM {
		return false, nil
	}

	for _, parentID := range job.ParentIDs {
		parent, ok := tree.JobsByID[parentID]
		if !ok {
			// Not in the active snapshot: resolve from storage. Missing
			// parents do not block the job.
			p, err := m.storage.JobStorage().GetJob(ctx, parentID)
			if err == interfaces.ErrNotFound {
				continue
			}
			if err != nil {
				return false, err
			}
			parent = p
		}
		if parent.State != models.WorkStateDone {
			return false, nil
		}
	}

	if !hasAllTags(agent.Tags, job.Tags) {
		return false, nil
	}

	reqs := job.SoftwareRequirements
	if job.JobTypeVersionID != 0 {
		jtv, err := m.storage.JobTypeStorage().GetVersion(ctx, job.JobTypeVersionID)
		if err == interfaces.ErrNotFound {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		reqs = append(append([]models.SoftwareRequirement{}, reqs...), jtv.SoftwareRequirements...)
	}

	return m.satisfiesRequirements(ctx, reqs, agentVersions)
}

func hasAllTags(agentTags, jobTags []string) bool {
	if len(jobTags) == 0 {
		return true
	}
	have := make(map[string]bool, len(agentTags))
	for _, t := range agentTags {
		have[t] = true
	}
	for _, t := range jobTags {
		if !have[t] {
			return false
		}
	}
	return true
}

// satisfiesRequirements checks every requirement against the agent's
// software versions: matching software, rank within the inclusive
// [min, max] interval. Unset bounds are unbounded.
func (m *Matcher) satisfiesRequirements(ctx context.Context, reqs []models.SoftwareRequirement, agentVersions map[uint64]*models.SoftwareVersion) (bool, error) {
	if len(reqs) == 0 {
		return true, nil
	}
	if len(agentVersions) == 0 {
		return false, nil
	}

	// Resolve bound version ids to ranks in one batch.
	var boundIDs []uint64
	for _, r := range reqs {
		if r.MinVersionID != nil {
			boundIDs = append(boundIDs, *r.MinVersionID)
		}
		if r.MaxVersionID != nil {
			boundIDs = append(boundIDs, *r.MaxVersionID)
		}
	}
	bounds, err := m.storage.SoftwareStorage().GetSoftwareVersions(ctx, boundIDs)
	if err != nil {
		return false, err
	}

	for _, r := range reqs {
		satisfied := false
		for _, v := range agentVersions {
			if v.SoftwareID != r.SoftwareID {
				continue
			}
			if r.MinVersionID != nil {
				if min, ok := bounds[*r.MinVersionID]; !ok || v.Rank < min.Rank {
					continue
				}
			}
			if r.MaxVersionID != nil {
				if max, ok := bounds[*r.MaxVersionID]; !ok || v.Rank > max.Rank {
					continue
				}
			}
			satisfied = true
			break
		}
		if !satisfied {
			return false, nil
		}
	}
	return true, nil
}

// priorityBuckets groups nodes by priority, highest first.
func priorityBuckets(items []*Node) [][]*Node {
	byPriority := make(map[int][]*Node)
	var priorities []int
	for _, item := range items {
		p := item.Priority()
		if _, seen := byPriority[p]; !seen {
			priorities = append(priorities, p)
		}
		byPriority[p] = append(byPriority[p], item)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(priorities)))

	buckets := make([][]*Node, 0, len(priorities))
	for _, p := range priorities {
		buckets = append(buckets, byPriority[p])
	}
	return buckets
}

// bucketSums computes the fairness denominators for one priority bucket:
// weights of queues and running jobs, assignments of everything.
func bucketSums(bucket []*Node) (weightSum, totalAssigned int) {
	for _, item := range bucket {
		totalAssigned += item.TotalAssigned
		if !item.IsJob() || item.Job.State == models.WorkStateRunning {
			weightSum += item.Weight()
		}
	}
	return weightSum, totalAssigned
}

// fairnessScore is the ratio of the item's assigned share to its weight
// share. Zero totals make the assigned ratio 0; zero weights make the weight
// ratio 1, so unweighted items still get scored.
func fairnessScore(item *Node, totalAssigned, weightSum int) float64 {
	assignedRatio := 0.0
	if totalAssigned > 0 {
		assignedRatio = float64(item.TotalAssigned) / float64(totalAssigned)
	}
	weightRatio := 1.0
	if item.Weight() > 0 && weightSum > 0 {
		weightRatio = float64(item.Weight()) / float64(weightSum)
	}
	return assignedRatio / weightRatio
}

// FormBatch takes the prefix of eligible tasks that fits the job's batch
// limits. Tasks must already be in ascending frame order. With a contiguous
// job type, each added frame must equal the previous frame plus the job's
// step, compared exactly even for fractional steps.
func FormBatch(tasks []*models.Task, job *models.Job, jtv *models.JobTypeVersion) []*models.Task {
	if len(tasks) == 0 {
		return nil
	}

	limit := job.Batch
	if limit < 1 {
		limit = 1
	}
	if jtv != nil && jtv.MaxBatch > 0 && jtv.MaxBatch < limit {
		limit = jtv.MaxBatch
	}
	contiguous := jtv != nil && jtv.BatchContiguous

	batch := []*models.Task{tasks[0]}
	for _, t := range tasks[1:] {
		if len(batch) >= limit {
			break
		}
		if contiguous && batch[len(batch)-1].Frame+job.By != t.Frame {
			break
		}
		batch = append(batch, t)
	}
	return batch
}
