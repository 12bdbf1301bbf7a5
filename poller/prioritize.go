package poller

import (
	"sort"

	"github.com/c360studio/taskhive/task"
)

// Priority weights for the score-based ordering.
var priorityWeights = map[task.Priority]int{
	task.PriorityCritical: 100,
	task.PriorityUrgent:   100,
	task.PriorityHigh:     75,
	task.PriorityMedium:   50,
	task.PriorityLow:      25,
}

// Status weights reward tasks that have been waiting in attention-demanding
// states. States outside the table score zero.
var statusWeights = map[task.Status]int{
	task.StatusBlocked:  20,
	task.StatusReview:   10,
	task.StatusAssigned: 0,
}

// Score is the combined priority and status weight used by the worker
// ordering.
func Score(t *task.Task) int {
	return priorityWeights[t.Priority] + statusWeights[t.Status]
}

// SortByScore orders tasks by descending score, breaking ties by ascending
// creation time.
func SortByScore(tasks []*task.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		si, sj := Score(tasks[i]), Score(tasks[j])
		if si != sj {
			return si > sj
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}

// priorityOrdinals is the scanner-side selection order: urgent before high
// before medium before low. Unknown priorities sort last.
var priorityOrdinals = map[task.Priority]int{
	task.PriorityUrgent:   0,
	task.PriorityCritical: 0,
	task.PriorityHigh:     1,
	task.PriorityMedium:   2,
	task.PriorityLow:      3,
}

// PickUrgent returns the task that ordinal selection would process first:
// highest priority class, then oldest. Returns nil for an empty slice.
func PickUrgent(tasks []*task.Task) *task.Task {
	var best *task.Task
	for _, t := range tasks {
		if best == nil {
			best = t
			continue
		}
		bo, to := ordinal(best), ordinal(t)
		if to < bo || (to == bo && t.CreatedAt.Before(best.CreatedAt)) {
			best = t
		}
	}
	return best
}

func ordinal(t *task.Task) int {
	if o, ok := priorityOrdinals[t.Priority]; ok {
		return o
	}
	return len(priorityOrdinals)
}
