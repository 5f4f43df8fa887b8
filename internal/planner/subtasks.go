package planner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/thruflo/loom/internal/linear"
	"github.com/thruflo/loom/internal/state"
)

// SortByDependencies orders subtasks so every subtask comes after the
// siblings that block it. Ties break on original position. Subtasks stuck
// in a dependency cycle are appended in original order rather than
// dropped: a confusing order beats a lost subtask.
func SortByDependencies(subtasks []linear.Subtask) []linear.Subtask {
	index := make(map[string]int, len(subtasks))
	for i, st := range subtasks {
		index[st.ID] = i
	}

	// Kahn's algorithm over the blocked-by edges. Blockers outside the
	// sibling set are ignored: loom cannot schedule them anyway.
	indegree := make([]int, len(subtasks))
	blocks := make(map[int][]int)
	for i, st := range subtasks {
		for _, dep := range st.BlockedBy {
			j, ok := index[dep]
			if !ok {
				continue
			}
			indegree[i]++
			blocks[j] = append(blocks[j], i)
		}
	}

	var ready []int
	for i, d := range indegree {
		if d == 0 {
			ready = append(ready, i)
		}
	}

	placed := make([]bool, len(subtasks))
	out := make([]linear.Subtask, 0, len(subtasks))
	for len(ready) > 0 {
		sort.Ints(ready)
		i := ready[0]
		ready = ready[1:]
		out = append(out, subtasks[i])
		placed[i] = true
		for _, j := range blocks[i] {
			indegree[j]--
			if indegree[j] == 0 {
				ready = append(ready, j)
			}
		}
	}

	for i, st := range subtasks {
		if !placed[i] {
			out = append(out, st)
		}
	}
	return out
}

// StepsFromSubtasks maps subtasks one-to-one onto plan steps in dependency
// order. Used when planning is skipped: the ticket's own breakdown is the
// plan. Subtasks already in a terminal workflow state arrive marked done.
func StepsFromSubtasks(subtasks []linear.Subtask) state.Plan {
	var plan state.Plan
	for i, st := range SortByDependencies(subtasks) {
		desc := st.Title
		if st.Description != "" {
			desc = fmt.Sprintf("%s: %s", st.Title, firstLine(st.Description))
		}
		plan.Steps = append(plan.Steps, state.Step{
			ID:          i + 1,
			Ticket:      st.ID,
			Description: desc,
			Done:        isDoneState(st.State),
		})
	}
	return plan
}

// isDoneState matches the terminal workflow state names of a default
// Linear team.
func isDoneState(s string) bool {
	switch strings.ToLower(s) {
	case "done", "canceled", "cancelled", "duplicate":
		return true
	}
	return false
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
