package decision

import (
	"sort"
	"strings"

	"github.com/ilocn/reprobe/internal/worker"
)

func scriptLines(script string) int {
	n := len(strings.Split(strings.TrimRight(script, "\n"), "\n"))
	if n < 1 {
		return 1
	}
	return n
}

// Choose picks the best validated candidate. Ordering is fully
// deterministic: shortest script first, then fewest setup commands, then the
// earliest-launched worker. Returns nil when nothing passed validation.
func Choose(candidates []*Candidate) *Candidate {
	var viable []*Candidate
	for _, c := range candidates {
		if c.Validation != nil && c.Validation.Passed {
			viable = append(viable, c)
		}
	}
	if len(viable) == 0 {
		return nil
	}
	sort.Slice(viable, func(i, j int) bool {
		a, b := viable[i], viable[j]
		if la, lb := scriptLines(a.Script), scriptLines(b.Script); la != lb {
			return la < lb
		}
		if sa, sb := len(a.SetupCommands), len(b.SetupCommands); sa != sb {
			return sa < sb
		}
		return worker.Num(a.WorkerID) < worker.Num(b.WorkerID)
	})
	return viable[0]
}

// Rejected returns the candidates that did not pass validation, for the
// decision record.
func Rejected(candidates []*Candidate) []Candidate {
	var out []Candidate
	for _, c := range candidates {
		if c.Validation == nil || !c.Validation.Passed {
			out = append(out, *c)
		}
	}
	return out
}
