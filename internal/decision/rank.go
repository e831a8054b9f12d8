package decision

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ilocn/reprobe/internal/worker"
)

// evidenceValid checks a citation against the repository: the file must
// exist, the line must be in range, and the snippet (when given) must occur
// on that line.
func evidenceValid(repoPath string, ev Evidence) bool {
	if ev.File == "" || ev.Line <= 0 {
		return false
	}
	path := filepath.Join(repoPath, ev.File)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	lines := strings.Split(string(data), "\n")
	if ev.Line > len(lines) {
		return false
	}
	if ev.Snippet != "" && !strings.Contains(lines[ev.Line-1], ev.Snippet) {
		return false
	}
	return true
}

// FilterRank drops hypotheses without a mechanism or without verifiable
// evidence, keeps only the evidence rows that check out against the repo,
// and orders the rest by confidence, then evidence count, then worker.
func FilterRank(repoPath string, hypotheses []Hypothesis) []Hypothesis {
	var kept []Hypothesis
	for _, h := range hypotheses {
		if h.Mechanism == "" || len(h.Evidence) == 0 {
			continue
		}
		var valid []Evidence
		for _, ev := range h.Evidence {
			if evidenceValid(repoPath, ev) {
				valid = append(valid, ev)
			}
		}
		if len(valid) == 0 {
			continue
		}
		h.Evidence = valid
		h.Confidence = clamp01(h.Confidence)
		kept = append(kept, h)
	}
	sort.Slice(kept, func(i, j int) bool {
		a, b := kept[i], kept[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if len(a.Evidence) != len(b.Evidence) {
			return len(a.Evidence) > len(b.Evidence)
		}
		if na, nb := worker.Num(a.WorkerID), worker.Num(b.WorkerID); na != nb {
			return na < nb
		}
		return a.HypothesisID < b.HypothesisID
	})
	return kept
}

// Top returns at most limit leading hypotheses.
func Top(ranked []Hypothesis, limit int) []Hypothesis {
	if limit <= 0 || limit > len(ranked) {
		limit = len(ranked)
	}
	return ranked[:limit]
}
