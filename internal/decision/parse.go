package decision

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// extractJSON recovers a JSON object from agent output that may be wrapped
// in prose or markdown fences. The whole text is tried first, then the
// outermost brace span.
func extractJSON(raw string) (map[string]any, error) {
	text := strings.TrimSpace(raw)
	var payload map[string]any
	if err := json.Unmarshal([]byte(text), &payload); err == nil {
		return payload, nil
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("unable to locate JSON object in output")
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &payload); err != nil {
		return nil, fmt.Errorf("malformed JSON object in output: %w", err)
	}
	return payload, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asStringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	}
	return 0
}

// ParseCandidate reads a repro-builder output file. A missing or empty file
// returns (nil, nil): the worker produced nothing, which is not the same as
// producing garbage. Garbage is an error the caller records as a malformed
// candidate.
func ParseCandidate(workerID, outputPath string) (*Candidate, error) {
	raw, err := os.ReadFile(outputPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if strings.TrimSpace(string(raw)) == "" {
		return nil, nil
	}
	payload, err := extractJSON(string(raw))
	if err != nil {
		return nil, err
	}
	script := asString(payload["script"])
	oracle := asString(payload["oracle_command"])
	signature := asString(payload["claimed_failure_signature"])
	if script == "" || oracle == "" || signature == "" {
		return nil, fmt.Errorf("candidate from %s missing required fields", workerID)
	}
	c := &Candidate{
		CandidateID:      asString(payload["candidate_id"]),
		WorkerID:         workerID,
		Script:           script,
		SetupCommands:    asStringSlice(payload["setup_commands"]),
		OracleCommand:    oracle,
		ClaimedSignature: signature,
		FileExtension:    asString(payload["file_extension"]),
	}
	if c.CandidateID == "" {
		c.CandidateID = workerID + "-candidate"
	}
	if c.FileExtension == "" {
		c.FileExtension = "py"
	}
	return c, nil
}

// ParseTriage reads a triager output file into hypotheses. Missing and empty
// files parse as no hypotheses. Confidence is clamped into [0, 1] at parse
// time so later stages can rely on the range.
func ParseTriage(workerID, outputPath string) ([]Hypothesis, error) {
	raw, err := os.ReadFile(outputPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if strings.TrimSpace(string(raw)) == "" {
		return nil, nil
	}
	payload, err := extractJSON(string(raw))
	if err != nil {
		return nil, err
	}
	items, _ := payload["hypotheses"].([]any)
	var hypotheses []Hypothesis
	for idx, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		h := Hypothesis{
			HypothesisID:        asString(obj["hypothesis_id"]),
			WorkerID:            workerID,
			Mechanism:           strings.TrimSpace(asString(obj["mechanism"])),
			Confidence:          clamp01(asFloat(obj["confidence"])),
			DisconfirmingChecks: asStringSlice(obj["disconfirming_checks"]),
		}
		if h.HypothesisID == "" {
			h.HypothesisID = fmt.Sprintf("%s-h%d", workerID, idx+1)
		}
		if evItems, ok := obj["evidence"].([]any); ok {
			for _, evItem := range evItems {
				evObj, ok := evItem.(map[string]any)
				if !ok {
					continue
				}
				h.Evidence = append(h.Evidence, Evidence{
					File:    asString(evObj["file"]),
					Line:    int(asFloat(evObj["line"])),
					Snippet: asString(evObj["snippet"]),
				})
			}
		}
		hypotheses = append(hypotheses, h)
	}
	return hypotheses, nil
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
