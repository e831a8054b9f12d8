// Package decision holds the evaluation half of a run: parsing worker output
// defensively, validating repro candidates against the oracle, minimizing
// the winner, ranking triage hypotheses, and synthesizing the final verdict.
package decision

// Candidate is a repro candidate claimed by a repro-builder worker.
type Candidate struct {
	CandidateID      string   `json:"candidate_id"`
	WorkerID         string   `json:"worker_id"`
	Script           string   `json:"script"`
	SetupCommands    []string `json:"setup_commands"`
	OracleCommand    string   `json:"oracle_command"`
	ClaimedSignature string   `json:"claimed_failure_signature"`
	FileExtension    string   `json:"file_extension"`

	Validation *Validation `json:"validation,omitempty"`
	// Rejection is set when the candidate failed validation.
	Rejection RejectionReason `json:"rejection,omitempty"`
}

// RejectionReason says why a candidate was not accepted.
type RejectionReason string

const (
	// RejectMalformed: the worker's output could not be parsed into a
	// candidate.
	RejectMalformed RejectionReason = "malformed"
	// RejectExecutionError: a setup command failed, so the oracle never ran.
	RejectExecutionError RejectionReason = "execution_error"
	// RejectNonReproducing: no oracle execution matched the claimed
	// signature.
	RejectNonReproducing RejectionReason = "non_reproducing"
	// RejectFlaky: some executions matched but fewer than the bar requires.
	RejectFlaky RejectionReason = "flaky"
)

// Validation records the outcome of oracle executions for one candidate
// script.
type Validation struct {
	TotalRuns        int    `json:"total_runs"`
	Matches          int    `json:"matches"`
	MatchedSignature string `json:"matched_signature"`
	Passed           bool   `json:"passed"`
}

// Evidence is one repository citation backing a hypothesis.
type Evidence struct {
	File    string `json:"file"`
	Line    int    `json:"line"`
	Snippet string `json:"snippet"`
}

// Hypothesis is one triage hypothesis from a triager worker.
type Hypothesis struct {
	HypothesisID        string     `json:"hypothesis_id"`
	WorkerID            string     `json:"worker_id"`
	Mechanism           string     `json:"mechanism"`
	Evidence            []Evidence `json:"evidence"`
	Confidence          float64    `json:"confidence"`
	DisconfirmingChecks []string   `json:"disconfirming_checks"`
}

// Status is the run's final verdict.
type Status string

const (
	StatusRunning        Status = "running"
	StatusNoRepro        Status = "no_repro"
	StatusReproConfirmed Status = "repro_confirmed"
	StatusInconclusive   Status = "inconclusive"
)

// Decision is the persisted verdict, written as decision.json.
type Decision struct {
	RunID      string `json:"run_id"`
	Status     Status `json:"status"`
	Reason     string `json:"reason"`
	IssueURL   string `json:"issue_url"`
	NeedsHuman bool   `json:"needs_human"`

	Selected      *Candidate   `json:"selected_candidate,omitempty"`
	MinimalRepro  string       `json:"minimal_repro,omitempty"`
	ReproPath     string       `json:"repro_path,omitempty"`
	Hypotheses    []Hypothesis `json:"hypotheses,omitempty"`
	Rejected      []Candidate  `json:"rejected_candidates,omitempty"`
	Metrics       *Metrics     `json:"metrics,omitempty"`
	FinalizedAt   int64        `json:"finalized_at,omitempty"`
}

// Usage accumulates agent token spend from telemetry events.
type Usage struct {
	InputTokens       int `json:"input_tokens"`
	CachedInputTokens int `json:"cached_input_tokens"`
	OutputTokens      int `json:"output_tokens"`
	Turns             int `json:"turns"`
}

// Metrics summarizes a run's cost and timing.
type Metrics struct {
	TimingSec map[string]float64 `json:"timing_sec"`
	Workers   Usage              `json:"workers"`
	Manager   Usage              `json:"manager"`
	Total     Usage              `json:"total"`
	BySource  map[string]Usage   `json:"by_source"`
}
