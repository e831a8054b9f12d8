// Package issue turns a GitHub issue into a structured spec the rest of the
// pipeline can act on: failure signals to match against, constraints quoted
// from the report, and file paths the report mentions. Issues with no
// recognizable failure signal are flagged needs-human instead of being run.
package issue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	urlRE        = regexp.MustCompile(`^https?://github\.com/([\w.-]+)/([\w.-]+)/issues/(\d+)(?:[/?#].*)?$`)
	exceptionRE  = regexp.MustCompile(`\b([A-Za-z_][A-Za-z0-9_]*(?:Error|Exception|Failure))\b`)
	assertRE     = regexp.MustCompile(`(?i)\b(assert(?:ion)?\s+failed|assert)\b`)
	pathRE       = regexp.MustCompile(`\b([A-Za-z0-9_./-]+\.(?:py|c|cc|cpp|h|hpp|js|ts|go|rs|java|rb|swift))\b`)
	messageRE    = regexp.MustCompile("(?i)(?:message|error|exception)[:\\s]+[`'\"]([^`'\"]{3,200})[`'\"]")
	constraintRE = regexp.MustCompile(`(?i)\b(must|cannot|can't|should|do not|don't|required|requirement)\b`)
	exitCodeRE   = regexp.MustCompile(`(?i)(?:exit(?:\s+code)?|returns?)\s*[:=]?\s*(-?\d+)`)
)

// Signal is one observable symptom from the report. A candidate's claimed
// failure must match at least one signal to count as reproducing the issue.
type Signal struct {
	ExceptionType    string `json:"exception_type,omitempty"`
	MessageSubstring string `json:"message_substring,omitempty"`
	ExitCode         *int   `json:"exit_code,omitempty"`
	RawPattern       string `json:"raw_pattern,omitempty"`
}

// Spec is the normalized issue, persisted as issue.json.
type Spec struct {
	IssueURL         string   `json:"issue_url"`
	RepoSlug         string   `json:"repo_slug"`
	IssueNumber      int      `json:"issue_number"`
	Title            string   `json:"title"`
	Body             string   `json:"body"`
	Labels           []string `json:"labels"`
	FailureSignals   []Signal `json:"expected_failure_signals"`
	Constraints      []string `json:"constraints"`
	TargetPaths      []string `json:"target_paths"`
	Status           string   `json:"status"`
	NeedsHumanReason string   `json:"needs_human_reason,omitempty"`
}

// NeedsHuman reports whether the pipeline should stop before launching
// workers.
func (s *Spec) NeedsHuman() bool { return s.Status == "needs-human" }

// Matches reports whether an observed execution exhibits this signal. Text
// comparisons are case-insensitive; an exit code, when present, must match
// exactly.
func (s Signal) Matches(output string, exitCode int) bool {
	lowered := strings.ToLower(output)
	if s.ExceptionType != "" && !strings.Contains(lowered, strings.ToLower(s.ExceptionType)) {
		if s.RawPattern == "" || !strings.Contains(lowered, s.RawPattern) {
			return false
		}
	}
	if s.MessageSubstring != "" && !strings.Contains(lowered, strings.ToLower(s.MessageSubstring)) {
		return false
	}
	if s.ExitCode != nil && *s.ExitCode != exitCode {
		return false
	}
	return true
}

// ParseURL extracts owner, repo, and issue number from a GitHub issue URL.
func ParseURL(issueURL string) (owner, repo string, number int, err error) {
	m := urlRE.FindStringSubmatch(strings.TrimSpace(issueURL))
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid GitHub issue URL: %s", issueURL)
	}
	number, err = strconv.Atoi(m[3])
	if err != nil {
		return "", "", 0, fmt.Errorf("invalid issue number in %s: %w", issueURL, err)
	}
	return m[1], m[2], number, nil
}

// Fetcher retrieves issues from the GitHub API.
type Fetcher struct {
	Token  string
	Client *http.Client
}

func (f *Fetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return &http.Client{Timeout: 20 * time.Second}
}

// Fetch downloads the issue and normalizes it into a Spec.
func (f *Fetcher) Fetch(ctx context.Context, issueURL string) (*Spec, error) {
	owner, repo, number, err := ParseURL(issueURL)
	if err != nil {
		return nil, err
	}
	api := fmt.Sprintf("https://api.github.com/repos/%s/%s/issues/%d", owner, repo, number)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "reprobe")
	if f.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.Token)
	}
	resp, err := f.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("github API request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github API request failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload struct {
		Title  string `json:"title"`
		Body   string `json:"body"`
		Labels []struct {
			Name string `json:"name"`
		} `json:"labels"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decoding issue payload: %w", err)
	}
	labels := make([]string, 0, len(payload.Labels))
	for _, l := range payload.Labels {
		labels = append(labels, l.Name)
	}
	return Normalize(issueURL, payload.Title, payload.Body, labels)
}

// Normalize builds a Spec from raw issue fields.
func Normalize(issueURL, title, body string, labels []string) (*Spec, error) {
	owner, repo, number, err := ParseURL(issueURL)
	if err != nil {
		return nil, err
	}
	title = strings.TrimSpace(title)
	body = strings.TrimSpace(body)
	combined := title + "\n\n" + body

	spec := &Spec{
		IssueURL:       issueURL,
		RepoSlug:       owner + "/" + repo,
		IssueNumber:    number,
		Title:          title,
		Body:           body,
		Labels:         labels,
		FailureSignals: ExtractSignals(combined),
		Constraints:    extractConstraints(body),
		TargetPaths:    extractPaths(combined),
		Status:         "ok",
	}
	if len(spec.FailureSignals) == 0 {
		spec.Status = "needs-human"
		spec.NeedsHumanReason = "no structured failure signal found in issue title/body"
	}
	return spec, nil
}

// ExtractSignals pulls failure signals out of free text: exception names,
// assertion mentions, quoted error messages, and exit codes, deduplicated in
// discovery order.
func ExtractSignals(text string) []Signal {
	var signals []Signal
	seen := map[string]bool{}
	add := func(s Signal) {
		key := fmt.Sprintf("%s|%s|%v|%s", s.ExceptionType, s.MessageSubstring, s.ExitCode, s.RawPattern)
		if s.ExitCode != nil {
			key = fmt.Sprintf("%s|%s|%d|%s", s.ExceptionType, s.MessageSubstring, *s.ExitCode, s.RawPattern)
		}
		if !seen[key] {
			seen[key] = true
			signals = append(signals, s)
		}
	}
	for _, m := range exceptionRE.FindAllStringSubmatch(text, -1) {
		add(Signal{ExceptionType: m[1]})
	}
	if assertRE.MatchString(text) {
		add(Signal{ExceptionType: "AssertionError", RawPattern: "assert"})
	}
	for _, m := range messageRE.FindAllStringSubmatch(text, -1) {
		add(Signal{MessageSubstring: strings.TrimSpace(m[1])})
	}
	for _, m := range exitCodeRE.FindAllStringSubmatch(text, -1) {
		code, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		add(Signal{ExitCode: &code})
	}
	return signals
}

func extractConstraints(body string) []string {
	set := map[string]bool{}
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && constraintRE.MatchString(line) {
			set[line] = true
		}
	}
	out := make([]string, 0, len(set))
	for line := range set {
		out = append(out, line)
	}
	sort.Strings(out)
	return out
}

func extractPaths(text string) []string {
	set := map[string]bool{}
	for _, m := range pathRE.FindAllStringSubmatch(text, -1) {
		set[m[1]] = true
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
