// Package web serves a read-only status dashboard over the runs directory.
// Everything it shows comes from artifacts on disk, so it can watch runs
// driven by another process.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ilocn/reprobe/internal/artifact"
	"github.com/ilocn/reprobe/internal/decision"
	"github.com/ilocn/reprobe/internal/logbuf"
	"github.com/ilocn/reprobe/internal/run"
	"github.com/ilocn/reprobe/internal/worker"
)

// runJSON is one row of the runs listing.
type runJSON struct {
	ID        string `json:"id"`
	IssueURL  string `json:"issue_url"`
	State     string `json:"state"`
	Status    string `json:"status,omitempty"`
	Reason    string `json:"reason,omitempty"`
	CreatedAt int64  `json:"created_at"`
	EndedAt   int64  `json:"ended_at,omitempty"`
}

// workerJSON is one worker row in the run detail payload.
type workerJSON struct {
	ID         string `json:"id"`
	Role       string `json:"role"`
	State      string `json:"state"`
	Session    string `json:"session"`
	Attach     string `json:"attach"`
	RetryCount int    `json:"retry_count"`
	FailReason string `json:"fail_reason,omitempty"`
	Tail       string `json:"tail,omitempty"`
}

// tailLines is how much pane output the run detail shows per worker.
const tailLines = 20

// detailJSON is the full payload for one run.
type detailJSON struct {
	Run      runJSON            `json:"run"`
	Workers  []workerJSON       `json:"workers"`
	Decision *decision.Decision `json:"decision,omitempty"`
}

// statusJSON is the listing payload.
type statusJSON struct {
	Runs      []runJSON      `json:"runs"`
	Summary   map[string]int `json:"summary"`
	UpdatedAt int64          `json:"updated_at"`
}

type sseClient struct {
	ch chan string
}

// Stopper stops a run. Satisfied by manager.Manager.
type Stopper interface {
	StopRun(ctx context.Context, runID string) error
}

// Sessions talks to live tmux sessions: text in, pane contents out.
// Satisfied by tmux.Supervisor.
type Sessions interface {
	Send(ctx context.Context, name, text string) error
	Capture(ctx context.Context, name string, lines int) (string, error)
}

// Server holds the dashboard state.
type Server struct {
	store    *artifact.Store
	stopper  Stopper
	sessions Sessions
	lb       *logbuf.LogBuf
	mu       sync.Mutex
	clients  map[*sseClient]struct{}
}

func runRow(store *artifact.Store, r *run.Run) runJSON {
	row := runJSON{
		ID:        r.ID,
		IssueURL:  r.IssueURL,
		State:     string(r.State),
		Reason:    r.Reason,
		CreatedAt: r.CreatedAt,
		EndedAt:   r.EndedAt,
	}
	var d decision.Decision
	if err := store.ReadJSON(store.DecisionJSON(r.ID), &d); err == nil {
		row.Status = string(d.Status)
	}
	return row
}

// buildStatusJSON reads the runs directory and builds the listing payload,
// newest run first.
func buildStatusJSON(store *artifact.Store) (*statusJSON, error) {
	ids, err := store.ListRuns()
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	payload := &statusJSON{
		Summary:   map[string]int{},
		UpdatedAt: time.Now().Unix(),
	}
	for i := len(ids) - 1; i >= 0; i-- {
		r, err := run.Load(store, ids[i])
		if err != nil {
			continue
		}
		row := runRow(store, r)
		payload.Runs = append(payload.Runs, row)
		payload.Summary[row.State]++
	}
	return payload, nil
}

func (s *Server) buildDetailJSON(ctx context.Context, runID string) (*detailJSON, error) {
	r, err := run.Load(s.store, runID)
	if err != nil {
		return nil, err
	}
	detail := &detailJSON{Run: runRow(s.store, r)}

	workers, err := worker.LoadAll(s.store, runID)
	if err != nil {
		return nil, err
	}
	for _, w := range workers {
		row := workerJSON{
			ID:         w.ID,
			Role:       string(w.Role),
			State:      string(w.State),
			Session:    w.Session,
			Attach:     "tmux attach -t " + w.Session,
			RetryCount: w.RetryCount,
			FailReason: w.FailReason,
		}
		// Tail only makes sense while the session is alive.
		if s.sessions != nil && !w.State.Terminal() {
			if tail, err := s.sessions.Capture(ctx, w.Session, tailLines); err == nil {
				row.Tail = tail
			}
		}
		detail.Workers = append(detail.Workers, row)
	}
	var d decision.Decision
	if err := s.store.ReadJSON(s.store.DecisionJSON(runID), &d); err == nil {
		detail.Decision = &d
	}
	return detail, nil
}

// Serve starts the dashboard on addr and shuts down when ctx is cancelled.
// stopper backs the stop endpoint and sessions back send and the per-worker
// tails; either may be nil, which turns the corresponding feature off.
func Serve(ctx context.Context, store *artifact.Store, stopper Stopper, sessions Sessions, addr string, lb *logbuf.LogBuf) error {
	srv := &Server{
		store:    store,
		stopper:  stopper,
		sessions: sessions,
		lb:       lb,
		clients:  make(map[*sseClient]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", srv.handleIndex)
	mux.HandleFunc("/api/runs", srv.handleRuns)
	mux.HandleFunc("/api/runs/", srv.handleRunSubtree)
	mux.HandleFunc("/api/logs", srv.handleLogs)
	mux.HandleFunc("/events", srv.handleEvents)

	httpSrv := &http.Server{Addr: addr, Handler: mux}

	go srv.pollLoop(ctx)

	if lb != nil {
		go func() {
			ch := lb.Subscribe()
			defer lb.Unsubscribe(ch)
			for {
				select {
				case <-ctx.Done():
					return
				case line := <-ch:
					srv.broadcastRaw(fmt.Sprintf("event: log\ndata: %s\n\n", line))
				}
			}
		}()
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown failed", slog.Any("error", err))
		}
	}()

	slog.Info("dashboard listening", slog.String("addr", addr))
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(dashboardHTML))
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	payload, err := buildStatusJSON(s.store)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, payload)
}

// handleRunSubtree dispatches /api/runs/{id}, /api/runs/{id}/send and
// /api/runs/{id}/stop.
func (s *Server) handleRunSubtree(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	runID, action, _ := strings.Cut(rest, "/")
	if runID == "" {
		http.NotFound(w, r)
		return
	}
	switch action {
	case "":
		s.handleRunDetail(w, r, runID)
	case "send":
		s.handleSend(w, r, runID)
	case "stop":
		s.handleStop(w, r, runID)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request, runID string) {
	detail, err := s.buildDetailJSON(r.Context(), runID)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, detail)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.sessions == nil {
		http.Error(w, "send not available", http.StatusNotImplemented)
		return
	}
	workerID := r.FormValue("worker")
	text := r.FormValue("text")
	if workerID == "" || text == "" {
		http.Error(w, "worker and text are required", http.StatusBadRequest)
		return
	}
	wk, err := worker.Load(s.store, runID, workerID)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.sessions.Send(r.Context(), wk.Session, text); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	slog.Info("input sent to worker",
		slog.String("run", runID), slog.String("worker", workerID))
	writeJSON(w, map[string]string{"run_id": runID, "worker_id": workerID, "session": wk.Session})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.stopper == nil {
		http.Error(w, "stop not available", http.StatusNotImplemented)
		return
	}
	if err := s.stopper.StopRun(r.Context(), runID); err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		if errors.Is(err, run.ErrTerminal) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"run_id": runID, "state": string(run.StateStopped)})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	var lines []string
	if s.lb != nil {
		lines = s.lb.Lines()
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, lines)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// handleEvents serves Server-Sent Events for live updates.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	client := &sseClient{ch: make(chan string, 16)}
	s.mu.Lock()
	s.clients[client] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, client)
		s.mu.Unlock()
	}()

	if payload, err := buildStatusJSON(s.store); err == nil {
		if data, err := json.Marshal(payload); err == nil {
			fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
	if s.lb != nil {
		for _, line := range s.lb.Lines() {
			fmt.Fprintf(w, "event: log\ndata: %s\n\n", line)
		}
		flusher.Flush()
	}

	for {
		select {
		case msg := <-client.ch:
			fmt.Fprint(w, msg)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) broadcastRaw(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.ch <- msg:
		default:
			// Slow consumer, drop.
		}
	}
}

// pollLoop pushes fresh listings to SSE clients.
func (s *Server) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := buildStatusJSON(s.store)
			if err != nil {
				slog.Error("status poll failed", slog.Any("error", err))
				continue
			}
			data, err := json.Marshal(payload)
			if err != nil {
				continue
			}
			s.broadcastRaw(fmt.Sprintf("event: status\ndata: %s\n\n", string(data)))
		}
	}
}
