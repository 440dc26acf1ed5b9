// Copyright 2025 James Ross
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sgucard/dispatcher/internal/obs"
	"github.com/sgucard/dispatcher/internal/registry"
	"github.com/sgucard/dispatcher/internal/store"
	"go.uber.org/zap"
)

// verifyResponse pins the observable fields of the backend's verify response
// (SPEC_FULL.md §4.4, §6): top-level status, and on error variants, a nested
// resultado.message/erro or a top-level detail. Everything else is ignored.
type verifyResponse struct {
	Status    string `json:"status"`
	Resultado struct {
		Message string `json:"message"`
		Erro    string `json:"erro"`
	} `json:"resultado"`
	Detail string `json:"detail"`
}

func (r verifyResponse) isSuccess() bool {
	return r.Status == "success" || r.Status == "sucesso"
}

// errorMessage extracts the best available error description, falling back to a
// generic message that still names the reported status (SPEC_FULL.md §4.4).
func (r verifyResponse) errorMessage() string {
	if r.Resultado.Message != "" {
		return r.Resultado.Message
	}
	if r.Resultado.Erro != "" {
		return r.Resultado.Erro
	}
	if r.Detail != "" {
		return r.Detail
	}
	return fmt.Sprintf("API returned status: %s", r.Status)
}

// Dispatch carries everything one ephemeral worker goroutine needs for a single
// (job, backend) pairing (SPEC_FULL.md §4.4).
type Dispatch struct {
	Job     store.Job
	Backend *registry.Backend
	SlotID  string
}

// Worker runs the verify call for a dispatched job and applies the resulting terminal
// transition. One Worker is shared across all dispatches; Run is called per-dispatch,
// typically from its own goroutine.
type Worker struct {
	store      store.Store
	client     *http.Client
	verifyPath string
	token      string
	cooldown   time.Duration
	log        *zap.Logger
}

// New builds a Worker. timeout bounds every verify HTTP call (api_timeout_seconds);
// cooldown is the optional post_job_cooldown_seconds load-shaping pause held before
// the backend is freed for its next dispatch.
func New(st store.Store, verifyPath, token string, timeout, cooldown time.Duration, log *zap.Logger) *Worker {
	return &Worker{
		store:      st,
		client:     &http.Client{Timeout: timeout},
		verifyPath: verifyPath,
		token:      token,
		cooldown:   cooldown,
		log:        log,
	}
}

// Run executes one dispatch end to end: POST to the backend's verify endpoint, map
// the response to a terminal Job Store transition, then hold the configured cooldown
// and always clear the backend's busy flag and record the call's outcome in its
// circuit breaker — every exit path below does both, matching SPEC_FULL.md §4.4 step 3.
func (w *Worker) Run(ctx context.Context, d Dispatch) {
	defer func() {
		w.cooldownWait(ctx)
		d.Backend.SetBusy(false)
	}()

	start := time.Now()
	resp, err := w.callVerify(ctx, d)
	obs.VerifyCallDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		d.Backend.RecordVerifyOutcome(false)
		w.finishFail(ctx, d, fmt.Sprintf("API call failed: %s", err))
		return
	}

	if resp.isSuccess() {
		d.Backend.RecordVerifyOutcome(true)
		w.finishComplete(ctx, d)
		return
	}

	// An HTTP-successful call that reports a backend-side error is not a transport
	// failure, so it does not count against the breaker.
	d.Backend.RecordVerifyOutcome(true)
	w.finishFail(ctx, d, resp.errorMessage())
}

// cooldownWait holds the backend busy for post_job_cooldown_seconds after a dispatch
// completes, so a backend that just finished a job is not immediately redispatched.
// It returns early if ctx is cancelled first.
func (w *Worker) cooldownWait(ctx context.Context) {
	if w.cooldown <= 0 {
		return
	}
	select {
	case <-time.After(w.cooldown):
	case <-ctx.Done():
	}
}

func (w *Worker) callVerify(ctx context.Context, d Dispatch) (verifyResponse, error) {
	var out verifyResponse
	body, err := json.Marshal(map[string]string{"card": d.Job.CardNumber})
	if err != nil {
		return out, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Backend.URL+w.verifyPath, bytes.NewReader(body))
	if err != nil {
		return out, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+w.token)

	resp, err := w.client.Do(req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

func (w *Worker) finishComplete(ctx context.Context, d Dispatch) {
	ok, err := w.store.Complete(ctx, d.Job.ID, d.SlotID)
	if err != nil {
		w.log.Error("complete transition failed", zap.String("job_id", d.Job.ID), zap.String("slot_id", d.SlotID), zap.Error(err))
		return
	}
	if !ok {
		w.log.Warn("complete skipped: lease no longer held", zap.String("job_id", d.Job.ID), zap.String("slot_id", d.SlotID))
		return
	}
	obs.JobsCompleted.Inc()
	w.log.Info("job completed", zap.String("job_id", d.Job.ID), zap.String("backend", d.Backend.URL), zap.String("slot_id", d.SlotID))
}

func (w *Worker) finishFail(ctx context.Context, d Dispatch, reason string) {
	ok, err := w.store.Fail(ctx, d.Job.ID, d.SlotID, reason)
	if err != nil {
		w.log.Error("fail transition failed", zap.String("job_id", d.Job.ID), zap.String("slot_id", d.SlotID), zap.Error(err))
		return
	}
	if !ok {
		w.log.Warn("fail skipped: lease no longer held", zap.String("job_id", d.Job.ID), zap.String("slot_id", d.SlotID), zap.String("reason", reason))
		return
	}
	obs.JobsFailed.Inc()
	w.log.Warn("job failed", zap.String("job_id", d.Job.ID), zap.String("backend", d.Backend.URL), zap.String("slot_id", d.SlotID), zap.String("error", reason))
}
