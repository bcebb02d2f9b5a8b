// Package coordinator runs the supervisor-delegate-verify loop: delegation
// directives found in supervisor output become persisted tasks, delegates are
// invoked with per-agent serialization, retries, and timeouts, results are
// machine-verified, and the supervisor issues accept/reject verdicts until
// the round budget is exhausted.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/adsproject/ads/internal/agent/adapter"
	"github.com/adsproject/ads/internal/common/config"
	"github.com/adsproject/ads/internal/common/logger"
	"github.com/adsproject/ads/internal/common/tracing"
	"github.com/adsproject/ads/internal/orchestrator"
	"github.com/adsproject/ads/internal/task/store"
	"github.com/adsproject/ads/internal/task/verify"
	"go.uber.org/zap"
)

// Invoker sends a prompt to one agent. *orchestrator.Orchestrator satisfies
// this.
type Invoker interface {
	InvokeAgent(ctx context.Context, id string, input adapter.Input, opts adapter.SendOptions) (*adapter.SendResult, error)
}

// Verifier runs machine checks for a task. *verify.Runner satisfies this.
type Verifier interface {
	Run(ctx context.Context, spec *verify.Spec) ([]verify.Result, error)
}

// RunSupervisor asks the supervisor agent for another turn, used for verdict
// rounds.
type RunSupervisor func(ctx context.Context, prompt string) (*adapter.SendResult, error)

// Outcome is the result of one coordination run.
type Outcome struct {
	// Response is the supervisor text with directive blocks replaced by task
	// summaries, or the supervisor's last verbatim text when verdict parsing
	// failed.
	Response string
	Rounds   int
	TaskIDs  []string
}

// Coordinator drives the delegation loop for one (namespace, session) scope.
type Coordinator struct {
	cfg       config.CoordinatorConfig
	namespace string
	sessionID string
	invoker   Invoker
	store     *store.Store
	verifier  Verifier
	logger    *logger.Logger
	locks     *agentLocks
}

// New creates a coordinator. The verifier is optional.
func New(cfg config.CoordinatorConfig, namespace, sessionID string, invoker Invoker, st *store.Store, verifier Verifier, log *logger.Logger) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		namespace: namespace,
		sessionID: sessionID,
		invoker:   invoker,
		store:     st,
		verifier:  verifier,
		logger: log.WithFields(
			zap.String("component", "coordinator"),
			zap.String("session_id", sessionID)),
		locks: newAgentLocks(),
	}
}

// workItem is one scheduled task: a fresh directive or a rework revision.
type workItem struct {
	spec *TaskSpec
	// block is the raw directive text to replace in the supervisor response;
	// empty for rework items.
	block  string
	rework bool
}

// execution is the outcome of running one work item.
type execution struct {
	item         *workItem
	result       *TaskResult
	status       string
	lastError    string
	verification []verify.Result
}

// Run executes the coordination loop starting from an initial supervisor
// result. runSupervisor is called for verdict rounds.
func (c *Coordinator) Run(ctx context.Context, initial *adapter.SendResult, runSupervisor RunSupervisor) (*Outcome, error) {
	ctx, span := tracing.Tracer("coordinator").Start(ctx, "coordinator.run")
	defer span.End()

	out := &Outcome{Response: initial.Response}
	defer func() {
		span.SetAttributes(
			attribute.Int("coordinator.rounds", out.Rounds),
			attribute.Int("coordinator.tasks", len(out.TaskIDs)))
	}()
	result := initial
	var reworkQueue []*workItem

	for out.Rounds < c.cfg.MaxSupervisorRounds {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		toRun, deferred := c.schedule(result.Response, reworkQueue)
		reworkQueue = deferred
		if len(toRun) == 0 {
			break
		}
		out.Rounds++

		executed, err := c.runAll(ctx, toRun)
		if err != nil {
			return out, err
		}
		if resolved, changed := c.resolveBlocks(result.Response, executed); changed {
			out.Response = resolved
		}
		for _, ex := range executed {
			out.TaskIDs = append(out.TaskIDs, ex.item.spec.TaskID)
		}

		verdict, last, err := c.obtainVerdict(ctx, executed, runSupervisor)
		if err != nil {
			return out, err
		}
		if verdict == nil {
			// Invalid verdict after the retry: stop and hand back the
			// supervisor's last text untouched.
			out.Response = last.Response
			return out, nil
		}
		result = last

		rework, err := c.applyVerdict(ctx, verdict, executed)
		if err != nil {
			return out, err
		}
		reworkQueue = append(reworkQueue, rework...)
	}
	return out, nil
}

// schedule turns the supervisor's directives plus the rework queue into this
// round's work list, capped at maxDelegations. Excess directives are dropped
// (the supervisor may re-emit them); excess rework items stay queued.
func (c *Coordinator) schedule(supervisorText string, reworkQueue []*workItem) (toRun, deferred []*workItem) {
	directives := orchestrator.ParseDelegations(supervisorText, c.cfg.SupervisorAgentID)
	items := make([]*workItem, 0, len(directives)+len(reworkQueue))
	for _, d := range directives {
		items = append(items, &workItem{
			spec: &TaskSpec{
				TaskID:   uuid.NewString(),
				AgentID:  d.AgentID,
				Revision: 1,
				Goal:     d.Prompt,
			},
			block: d.Block,
		})
	}
	items = append(items, reworkQueue...)

	if len(items) <= c.cfg.MaxDelegations {
		return items, nil
	}
	toRun = items[:c.cfg.MaxDelegations]
	for _, it := range items[c.cfg.MaxDelegations:] {
		if it.rework {
			deferred = append(deferred, it)
		}
	}
	return toRun, deferred
}

// runAll executes the round's work items with bounded parallelism. Only
// cancellation aborts the round; per-task failures are carried in the
// executions.
func (c *Coordinator) runAll(ctx context.Context, items []*workItem) ([]*execution, error) {
	executed := make([]*execution, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxParallelDelegations)
	for i, item := range items {
		g.Go(func() error {
			ex, err := c.executeOne(gctx, item)
			if err != nil {
				return err
			}
			executed[i] = ex
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return executed, nil
}

// executeOne runs one task to a terminal per-round status: delegate attempts
// with backoff under the agent's FIFO lock, then verification.
func (c *Coordinator) executeOne(ctx context.Context, item *workItem) (*execution, error) {
	spec := item.spec
	ctx, span := tracing.Tracer("coordinator").Start(ctx, "coordinator.task")
	span.SetAttributes(
		attribute.String("task.id", spec.TaskID),
		attribute.String("task.agent_id", spec.AgentID),
		attribute.Int("task.revision", spec.Revision))
	defer span.End()
	log := c.logger.WithFields(
		zap.String("task_id", spec.TaskID),
		zap.String("agent_id", spec.AgentID),
		zap.Int("revision", spec.Revision))

	if !item.rework {
		if err := c.persistSpec(ctx, spec, store.StatusAssigned); err != nil {
			return nil, err
		}
	}

	release, err := c.locks.acquire(ctx, spec.AgentID)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := c.store.UpdateStatus(ctx, c.namespace, c.sessionID, spec.TaskID, store.StatusInProgress, nil); err != nil {
		return nil, err
	}

	ex := &execution{item: item}
	prompt := c.delegatePrompt(spec)

	for attempt := 1; attempt <= c.cfg.MaxTaskAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, c.cfg.RetryBackoff()*time.Duration(attempt-1)); err != nil {
				return nil, err
			}
		}

		result, lastErr := c.attempt(ctx, spec.AgentID, prompt)
		if lastErr == nil {
			c.appendMessage(ctx, spec.TaskID, store.RoleDelegate, result.Response)
			parsed, perr := ParseTaskResult(result.Response)
			if perr == nil {
				ex.result = parsed
				ex.status = resultStatus(parsed.Status)
				c.recordAttempt(ctx, spec.TaskID, nil)
				if serr := c.storeResult(ctx, spec.TaskID, ex.status, parsed); serr != nil {
					return nil, serr
				}
				log.Info("task attempt succeeded",
					zap.Int("attempt", attempt),
					zap.String("status", ex.status))
				break
			}
			lastErr = perr
		}

		// Outer cancellation propagates immediately; a per-attempt timeout
		// surfaces as a retryable error instead.
		if adapter.IsCancelled(lastErr) && ctx.Err() != nil {
			return nil, lastErr
		}

		ex.lastError = lastErr.Error()
		c.recordAttempt(ctx, spec.TaskID, &ex.lastError)
		log.Warn("task attempt failed",
			zap.Int("attempt", attempt),
			zap.String("error", ex.lastError))
	}

	if ex.result == nil {
		ex.status = store.StatusFailed
		if err := c.store.UpdateStatus(ctx, c.namespace, c.sessionID, spec.TaskID, store.StatusFailed, &ex.lastError); err != nil {
			return nil, err
		}
		return ex, nil
	}

	c.runVerification(ctx, ex)
	return ex, nil
}

// attempt is one delegate invocation under the per-task timeout.
func (c *Coordinator) attempt(ctx context.Context, agentID, prompt string) (*adapter.SendResult, error) {
	attemptCtx := ctx
	if timeout := c.cfg.TaskTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	result, err := c.invoker.InvokeAgent(attemptCtx, agentID, adapter.TextInput(prompt), adapter.SendOptions{Silent: true})
	if err != nil {
		if adapter.IsCancelled(err) && ctx.Err() == nil {
			return nil, fmt.Errorf("task timed out: %w", err)
		}
		return nil, err
	}
	return result, nil
}

// runVerification executes the spec's machine checks and persists the report.
// A disabled runner leaves the task untouched.
func (c *Coordinator) runVerification(ctx context.Context, ex *execution) {
	spec := ex.item.spec
	if c.verifier == nil || spec.Verification.Empty() {
		return
	}
	results, err := c.verifier.Run(ctx, spec.Verification)
	if errors.Is(err, verify.ErrDisabled) {
		return
	}
	if err != nil {
		c.logger.Warn("verification run failed",
			zap.String("task_id", spec.TaskID), zap.Error(err))
		return
	}
	ex.verification = results

	payload, err := json.Marshal(results)
	if err != nil {
		return
	}
	if err := c.store.StoreVerification(ctx, c.namespace, c.sessionID, spec.TaskID, string(payload)); err != nil {
		c.logger.Warn("verification persist failed",
			zap.String("task_id", spec.TaskID), zap.Error(err))
	}
}

// obtainVerdict asks the supervisor to judge the executed tasks. On an
// unparsable reply it retries once with a schema-only prompt; a second
// failure returns a nil verdict plus the supervisor's last result.
func (c *Coordinator) obtainVerdict(ctx context.Context, executed []*execution, runSupervisor RunSupervisor) (*SupervisorVerdict, *adapter.SendResult, error) {
	result, err := runSupervisor(ctx, c.verdictPrompt(executed))
	if err != nil {
		return nil, nil, err
	}
	c.appendRoundMessage(ctx, executed, store.RoleSupervisor, result.Response)

	verdict, perr := ParseVerdict(result.Response)
	if perr == nil {
		return verdict, result, nil
	}

	c.logger.Warn("verdict parse failed, retrying with schema-only prompt", zap.Error(perr))
	result, err = runSupervisor(ctx, verdictRetryPrompt)
	if err != nil {
		return nil, nil, err
	}
	verdict, perr = ParseVerdict(result.Response)
	if perr != nil {
		return nil, result, nil
	}
	return verdict, result, nil
}

// applyVerdict moves accepted tasks to DONE and rejected ones into rework:
// bump revision, null outputs, queue the next revision.
func (c *Coordinator) applyVerdict(ctx context.Context, verdict *SupervisorVerdict, executed []*execution) ([]*workItem, error) {
	byID := make(map[string]*execution, len(executed))
	for _, ex := range executed {
		byID[ex.item.spec.TaskID] = ex
	}

	var rework []*workItem
	for _, v := range verdict.Verdicts {
		ex, ok := byID[v.TaskID]
		if !ok {
			c.logger.Warn("verdict for unknown task", zap.String("task_id", v.TaskID))
			continue
		}
		// FAILED is terminal under this round; verdicts only apply to tasks
		// that produced a result.
		if ex.result == nil {
			continue
		}
		spec := ex.item.spec

		if v.Accept {
			if err := c.store.UpdateStatus(ctx, c.namespace, c.sessionID, v.TaskID, store.StatusAccepted, nil); err != nil {
				return nil, err
			}
			if err := c.store.UpdateStatus(ctx, c.namespace, c.sessionID, v.TaskID, store.StatusDone, nil); err != nil {
				return nil, err
			}
			continue
		}

		if err := c.store.UpdateStatus(ctx, c.namespace, c.sessionID, v.TaskID, store.StatusRejected, nil); err != nil {
			return nil, err
		}
		if err := c.store.BumpRevision(ctx, c.namespace, c.sessionID, v.TaskID); err != nil {
			return nil, err
		}
		if err := c.store.ClearOutputs(ctx, c.namespace, c.sessionID, v.TaskID); err != nil {
			return nil, err
		}
		if err := c.store.UpdateStatus(ctx, c.namespace, c.sessionID, v.TaskID, store.StatusRework, nil); err != nil {
			return nil, err
		}

		next := *spec
		next.Revision = spec.Revision + 1
		next.ParentTaskID = spec.TaskID
		if v.Note != "" {
			next.Goal = spec.Goal + "\n\nRework notes from the supervisor:\n" + v.Note
		}
		if err := c.persistSpec(ctx, &next, store.StatusRework); err != nil {
			return nil, err
		}
		rework = append(rework, &workItem{spec: &next, rework: true})
	}
	return rework, nil
}

// persistSpec upserts the task row for a spec revision.
func (c *Coordinator) persistSpec(ctx context.Context, spec *TaskSpec, status string) error {
	payload, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("encode task spec: %w", err)
	}
	task := &store.Task{
		TaskID:    spec.TaskID,
		Namespace: c.namespace,
		SessionID: c.sessionID,
		AgentID:   spec.AgentID,
		Revision:  spec.Revision,
		Status:    status,
		SpecJSON:  string(payload),
	}
	if spec.ParentTaskID != "" && spec.ParentTaskID != spec.TaskID {
		task.ParentTaskID = &spec.ParentTaskID
	}
	return c.store.UpsertTask(ctx, task)
}

func (c *Coordinator) storeResult(ctx context.Context, taskID, status string, result *TaskResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode task result: %w", err)
	}
	return c.store.StoreResult(ctx, c.namespace, c.sessionID, taskID, status, string(payload))
}

func (c *Coordinator) recordAttempt(ctx context.Context, taskID string, lastError *string) {
	if err := c.store.RecordAttempt(ctx, c.namespace, c.sessionID, taskID, lastError); err != nil {
		c.logger.Warn("record attempt failed", zap.String("task_id", taskID), zap.Error(err))
	}
}

func (c *Coordinator) appendMessage(ctx context.Context, taskID, role, payload string) {
	err := c.store.AppendMessage(ctx, &store.TaskMessage{
		TaskID:    taskID,
		Namespace: c.namespace,
		SessionID: c.sessionID,
		Role:      role,
		Payload:   payload,
	})
	if err != nil {
		c.logger.Warn("append message failed", zap.String("task_id", taskID), zap.Error(err))
	}
}

func (c *Coordinator) appendRoundMessage(ctx context.Context, executed []*execution, role, payload string) {
	for _, ex := range executed {
		c.appendMessage(ctx, ex.item.spec.TaskID, role, payload)
	}
}

// resolveBlocks replaces each directive block in the supervisor text with the
// task's collaboration summary. Rework items carry no block and are skipped.
func (c *Coordinator) resolveBlocks(text string, executed []*execution) (string, bool) {
	changed := false
	for _, ex := range executed {
		if ex.item.block == "" {
			continue
		}
		text = strings.Replace(text, ex.item.block, c.summaryText(ex), 1)
		changed = true
	}
	return text, changed
}

func (c *Coordinator) summaryText(ex *execution) string {
	agentID := ex.item.spec.AgentID
	if ex.result == nil {
		return fmt.Sprintf("🤝 %s(协作代理) 执行失败：%s", agentID, ex.lastError)
	}
	return fmt.Sprintf("🤝 %s(协作代理)：\n%s", agentID, strings.TrimSpace(ex.result.Summary))
}

// delegatePrompt renders the task spec as the delegate's instruction,
// requesting a single fenced TaskResult JSON document.
func (c *Coordinator) delegatePrompt(spec *TaskSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are working on task %s (revision %d).\n\nGoal:\n%s\n",
		spec.TaskID, spec.Revision, spec.Goal)
	writeList(&b, "Constraints", spec.Constraints)
	writeList(&b, "Deliverables", spec.Deliverables)
	writeList(&b, "Acceptance criteria", spec.AcceptanceCriteria)
	fmt.Fprintf(&b, `
When you are done, reply with exactly one JSON object inside a fenced code block:

`+"```json"+`
{"taskId": %q, "revision": %d, "status": "submitted|needs_clarification|failed", "summary": "...", "changedFiles": [], "howToVerify": [], "knownRisks": [], "questions": []}
`+"```"+`
Use status "needs_clarification" with your questions listed when you cannot proceed.
`, spec.TaskID, spec.Revision)
	return b.String()
}

// verdictPrompt summarizes the round's executions and asks the supervisor for
// a SupervisorVerdict document.
func (c *Coordinator) verdictPrompt(executed []*execution) string {
	var b strings.Builder
	b.WriteString("All delegated tasks in this round have finished.\n\n")
	for _, ex := range executed {
		spec := ex.item.spec
		fmt.Fprintf(&b, "- task %s (agent %s, revision %d): %s\n", spec.TaskID, spec.AgentID, spec.Revision, ex.status)
		if ex.result != nil {
			fmt.Fprintf(&b, "  summary: %s\n", strings.TrimSpace(ex.result.Summary))
		} else if ex.lastError != "" {
			fmt.Fprintf(&b, "  error: %s\n", ex.lastError)
		}
		if len(ex.verification) > 0 {
			passed := 0
			for _, r := range ex.verification {
				if r.OK {
					passed++
				}
			}
			fmt.Fprintf(&b, "  verification: %d/%d checks passed\n", passed, len(ex.verification))
		}
	}
	b.WriteString(`
Review each task and reply with exactly one JSON object inside a fenced code block:

` + "```json" + `
{"verdicts": [{"taskId": "...", "accept": true, "note": "..."}]}
` + "```" + `
Set accept to false with a note describing the required rework.
`)
	return b.String()
}

const verdictRetryPrompt = "Your previous reply was not a valid verdict. Reply with ONLY this JSON object and no other text:\n" +
	`{"verdicts": [{"taskId": "...", "accept": true|false, "note": "..."}]}`

func resultStatus(s string) string {
	switch s {
	case ResultSubmitted:
		return store.StatusSubmitted
	case ResultNeedsClarification:
		return store.StatusNeedsClarification
	default:
		return store.StatusFailed
	}
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s:\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
