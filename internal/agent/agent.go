// Package agent drives the per-request agentic loop: it admits the request
// through the rate limiter, snapshots configuration and permissions,
// iterates the LM through tool calls until it produces a final answer, and
// emits exactly one audit record for every terminal state.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/omnibridge/omnibridge/internal/audit"
	"github.com/omnibridge/omnibridge/internal/config"
	"github.com/omnibridge/omnibridge/internal/llm"
	"github.com/omnibridge/omnibridge/internal/ratelimit"
	"github.com/omnibridge/omnibridge/internal/threads"
	"github.com/omnibridge/omnibridge/pkg/models"
)

// DefaultMaxIterations bounds tool-dispatch rounds per request; the LM call
// that would start one more round ends the loop instead.
const DefaultMaxIterations = 10

// maxParallelTools bounds tool fan-out within one loop step.
const maxParallelTools = 8

// fallbackAnswer is returned when the iteration ceiling is hit before the
// LM produced any text.
const fallbackAnswer = "I reached the iteration limit before completing this request. Here is what I gathered so far; please narrow the question and try again."

// LM is the language-model adapter the loop drives.
type LM interface {
	BuildSystemBlock(view *models.AllowedTools, user models.User) llm.SystemBlock
	Invoke(ctx context.Context, system llm.SystemBlock, messages []llm.Message, tools []models.Tool) (*llm.Response, error)
	Cost(usage models.TokenUsage) float64
}

// ToolInvoker executes one permitted tool call against an MCP.
type ToolInvoker interface {
	Invoke(ctx context.Context, server models.MCPServer, req models.ToolRequest) models.ToolResult
}

// PermissionSource yields the Allowed-Tools View for a user.
type PermissionSource interface {
	Resolve(ctx context.Context, snap *models.Snapshot, userID string) *models.AllowedTools
}

// SnapshotSource provides the configuration snapshot a request pins at
// entry.
type SnapshotSource interface {
	Snapshot() *models.Snapshot
}

// Orchestrator owns the control flow of one request. Many requests run
// concurrently; each owns its loop.
type Orchestrator struct {
	snapshots SnapshotSource
	resolver  PermissionSource
	limiter   *ratelimit.Limiter
	recorder  *audit.Recorder
	lm        LM
	tools     ToolInvoker
	threads   *threads.Store
	loop      config.LoopConfig
}

// New wires an orchestrator.
func New(
	snapshots SnapshotSource,
	resolver PermissionSource,
	limiter *ratelimit.Limiter,
	recorder *audit.Recorder,
	lm LM,
	tools ToolInvoker,
	threadStore *threads.Store,
	loop config.LoopConfig,
) *Orchestrator {
	if loop.MaxIterations <= 0 {
		loop.MaxIterations = DefaultMaxIterations
	}
	return &Orchestrator{
		snapshots: snapshots,
		resolver:  resolver,
		limiter:   limiter,
		recorder:  recorder,
		lm:        lm,
		tools:     tools,
		threads:   threadStore,
		loop:      loop,
	}
}

// Ask handles one request end to end. Terminal failures are reported in
// the response, not as errors; every path emits exactly one audit record.
func (o *Orchestrator) Ask(ctx context.Context, req models.AskRequest) *models.AskResponse {
	start := time.Now()
	snap := o.snapshots.Snapshot()
	user := snap.UserOrDefault(req.UserID)
	role := snap.RoleOf(user)

	ctx, span := otel.Tracer("omnibridge/agent").Start(ctx, "agent.ask")
	span.SetAttributes(
		attribute.String("user.id", req.UserID),
		attribute.String("user.role", role.Name),
	)
	defer span.End()

	// Admission. A rejection costs no LM or MCP work and still audits.
	decision := o.limiter.Allow(user.Email, role.RateLimit)
	if !decision.Allowed {
		answer := fmt.Sprintf(
			"Rate limit reached: %d of %d requests used this hour. Limit resets in about %s.",
			decision.Count, decision.Limit, time.Until(decision.ResetAt).Round(time.Minute),
		)
		o.record(req, start, recordState{
			status:  models.StatusError,
			warning: models.TagRateLimited,
		})
		return &models.AskResponse{Success: false, Answer: answer, ToolsUsed: []string{}}
	}

	if o.loop.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.loop.RequestTimeout)
		defer cancel()
	}

	// Permission snapshot: the view computed here governs the whole
	// request; later config changes never retarget it.
	view := o.resolver.Resolve(ctx, snap, user.Email)
	system := o.lm.BuildSystemBlock(view, user)

	messages := o.replayThread(req.ConversationID)
	messages = append(messages, llm.TextMessage(models.RoleUser, req.Message))

	// An iteration is one tool-dispatch round; a request answered with no
	// tool work still counts as one iteration.
	state := recordState{status: models.StatusSuccess}
	var answer, lastText string

	for {
		resp, err := o.lm.Invoke(ctx, system, messages, view.Tools)
		if err != nil {
			state.status = models.StatusError
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
				state.warning = models.TagTimeout
				answer = "The request timed out before completing. Please try again."
			} else {
				state.warning = models.TagLMError
				answer = "The language model is currently unavailable. Please try again shortly."
			}
			log.Error().Err(err).Str("user", user.Email).Int("iteration", state.iterations).Msg("LM invocation failed")
			break
		}

		state.usage.Add(resp.Usage)
		state.cost += o.lm.Cost(resp.Usage)

		if resp.Final() {
			if state.iterations == 0 {
				state.iterations = 1
			}
			answer = resp.Text
			break
		}
		if resp.Text != "" {
			lastText = resp.Text
		}

		state.iterations++
		if state.iterations > o.loop.MaxIterations {
			state.iterations = o.loop.MaxIterations
			state.status = models.StatusWarning
			state.warning = models.TagMaxIterationsReached
			if lastText != "" {
				answer = lastText
			} else {
				answer = fallbackAnswer
			}
			log.Warn().
				Str("user", user.Email).
				Int("max_iterations", o.loop.MaxIterations).
				Msg("Iteration ceiling reached")
			break
		}

		messages = append(messages, resp.Assistant)
		results := o.dispatch(ctx, snap, view, resp.ToolRequests, &state)
		messages = append(messages, llm.ToolResultsMessage(results))
	}

	// Persist the exchange for follow-ups in the same conversation.
	if req.ConversationID != "" && state.status != models.StatusError {
		o.threads.Append(req.ConversationID, models.RoleUser, req.Message)
		o.threads.Append(req.ConversationID, models.RoleAssistant, answer)
	}

	o.record(req, start, state)

	return &models.AskResponse{
		Success:      state.status != models.StatusError,
		Answer:       answer,
		ToolCalls:    len(state.toolsUsed),
		ToolsUsed:    append([]string{}, state.toolsUsed...),
		Iterations:   state.iterations,
		Warning:      state.warning,
		CostEstimate: state.cost,
		Usage:        state.usage,
	}
}

// recordState accumulates the per-request accounting that becomes the
// audit record.
type recordState struct {
	status     string
	warning    string
	iterations int
	toolsUsed  []string
	mcps       []string
	usage      models.TokenUsage
	cost       float64
}

func (s *recordState) noteTool(t models.Tool) {
	s.toolsUsed = append(s.toolsUsed, t.Display())
	for _, m := range s.mcps {
		if m == t.MCP {
			return
		}
	}
	s.mcps = append(s.mcps, t.MCP)
}

// dispatch executes one loop step's tool requests. Denied requests are
// injected back as "not permitted" results so the LM can re-plan; permitted
// requests fan out concurrently when there is more than one. Results are
// returned in request order, pairing 1:1 with the requests.
func (o *Orchestrator) dispatch(ctx context.Context, snap *models.Snapshot, view *models.AllowedTools, requests []models.ToolRequest, state *recordState) []models.ToolResult {
	results := make([]models.ToolResult, len(requests))
	var runnable []int

	for i, req := range requests {
		tool, ok := view.Lookup(req.Name)
		if !ok {
			results[i] = models.ToolResult{
				ID:      req.ID,
				Name:    req.Name,
				Content: fmt.Sprintf("Tool %q is not permitted for this user.", req.Name),
				IsError: true,
			}
			log.Info().
				Str("tool", req.Name).
				Str("user", view.UserID).
				Msg("Denied tool request injected as result")
			continue
		}
		state.noteTool(tool)
		runnable = append(runnable, i)
	}

	run := func(i int) {
		req := requests[i]
		tool, _ := view.Lookup(req.Name)
		server, ok := snap.FindMCP(tool.MCP)
		if !ok {
			results[i] = models.ToolResult{
				ID:      req.ID,
				Name:    req.Name,
				Content: fmt.Sprintf("MCP %q is no longer configured.", tool.MCP),
				IsError: true,
			}
			return
		}
		results[i] = o.tools.Invoke(ctx, server, req)
	}

	if len(runnable) > 1 {
		var g errgroup.Group
		g.SetLimit(maxParallelTools)
		for _, i := range runnable {
			g.Go(func() error {
				run(i)
				return nil
			})
		}
		g.Wait()
	} else if len(runnable) == 1 {
		run(runnable[0])
	}

	return results
}

// replayThread converts stored conversation context into provider
// messages.
func (o *Orchestrator) replayThread(conversationID string) []llm.Message {
	history := o.threads.History(conversationID)
	messages := make([]llm.Message, 0, len(history)+1)
	for _, m := range history {
		messages = append(messages, llm.TextMessage(m.Role, m.Content))
	}
	return messages
}

// record emits the request's single audit record.
func (o *Orchestrator) record(req models.AskRequest, start time.Time, state recordState) {
	sourceTag := ""
	if req.Source != nil {
		sourceTag = req.Source.SourceTag
	}
	toolsUsed := state.toolsUsed
	if toolsUsed == nil {
		toolsUsed = []string{}
	}
	mcps := state.mcps
	if mcps == nil {
		mcps = []string{}
	}
	o.recorder.Record(&models.AuditRecord{
		UserID:          req.UserID,
		Message:         req.Message,
		Iterations:      state.iterations,
		ToolCallsCount:  len(toolsUsed),
		ToolsUsed:       toolsUsed,
		MCPsAccessed:    mcps,
		TokensInput:     state.usage.InputTokens,
		TokensOutput:    state.usage.OutputTokens,
		TokensCached:    state.usage.CachedTokens,
		CostEstimate:    state.cost,
		Status:          state.status,
		Warning:         state.warning,
		DurationMs:      time.Since(start).Milliseconds(),
		SourceTag:       sourceTag,
		ConversationRef: req.ConversationID,
	})
}
