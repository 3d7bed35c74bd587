// Package toolserver exposes QueueService over the stdio-framed
// line-delimited JSON tool protocol described by the external interface
// contract: one request object per line in, one response object per
// line out, every argument payload validated against the same JSON
// Schema that list_tools advertises.
package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/taskqueue/internal/queue"
	"github.com/basket/taskqueue/internal/service"
	"github.com/basket/taskqueue/internal/shared"
	"github.com/basket/taskqueue/internal/store"
)

// request is the inbound frame shape: {"tool": "...", "arguments": {...}}.
type request struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
}

// successEnvelope and errorEnvelope are the two outbound frame shapes.
type successEnvelope struct {
	OK     bool `json:"ok"`
	Result any  `json:"result"`
}

type errorEnvelope struct {
	OK        bool   `json:"ok"`
	Error     string `json:"error"`
	Message   string `json:"message"`
	Details   any    `json:"details,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Server dispatches validated tool calls to QueueService and frames the
// results back over a Transport.
type Server struct {
	svc     *service.QueueService
	schemas *schemaSet
	timeout time.Duration
	log     *slog.Logger
}

// New builds a Server. requestTimeout is the per-invocation deadline of
// §5 (default 30s applied by the caller via config).
func New(svc *service.QueueService, requestTimeout time.Duration, logger *slog.Logger) (*Server, error) {
	schemas, err := newSchemaSet()
	if err != nil {
		return nil, fmt.Errorf("build tool schemas: %w", err)
	}
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{svc: svc, schemas: schemas, timeout: requestTimeout, log: logger}, nil
}

// Serve reads requests from t until ctx is cancelled or the transport
// returns an unrecoverable error (e.g. EOF on stdin).
func (s *Server) Serve(ctx context.Context, t Transport) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		raw, err := t.ReadRequest(ctx)
		if err != nil {
			return err
		}
		line := strings.TrimSpace(string(raw))
		if line == "" {
			continue
		}
		resp := s.handle(ctx, json.RawMessage(line))
		if err := t.WriteResponse(resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
}

func (s *Server) handle(ctx context.Context, raw json.RawMessage) json.RawMessage {
	var req request
	if err := json.Unmarshal(raw, &req); err != nil {
		return encodeError(queue.KindValidation, fmt.Sprintf("malformed request frame: %v", err), nil)
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	reqCtx = shared.WithTraceID(reqCtx, shared.NewTraceID())

	result, err := s.dispatch(reqCtx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return encodeError(queue.KindTimeout, "request exceeded the configured deadline", nil)
		}
		return encodeFromError(err)
	}
	return encodeSuccess(result)
}

func (s *Server) dispatch(ctx context.Context, req request) (any, error) {
	var args any = map[string]any{}
	if len(req.Arguments) > 0 {
		parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(req.Arguments)))
		if err != nil {
			return nil, &queue.Error{Kind: queue.KindValidation, Message: fmt.Sprintf("arguments must be a JSON object: %v", err)}
		}
		args = parsed
	}
	if req.Tool != "list_tools" {
		if err := s.schemas.Validate(req.Tool, args); err != nil {
			return nil, &queue.Error{Kind: queue.KindValidation, Message: fmt.Sprintf("arguments for %s: %v", req.Tool, err)}
		}
	}

	switch req.Tool {
	case "list_tools":
		return Descriptors(), nil
	case "task_enqueue":
		return s.handleEnqueue(ctx, req.Arguments)
	case "task_get":
		return s.handleGet(ctx, req.Arguments)
	case "task_list":
		return s.handleList(ctx, req.Arguments)
	case "task_queue_status":
		return s.svc.Status(ctx)
	case "task_cancel":
		return s.handleCancel(ctx, req.Arguments)
	case "task_execution_plan":
		return s.handleExecutionPlan(ctx, req.Arguments)
	default:
		return nil, &queue.Error{Kind: queue.KindValidation, Message: fmt.Sprintf("unknown tool %q", req.Tool)}
	}
}

type enqueueArgs struct {
	Description          string          `json:"description"`
	Source                queue.Source    `json:"source"`
	Summary               string          `json:"summary"`
	AgentType             string          `json:"agent_type"`
	BasePriority          float64         `json:"base_priority"`
	Prerequisites         []string        `json:"prerequisites"`
	ParentTaskID          string          `json:"parent_task_id"`
	Deadline              *time.Time      `json:"deadline"`
	EstimatedDurationSec  *int64          `json:"estimated_duration_seconds"`
	SessionID             string          `json:"session_id"`
	InputData             json.RawMessage `json:"input_data"`
}

func (s *Server) handleEnqueue(ctx context.Context, raw json.RawMessage) (any, error) {
	var a enqueueArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, &queue.Error{Kind: queue.KindValidation, Message: err.Error()}
	}
	return s.svc.Enqueue(ctx, queue.EnqueueInput{
		Description:          a.Description,
		Source:               a.Source,
		Summary:              a.Summary,
		AgentType:            a.AgentType,
		BasePriority:         a.BasePriority,
		Prerequisites:        a.Prerequisites,
		ParentTaskID:         a.ParentTaskID,
		Deadline:             a.Deadline,
		EstimatedDurationSec: a.EstimatedDurationSec,
		SessionID:            a.SessionID,
		InputData:            a.InputData,
	})
}

func (s *Server) handleGet(ctx context.Context, raw json.RawMessage) (any, error) {
	var a struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, &queue.Error{Kind: queue.KindValidation, Message: err.Error()}
	}
	return s.svc.Get(ctx, a.TaskID)
}

func (s *Server) handleList(ctx context.Context, raw json.RawMessage) (any, error) {
	var a struct {
		Status    *queue.Status `json:"status"`
		Source    *queue.Source `json:"source"`
		AgentType *string       `json:"agent_type"`
		Limit     int           `json:"limit"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, &queue.Error{Kind: queue.KindValidation, Message: err.Error()}
		}
	}
	if a.Limit <= 0 {
		a.Limit = 50
	}
	return s.svc.List(ctx, store.TaskFilter{Status: a.Status, Source: a.Source, AgentType: a.AgentType}, a.Limit)
}

func (s *Server) handleCancel(ctx context.Context, raw json.RawMessage) (any, error) {
	var a struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, &queue.Error{Kind: queue.KindValidation, Message: err.Error()}
	}
	result, err := s.svc.Cancel(ctx, a.TaskID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"cancelled_task_id": result.PrimaryTaskID,
		"cascaded_task_ids": result.CascadedTaskIDs,
		"total_cancelled":   1 + len(result.CascadedTaskIDs),
	}, nil
}

func (s *Server) handleExecutionPlan(ctx context.Context, raw json.RawMessage) (any, error) {
	var a struct {
		TaskIDs []string `json:"task_ids"`
	}
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, &queue.Error{Kind: queue.KindValidation, Message: err.Error()}
	}
	plan, err := s.svc.ExecutionPlan(ctx, a.TaskIDs)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"batches":         plan.Batches,
		"total_batches":   plan.TotalBatches,
		"max_parallelism": plan.MaxParallelism,
	}, nil
}

func encodeSuccess(result any) json.RawMessage {
	b, err := json.Marshal(successEnvelope{OK: true, Result: result})
	if err != nil {
		return encodeError(queue.KindInternal, "failed to encode response", nil)
	}
	return b
}

func encodeFromError(err error) json.RawMessage {
	var qe *queue.Error
	if errors.As(err, &qe) {
		var details any
		if len(qe.CyclePath) > 0 {
			details = map[string]any{"cycle_path": qe.CyclePath}
		}
		return encodeError(qe.Kind, qe.Message, details)
	}
	return encodeError(queue.KindInternal, "internal error", nil)
}

func encodeError(kind queue.Kind, message string, details any) json.RawMessage {
	message = shared.Redact(message)
	if s, ok := details.(string); ok {
		details = shared.Redact(s)
	}
	b, err := json.Marshal(errorEnvelope{
		OK:        false,
		Error:     string(kind),
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	})
	if err != nil {
		// Last resort: a hand-built minimal frame that cannot itself fail to marshal.
		return json.RawMessage(`{"ok":false,"error":"Internal","message":"failed to encode error response"}`)
	}
	return b
}
