/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/PivotLLM/Surveyor/global"
	"github.com/PivotLLM/Surveyor/runner"
	"github.com/PivotLLM/Surveyor/store"
)

// Helper function to create JSON tool results safely
func createJSONResult(data interface{}) (*mcp.CallToolResult, error) {
	result, err := mcp.NewToolResultJSON(data)
	if err != nil {
		return mcp.NewToolResultError("Failed to create JSON result"), nil
	}
	return result, nil
}

// logToolCall logs an MCP tool invocation at INFO level
func (s *Server) logToolCall(toolName string, params map[string]string) {
	var parts []string
	for k, v := range params {
		if v != "" {
			parts = append(parts, fmt.Sprintf("%s=%s", k, v))
		}
	}
	if len(parts) == 0 {
		s.logger.Infof("Tool %s called", toolName)
		return
	}
	sort.Strings(parts)
	s.logger.Infof("Tool %s called: %s", toolName, strings.Join(parts, ", "))
}

// parseID reads a numeric ID argument; 0 when absent
func parseID(request mcp.CallToolRequest, key string) int64 {
	return int64(mcp.ParseFloat64(request, key, 0))
}

// parseTaskIDs accepts a JSON array of numbers or a comma-separated string
func parseTaskIDs(request mcp.CallToolRequest) ([]int64, error) {
	val, ok := request.GetArguments()["task_ids"]
	if !ok || val == nil {
		return nil, nil
	}

	if str, ok := val.(string); ok {
		str = strings.TrimSpace(str)
		if str == "" {
			return nil, nil
		}
		if strings.HasPrefix(str, "[") {
			var ids []int64
			if err := json.Unmarshal([]byte(str), &ids); err != nil {
				return nil, fmt.Errorf("invalid task_ids: %w", err)
			}
			return ids, nil
		}
		var ids []int64
		for _, part := range strings.Split(str, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid task id %q", part)
			}
			ids = append(ids, id)
		}
		return ids, nil
	}

	data, err := json.Marshal(val)
	if err != nil {
		return nil, fmt.Errorf("invalid task_ids: %w", err)
	}
	var ids []int64
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("invalid task_ids: %w", err)
	}
	return ids, nil
}

// AI request tool handlers

func (s *Server) handleRequestCreate(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	batchID := parseID(request, "batch_id")
	providerID := parseID(request, "provider_id")
	modelID := parseID(request, "model_id")
	method := mcp.ParseString(request, "retrieval_method", "")

	s.logToolCall(global.ToolRequestCreate, map[string]string{
		"batch_id":         strconv.FormatInt(batchID, 10),
		"retrieval_method": method,
	})

	if batchID <= 0 {
		return mcp.NewToolResultError("batch_id parameter is required"), nil
	}
	taskIDs, err := parseTaskIDs(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	batch, err := s.store.GetBatch(batchID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if providerID == 0 {
		providerID = batch.ProviderID
	}
	if modelID == 0 {
		modelID = batch.ModelID
	}
	if method == "" {
		method = batch.RetrievalMethod
	}
	if method == "" {
		method = global.RetrievalNone
	}

	if providerID == 0 {
		return mcp.NewToolResultError("provider_id is required: the batch has no default provider"), nil
	}
	if modelID == 0 {
		return mcp.NewToolResultError("model_id is required: the batch has no default model"), nil
	}
	if !global.ValidRetrievalMode(method) {
		return mcp.NewToolResultError(fmt.Sprintf("unknown retrieval_method %q", method)), nil
	}
	if _, err := s.store.GetProvider(providerID); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	model, err := s.store.GetModel(modelID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if model.ProviderID != providerID {
		return mcp.NewToolResultError(fmt.Sprintf("model %d does not belong to provider %d", modelID, providerID)), nil
	}

	req := &global.AIRequest{
		BatchID:         batchID,
		TaskIDs:         taskIDs,
		ProviderID:      providerID,
		ModelID:         modelID,
		RetrievalMethod: method,
	}
	if err := s.store.CreateRequest(req); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.logger.Infof("Request %s queued for batch %d (%d explicit task(s))", req.ID, batchID, len(taskIDs))

	return createJSONResult(req)
}

func (s *Server) handleRequestRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	requestID := mcp.ParseString(request, "request_id", "")
	background := mcp.ParseBoolean(request, "background", false)

	s.logToolCall(global.ToolRequestRun, map[string]string{
		"request_id": requestID,
		"background": strconv.FormatBool(background),
	})

	if requestID == "" {
		return mcp.NewToolResultError("request_id parameter is required"), nil
	}

	if !background {
		summary, err := s.runner.RunRequest(ctx, requestID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return createJSONResult(summary)
	}

	status, err := s.store.RequestStatus(requestID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if status != global.RequestStatusQueued {
		return mcp.NewToolResultError(fmt.Sprintf("request %s is %s, only queued requests can be run", requestID, status)), nil
	}

	s.goJob("request "+requestID, func(ctx context.Context) {
		if _, err := s.runner.RunRequest(ctx, requestID); err != nil {
			s.logger.Warnf("Background run of request %s: %v", requestID, err)
		}
	})

	return createJSONResult(map[string]interface{}{
		"request_id": requestID,
		"started":    true,
	})
}

func (s *Server) handleRequestProcessQueue(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	background := mcp.ParseBoolean(request, "background", false)

	s.logToolCall(global.ToolRequestProcessQueue, map[string]string{"background": strconv.FormatBool(background)})

	if !background {
		sweep, err := s.runner.ProcessQueue(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return createJSONResult(sweep)
	}

	queued, err := s.store.ListQueuedRequests()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	s.goJob("queue sweep", func(ctx context.Context) {
		if _, err := s.runner.ProcessQueue(ctx); err != nil {
			if errors.Is(err, runner.ErrSweepInProgress) {
				s.logger.Infof("Background sweep skipped: %v", err)
				return
			}
			s.logger.Warnf("Background sweep failed: %v", err)
		}
	})

	return createJSONResult(map[string]interface{}{
		"queued":  len(queued),
		"started": true,
	})
}

func (s *Server) handleRequestGet(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	requestID := mcp.ParseString(request, "request_id", "")

	s.logToolCall(global.ToolRequestGet, map[string]string{"request_id": requestID})

	if requestID == "" {
		return mcp.NewToolResultError("request_id parameter is required"), nil
	}

	req, err := s.store.GetRequest(requestID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return createJSONResult(req)
}

func (s *Server) handleRequestCancel(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	requestID := mcp.ParseString(request, "request_id", "")

	s.logToolCall(global.ToolRequestCancel, map[string]string{"request_id": requestID})

	if requestID == "" {
		return mcp.NewToolResultError("request_id parameter is required"), nil
	}

	canceled, err := s.store.CancelRequest(requestID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !canceled {
		status, err := s.store.RequestStatus(requestID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("request %s is already %s", requestID, status)), nil
	}

	s.logger.Infof("Request %s canceled", requestID)
	return createJSONResult(map[string]interface{}{
		"request_id": requestID,
		"status":     global.RequestStatusCanceled,
	})
}

func (s *Server) handleTaskResults(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.ResultFilter{
		RequestID: mcp.ParseString(request, "request_id", ""),
		TaskID:    parseID(request, "task_id"),
		Status:    mcp.ParseString(request, "status", ""),
		Limit:     int(mcp.ParseFloat64(request, "limit", float64(global.DefaultLimit))),
		Offset:    int(mcp.ParseFloat64(request, "offset", 0)),
	}
	includePrompt := mcp.ParseBoolean(request, "include_prompt", false)

	s.logToolCall(global.ToolTaskResults, map[string]string{
		"request_id": filter.RequestID,
		"status":     filter.Status,
	})

	if filter.RequestID == "" && filter.TaskID == 0 {
		return mcp.NewToolResultError("request_id or task_id is required"), nil
	}

	results, err := s.store.ListResults(filter)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !includePrompt {
		for _, r := range results {
			r.Prompt.FullPrompt = ""
		}
	}

	return createJSONResult(map[string]interface{}{
		"results": results,
		"count":   len(results),
		"offset":  filter.Offset,
	})
}

func (s *Server) handleHealth(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	providerID := parseID(request, "provider_id")

	s.logToolCall(global.ToolHealth, nil)

	result := map[string]interface{}{
		"program":              global.ProgramName,
		"version":              global.Version,
		"vendors":              s.llm.Vendors(),
		"retrieval_configured": s.retrieval.Configured(),
	}

	if err := s.store.Ping(); err != nil {
		result["database"] = "error: " + err.Error()
	} else {
		result["database"] = "ok"
	}

	if queued, err := s.store.ListQueuedRequests(); err == nil {
		result["queued_requests"] = len(queued)
	}

	if providerID > 0 {
		tel, err := s.store.GetProviderTelemetry(providerID)
		switch {
		case err == nil:
			result["provider_telemetry"] = tel
		case errors.Is(err, store.ErrNotFound):
			result["provider_telemetry"] = nil
		default:
			return mcp.NewToolResultError(err.Error()), nil
		}
	}

	return createJSONResult(result)
}
