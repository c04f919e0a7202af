package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kevinhaoaus/web-image-classifier/pkg/imaging"
)

type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

var handlers = map[string]toolHandler{
	"imgclass_classify":       handleClassify,
	"imgclass_history":        handleHistory,
	"imgclass_history_delete": handleHistoryDelete,
	"imgclass_history_clear":  handleHistoryClear,
	"imgclass_model_status":   handleModelStatus,
	"imgclass_cache_stats":    handleCacheStats,
}

func object(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

var tools = []Tool{
	{
		Name:        "imgclass_classify",
		Description: "Classify an image file on the server's filesystem and record the result in history.",
		InputSchema: object(map[string]any{
			"path": map[string]any{"type": "string", "description": "Path to a JPEG, PNG, WebP or GIF file"},
		}, "path"),
	},
	{
		Name:        "imgclass_history",
		Description: "List recent classifications, newest first.",
		InputSchema: object(map[string]any{
			"limit": map[string]any{"type": "integer", "description": "Maximum number of records (default 20)"},
		}),
	},
	{
		Name:        "imgclass_history_delete",
		Description: "Delete classifications by id. Unknown ids are ignored.",
		InputSchema: object(map[string]any{
			"ids": map[string]any{"type": "array", "items": map[string]any{"type": "integer"}},
		}, "ids"),
	},
	{
		Name:        "imgclass_history_clear",
		Description: "Delete every classification.",
		InputSchema: object(map[string]any{}),
	},
	{
		Name:        "imgclass_model_status",
		Description: "Show whether the model is loaded, loading or unavailable.",
		InputSchema: object(map[string]any{}),
	},
	{
		Name:        "imgclass_cache_stats",
		Description: "Show the active offline cache version, its generations and hit/miss counts.",
		InputSchema: object(map[string]any{}),
	},
}

func readImageFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func handleClassify(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	var args struct {
		Path string `json:"path"`
	}
	if err := decodeArgs(raw, &args); err != nil || args.Path == "" {
		return errorResult("path is required")
	}
	data, err := s.readFile(args.Path)
	if err != nil {
		return errorResult(fmt.Sprintf("read %s: %v", args.Path, err))
	}
	rec, err := s.svc.Classify(ctx, imaging.Upload{Name: filepath.Base(args.Path), Data: data})
	if err != nil {
		return errorResult(err.Error())
	}
	return textResult(formatRecord(rec))
}

func handleHistory(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	args := struct {
		Limit int `json:"limit"`
	}{Limit: 20}
	if err := decodeArgs(raw, &args); err != nil {
		return errorResult("invalid arguments")
	}
	recs, err := s.svc.History(ctx, args.Limit)
	if err != nil {
		return errorResult(err.Error())
	}
	return textResult(formatHistory(recs))
}

func handleHistoryDelete(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	var args struct {
		IDs []int64 `json:"ids"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return errorResult("ids must be a list of integers")
	}
	if err := s.svc.DeleteHistory(ctx, args.IDs); err != nil {
		return errorResult(err.Error())
	}
	return textResult(fmt.Sprintf("Deleted up to %d record(s).", len(args.IDs)))
}

func handleHistoryClear(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if err := s.svc.ClearHistory(ctx); err != nil {
		return errorResult(err.Error())
	}
	return textResult("History cleared.")
}

func handleModelStatus(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	return textResult(formatModelStatus(s.svc.ModelStatus()))
}

func handleCacheStats(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.cache == nil {
		return textResult("Offline cache is disabled.")
	}
	st, err := s.cache.Stats(ctx)
	if err != nil {
		return errorResult(err.Error())
	}
	return textResult(formatCacheStats(st))
}
