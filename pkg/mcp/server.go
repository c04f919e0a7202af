// Package mcp lets MCP clients classify images and inspect history over a
// line-delimited JSON-RPC 2.0 stream.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/kevinhaoaus/web-image-classifier/pkg/classify"
	"github.com/kevinhaoaus/web-image-classifier/pkg/imaging"
	"github.com/kevinhaoaus/web-image-classifier/pkg/models"
)

// Service is the part of the classification service the tools call.
type Service interface {
	Classify(ctx context.Context, up imaging.Upload) (*models.ClassificationRecord, error)
	History(ctx context.Context, limit int) ([]models.ClassificationRecord, error)
	DeleteHistory(ctx context.Context, ids []int64) error
	ClearHistory(ctx context.Context) error
	ModelStatus() classify.ModelStatus
}

// CacheStatter reports offline cache statistics.
type CacheStatter interface {
	Stats(ctx context.Context) (models.CacheStats, error)
}

// Server is an MCP server over stdio.
type Server struct {
	svc      Service
	cache    CacheStatter
	version  string
	logger   *zap.Logger
	readFile func(string) ([]byte, error)
}

// New creates a Server. cache may be nil.
func New(svc Service, cache CacheStatter, version string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		svc:      svc,
		cache:    cache,
		version:  version,
		logger:   logger,
		readFile: readImageFile,
	}
}

// Run serves requests read line by line from r until r is exhausted or ctx
// is cancelled.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(w, Response{JSONRPC: jsonRPCVersion, Error: &RPCError{Code: CodeParseError, Message: "parse error"}})
			continue
		}
		if resp := s.dispatch(ctx, &req); resp != nil {
			s.write(w, *resp)
		}
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	reply := func(result any) *Response {
		return &Response{JSONRPC: jsonRPCVersion, ID: req.ID, Result: result}
	}

	switch req.Method {
	case "initialize":
		return reply(InitializeResult{
			ProtocolVersion: protocolVersion,
			ServerInfo:      ServerInfo{Name: "imgclass", Version: s.version},
			Capabilities:    map[string]any{"tools": map[string]any{}},
		})
	case "notifications/initialized":
		return nil
	case "tools/list":
		return reply(ToolsListResult{Tools: tools})
	case "tools/call":
		var params ToolCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return &Response{JSONRPC: jsonRPCVersion, ID: req.ID, Error: &RPCError{Code: CodeInvalidParams, Message: "invalid params"}}
		}
		h, ok := handlers[params.Name]
		if !ok {
			return reply(errorResult(fmt.Sprintf("unknown tool: %s", params.Name)))
		}
		s.logger.Debug("tool call", zap.String("tool", params.Name))
		return reply(h(ctx, s, params.Arguments))
	default:
		return &Response{
			JSONRPC: jsonRPCVersion,
			ID:      req.ID,
			Error:   &RPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("unknown method: %s", req.Method)},
		}
	}
}

func (s *Server) write(w io.Writer, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("mcp marshal failed", zap.Error(err))
		return
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		s.logger.Error("mcp write failed", zap.Error(err))
	}
}
