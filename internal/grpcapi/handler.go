// handler.go implements a JSON-RPC-style handler over gRPC unary calls, so
// the control surface works without protoc code generation.
package grpcapi

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/campuslink/campuslink/internal/gateway"
)

const (
	ServiceName = "campuslink.v1.ControlService"
	callMethod  = "/" + ServiceName + "/Call"
)

// RPCRequest is a generic JSON-RPC-style request.
type RPCRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// RPCResponse is a generic JSON-RPC-style response.
type RPCResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Handler dispatches JSON-RPC requests to the gateway service.
type Handler struct {
	service  *gateway.Service
	dispatch map[string]handlerFunc
}

type handlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// NewHandler creates a handler backed by the given service.
func NewHandler(svc *gateway.Service) *Handler {
	h := &Handler{service: svc}
	h.dispatch = map[string]handlerFunc{
		// Registry
		"registry.list":    h.handleList,
		"registry.stats":   h.handleStats,
		"registry.cleanup": h.handleCleanup,

		// Connection
		"connection.connect": h.handleConnect,
		"connection.status":  h.handleStatus,
		"connection.close":   h.handleClose,
		"connection.fetch":   h.handleFetch,

		// Audit
		"audit.verify": h.handleVerifyAudit,
	}
	return h
}

// Methods lists the dispatchable method names.
func (h *Handler) Methods() []string {
	out := make([]string, 0, len(h.dispatch))
	for name := range h.dispatch {
		out = append(out, name)
	}
	return out
}

// Handle processes a JSON-RPC request and returns a response.
func (h *Handler) Handle(ctx context.Context, req *RPCRequest) *RPCResponse {
	fn, ok := h.dispatch[req.Method]
	if !ok {
		return &RPCResponse{Error: fmt.Sprintf("unknown method: %s", req.Method)}
	}

	result, err := fn(ctx, req.Params)
	if err != nil {
		return &RPCResponse{Error: err.Error()}
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return &RPCResponse{Error: fmt.Sprintf("encoding result: %v", err)}
	}
	return &RPCResponse{Result: resultJSON}
}

// RegisterWithGRPC registers the handler as a single-method gRPC service.
// Clients send RPCRequest JSON and receive RPCResponse JSON.
func (h *Handler) RegisterWithGRPC(s *grpc.Server) {
	sd := grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*controlServiceHandler)(nil),
		Methods: []grpc.MethodDesc{
			{
				MethodName: "Call",
				Handler:    h.grpcCallHandler,
			},
		},
		Streams: []grpc.StreamDesc{},
	}
	s.RegisterService(&sd, h)
}

// controlServiceHandler is the interface type for gRPC service registration.
type controlServiceHandler interface{}

func (h *Handler) grpcCallHandler(_ any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	var req RPCRequest
	if err := dec(&req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	if interceptor == nil {
		return h.Handle(ctx, &req), nil
	}
	info := &grpc.UnaryServerInfo{Server: h, FullMethod: callMethod}
	return interceptor(ctx, &req, info, func(ctx context.Context, r any) (any, error) {
		return h.Handle(ctx, r.(*RPCRequest)), nil
	})
}

// --- Handler implementations ---

func (h *Handler) handleList(_ context.Context, _ json.RawMessage) (any, error) {
	return h.service.List(), nil
}

func (h *Handler) handleStats(_ context.Context, _ json.RawMessage) (any, error) {
	return h.service.Stats(), nil
}

func (h *Handler) handleCleanup(_ context.Context, _ json.RawMessage) (any, error) {
	return map[string]int{"removed": h.service.Cleanup()}, nil
}

type identityParams struct {
	Identity string `json:"identity"`
	Server   string `json:"server,omitempty"`
}

func decodeIdentity(params json.RawMessage) (identityParams, error) {
	var p identityParams
	if err := json.Unmarshal(params, &p); err != nil {
		return p, fmt.Errorf("invalid params: %w", err)
	}
	if p.Identity == "" {
		return p, fmt.Errorf("invalid params: identity is required")
	}
	return p, nil
}

func (h *Handler) handleConnect(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeIdentity(params)
	if err != nil {
		return nil, err
	}
	return h.service.Connect(ctx, p.Identity, p.Server)
}

func (h *Handler) handleStatus(_ context.Context, params json.RawMessage) (any, error) {
	p, err := decodeIdentity(params)
	if err != nil {
		return nil, err
	}
	return h.service.Status(p.Identity)
}

func (h *Handler) handleClose(_ context.Context, params json.RawMessage) (any, error) {
	p, err := decodeIdentity(params)
	if err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, h.service.Disconnect(p.Identity)
}

func (h *Handler) handleFetch(ctx context.Context, params json.RawMessage) (any, error) {
	var in gateway.FetchInput
	if err := json.Unmarshal(params, &in); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	return h.service.Fetch(ctx, in)
}

func (h *Handler) handleVerifyAudit(_ context.Context, _ json.RawMessage) (any, error) {
	valid, count, err := h.service.VerifyAudit()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"valid": valid,
		"count": count,
	}, nil
}
