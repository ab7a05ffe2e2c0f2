package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"factorlab/internal/domain"
)

// gRPC method names. Requests and responses are google.protobuf.Struct
// values carrying the same JSON documents as the REST API.
const (
	BacktestServiceName = "factorlab.BacktestService"
	MethodRunBacktest   = "/" + BacktestServiceName + "/RunBacktest"
	MethodGetResult     = "/" + BacktestServiceName + "/GetResult"
)

// BacktestServer is the server API for the BacktestService.
type BacktestServer interface {
	RunBacktest(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetResult(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var _ BacktestServer = (*Handler)(nil)

// BacktestServiceDesc describes the BacktestService for grpc.Server.
var BacktestServiceDesc = grpc.ServiceDesc{
	ServiceName: BacktestServiceName,
	HandlerType: (*BacktestServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RunBacktest", Handler: unaryHandler(MethodRunBacktest, BacktestServer.RunBacktest)},
		{MethodName: "GetResult", Handler: unaryHandler(MethodGetResult, BacktestServer.GetResult)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "factorlab/backtest.proto",
}

// RegisterGRPC registers the BacktestService on gs.
func (h *Handler) RegisterGRPC(gs *grpc.Server) {
	gs.RegisterService(&BacktestServiceDesc, h)
}

func unaryHandler(method string, call func(BacktestServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(BacktestServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(BacktestServer), ctx, req.(*structpb.Struct))
		})
	}
}

// RunBacktest runs the backtest described by a BacktestRequest document.
func (h *Handler) RunBacktest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req BacktestRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if req.StockCode == "" || req.StartDate == "" || req.EndDate == "" {
		return nil, status.Error(codes.InvalidArgument, "stock_code, start_date and end_date are required")
	}
	result, err := h.runBacktest(ctx, &req)
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(result)
}

// GetResult returns the stored result named by the "id" field.
func (h *Handler) GetResult(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := in.GetFields()["id"].GetStringValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	result, err := h.results.GetResult(ctx, id)
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(result)
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// BacktestClient calls the BacktestService over a client connection.
type BacktestClient struct {
	cc grpc.ClientConnInterface
}

// NewBacktestClient creates a client over cc.
func NewBacktestClient(cc grpc.ClientConnInterface) *BacktestClient {
	return &BacktestClient{cc: cc}
}

// RunBacktest runs req remotely and decodes the result.
func (c *BacktestClient) RunBacktest(ctx context.Context, req *BacktestRequest) (*domain.BacktestResult, error) {
	in, err := toStruct(req)
	if err != nil {
		return nil, err
	}
	return c.invoke(ctx, MethodRunBacktest, in)
}

// GetResult fetches a stored result by ID.
func (c *BacktestClient) GetResult(ctx context.Context, id string) (*domain.BacktestResult, error) {
	in, err := structpb.NewStruct(map[string]interface{}{"id": id})
	if err != nil {
		return nil, err
	}
	return c.invoke(ctx, MethodGetResult, in)
}

func (c *BacktestClient) invoke(ctx context.Context, method string, in *structpb.Struct) (*domain.BacktestResult, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out); err != nil {
		return nil, err
	}
	var result domain.BacktestResult
	if err := fromStruct(out, &result); err != nil {
		return nil, fmt.Errorf("decoding %s response: %w", method, err)
	}
	return &result, nil
}

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

// toStruct converts v to a Struct through its JSON encoding.
func toStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return s, nil
}

// fromStruct decodes s into v through its JSON encoding.
func fromStruct(s *structpb.Struct, v interface{}) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// grpcError maps domain errors onto gRPC status codes.
func grpcError(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrConfiguration):
		code = codes.InvalidArgument
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrDataNotFound):
		code = codes.NotFound
	case errors.Is(err, domain.ErrComputation):
		code = codes.FailedPrecondition
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return status.Error(code, err.Error())
}
