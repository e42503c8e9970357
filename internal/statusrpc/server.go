// Package statusrpc serves read-only breaker status over gRPC: the
// standard health service, one health entry per variable, and a unary
// Breakers method returning a structpb.Struct.
package statusrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/gravity-controller/internal/gravity"
)

// #region service-desc
const (
	// ServiceName is the gRPC service exposing breaker status.
	ServiceName = "gravity.v1.Status"

	breakersMethod = "/" + ServiceName + "/Breakers"

	// HealthPrefix prefixes per-variable health service names.
	HealthPrefix = "gravity.variable."
)

// StatusServer is the server API of gravity.v1.Status.
type StatusServer interface {
	Breakers(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StatusServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Breakers", Handler: breakersHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gravity/v1/status.proto",
}

func breakersHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StatusServer).Breakers(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: breakersMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(StatusServer).Breakers(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// #endregion service-desc

// #region server
// Report is the payload of the Breakers method.
type Report struct {
	Step      int64                            `json:"step"`
	VersionID string                           `json:"version_id,omitempty"`
	Breakers  map[string]gravity.BreakerStatus `json:"breakers"`
}

// Server holds the last published report. Publish and the RPC handlers may
// run on different goroutines; the fabric itself is never touched here.
type Server struct {
	mu     sync.RWMutex
	report Report
	health *health.Server
	logger *slog.Logger
}

var _ StatusServer = (*Server)(nil)

// NewServer returns a server with an empty report. A nil logger uses
// slog.Default().
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		report: Report{Breakers: map[string]gravity.BreakerStatus{}},
		health: health.NewServer(),
		logger: logger.With("component", "statusrpc"),
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Register adds the status and health services to gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
	healthpb.RegisterHealthServer(gs, s.health)
}

// Publish replaces the report and updates per-variable health: a tripped
// breaker reports NOT_SERVING.
func (s *Server) Publish(r Report) {
	breakers := make(map[string]gravity.BreakerStatus, len(r.Breakers))
	for v, st := range r.Breakers {
		breakers[v] = st
	}
	r.Breakers = breakers

	s.mu.Lock()
	prev := s.report.Breakers
	s.report = r
	s.mu.Unlock()

	names := make([]string, 0, len(breakers))
	for v := range breakers {
		names = append(names, v)
	}
	sort.Strings(names)
	for _, v := range names {
		st := breakers[v]
		serving := healthpb.HealthCheckResponse_SERVING
		if st.State == gravity.BreakerTripped {
			serving = healthpb.HealthCheckResponse_NOT_SERVING
		}
		s.health.SetServingStatus(HealthPrefix+v, serving)
		if old, ok := prev[v]; ok && old.State != st.State {
			s.logger.Info("breaker state published", "variable", v, "state", st.StateName, "step", r.Step)
		}
	}
	for v := range prev {
		if _, ok := breakers[v]; !ok {
			s.health.SetServingStatus(HealthPrefix+v, healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
		}
	}
}

// Report returns a copy of the current report.
func (s *Server) Report() Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.report
	out.Breakers = make(map[string]gravity.BreakerStatus, len(s.report.Breakers))
	for v, st := range s.report.Breakers {
		out.Breakers[v] = st
	}
	return out
}

// Breakers implements StatusServer.
func (s *Server) Breakers(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	out, err := toStruct(s.Report())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode report: %v", err)
	}
	return out, nil
}

// Shutdown marks every service NOT_SERVING.
func (s *Server) Shutdown() {
	s.health.Shutdown()
}

// #endregion server

// #region encoding
func toStruct(r Report) (*structpb.Struct, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}
	return structpb.NewStruct(m)
}

func fromStruct(s *structpb.Struct) (Report, error) {
	b, err := json.Marshal(s.AsMap())
	if err != nil {
		return Report{}, fmt.Errorf("marshal struct: %w", err)
	}
	var r Report
	if err := json.Unmarshal(b, &r); err != nil {
		return Report{}, fmt.Errorf("decode report: %w", err)
	}
	for v, st := range r.Breakers {
		if parsed, ok := gravity.ParseBreakerState(st.StateName); ok {
			st.State = parsed
			r.Breakers[v] = st
		}
	}
	return r, nil
}

// #endregion encoding
