package httpapi

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"schoolgate.org/internal/auth"
	"schoolgate.org/internal/gate"
	"schoolgate.org/internal/gate/remote"
	"schoolgate.org/internal/obs"
)

// methodPermissions gates each RPC. Methods not listed are public.
var methodPermissions = map[string]string{
	remote.VerifyMethod:  auth.PermGateVerify,
	remote.ReceiptMethod: "",
}

// GRPCServer serves the gate engine and the standard health service.
type GRPCServer struct {
	engine    *gate.Engine
	tokens    *auth.Tokens
	readiness readinessChecker
	health    *health.Server
}

func NewGRPCServer(engine *gate.Engine, tokens *auth.Tokens, r readinessChecker) *GRPCServer {
	if r == nil {
		r = ReadyProbe{}
	}
	return &GRPCServer{engine: engine, tokens: tokens, readiness: r, health: health.NewServer()}
}

// Register attaches the gate and health services to gs.
func (s *GRPCServer) Register(gs *grpc.Server) {
	remote.RegisterGateServer(gs, s)
	healthpb.RegisterHealthServer(gs, s.health)
}

// RefreshHealth runs the readiness probe and publishes the result to the health service.
func (s *GRPCServer) RefreshHealth(ctx context.Context) error {
	st := healthpb.HealthCheckResponse_SERVING
	err := s.readiness.Check(ctx)
	if err != nil {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	obs.SetReady(err == nil)
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(remote.ServiceName, st)
	return err
}

// Shutdown flips health to NOT_SERVING so load balancers drain first.
func (s *GRPCServer) Shutdown() { s.health.Shutdown() }

// UnaryInterceptor authenticates bearer metadata for gate methods.
func (s *GRPCServer) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		perm, guarded := methodPermissions[info.FullMethod]
		if !guarded || s.tokens == nil {
			return handler(ctx, req)
		}
		token := bearerFromMetadata(ctx)
		if token == "" {
			return nil, status.Error(codes.Unauthenticated, "missing bearer token")
		}
		p, err := s.tokens.Authenticate(token)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}
		if perm != "" && !p.HasPermission(perm) {
			return nil, status.Error(codes.PermissionDenied, "permission denied")
		}
		return handler(auth.ContextWithPrincipal(ctx, p), req)
	}
}

func bearerFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, v := range md.Get("authorization") {
		if tok, err := extractBearerToken(v); err == nil {
			return tok
		}
	}
	return ""
}

func (s *GRPCServer) Verify(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := remote.DecodeRequest(in)
	if err != nil || strings.TrimSpace(req.Identifier) == "" || strings.TrimSpace(req.Course) == "" {
		return nil, status.Error(codes.InvalidArgument, "identifier and course are required")
	}
	res, err := s.engine.Verify(ctx, req)
	if err != nil {
		return nil, remote.StatusOf(err)
	}
	return remote.EncodeResult(res)
}

func (s *GRPCServer) Receipt(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := remote.DecodeReceiptRequest(in)
	if err != nil || id == "" {
		return nil, status.Error(codes.InvalidArgument, "account_id is required")
	}
	owner := s.tokens == nil
	if p, ok := auth.PrincipalFromContext(ctx); ok || s.tokens != nil {
		var err error
		if owner, err = receiptAccess(p, id); err != nil {
			return nil, status.Error(codes.PermissionDenied, "permission denied")
		}
	}
	view, err := s.engine.Receipt(ctx, id)
	if err != nil {
		return nil, remote.StatusOf(err)
	}
	if !owner {
		view = view.WithoutCode()
	}
	return remote.EncodeReceipt(view)
}
