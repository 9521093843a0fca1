// Package admin runs the gRPC side of the control plane: a standard health
// service whose per-component status follows sync results and engine health.
package admin

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"forwardctl/internal/syncer"
)

const (
	ServiceSync   = "forwardctl.SyncCoordinator"
	ServiceEngine = "forwardctl.Engine"

	maxMessageSize = 4 * 1024 * 1024
)

func adminLogger() *slog.Logger {
	return slog.Default().With("component", "admin")
}

// Reporter maps component state onto the health service.
type Reporter struct {
	health *health.Server
}

func NewReporter() *Reporter {
	h := health.NewServer()
	h.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.SetServingStatus(ServiceSync, healthpb.HealthCheckResponse_SERVING)
	h.SetServingStatus(ServiceEngine, healthpb.HealthCheckResponse_UNKNOWN)
	return &Reporter{health: h}
}

// ObserveSync is registered as a coordinator result listener. Only executed
// outcomes move the status.
func (r *Reporter) ObserveSync(res syncer.Result) {
	switch res.Outcome {
	case syncer.OutcomeSuccess:
		r.set(ServiceSync, healthpb.HealthCheckResponse_SERVING)
	case syncer.OutcomeFailure:
		r.set(ServiceSync, healthpb.HealthCheckResponse_NOT_SERVING)
	}
}

// EngineStatus is the engine health monitor's status hook.
func (r *Reporter) EngineStatus(healthy bool) {
	if healthy {
		r.set(ServiceEngine, healthpb.HealthCheckResponse_SERVING)
		return
	}
	r.set(ServiceEngine, healthpb.HealthCheckResponse_NOT_SERVING)
}

func (r *Reporter) set(service string, st healthpb.HealthCheckResponse_ServingStatus) {
	r.health.SetServingStatus(service, st)
	adminLogger().Debug("health status updated", "service", service, "status", st.String())
}

// Check answers like a remote health client would see it.
func (r *Reporter) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := r.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Shutdown flips every service to NOT_SERVING ahead of a graceful stop.
func (r *Reporter) Shutdown() {
	r.health.Shutdown()
}

// NewServer builds the gRPC server with logging interceptors and the health
// service registered. tlsCfg may be nil for plaintext.
func NewServer(r *Reporter, tlsCfg *tls.Config, debug bool) *grpc.Server {
	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMessageSize),
		grpc.MaxSendMsgSize(maxMessageSize),
		grpc.ChainUnaryInterceptor(unaryLogInterceptor(debug)),
		grpc.ChainStreamInterceptor(streamLogInterceptor(debug)),
	}
	if tlsCfg != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}
	s := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s, r.health)
	return s
}

func unaryLogInterceptor(debug bool) grpc.UnaryServerInterceptor {
	logger := slog.With("component", "grpc.unary")
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if debug {
			logger.Debug("grpc unary call", "method", info.FullMethod)
		}
		resp, err := handler(ctx, req)
		if err != nil {
			if isExpectedCancel(err) {
				logger.Info("grpc unary canceled", "method", info.FullMethod)
				return resp, err
			}
			logger.Error("grpc unary error", "method", info.FullMethod, "error", err)
		}
		return resp, err
	}
}

func streamLogInterceptor(debug bool) grpc.StreamServerInterceptor {
	logger := slog.With("component", "grpc.stream")
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if debug {
			logger.Debug("grpc stream call", "method", info.FullMethod)
		}
		err := handler(srv, ss)
		if err != nil {
			if isExpectedCancel(err) {
				logger.Info("grpc stream canceled", "method", info.FullMethod)
				return err
			}
			logger.Error("grpc stream error", "method", info.FullMethod, "error", err)
		}
		return err
	}
}

func isExpectedCancel(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	return status.Code(err) == codes.Canceled
}
