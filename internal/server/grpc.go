package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"OptionLedger/internal/observability"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

const ServiceName = "optionledger.v1.Ledger"

// unary adapts a LedgerAPI method into a grpc.MethodDesc. Requests are
// decoded with whatever codec the client negotiated (see codec.go).
func unary[Req, Resp any](name string, call func(LedgerAPI, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(LedgerAPI), ctx, req.(*Req))
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var ledgerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerAPI)(nil),
	Methods: []grpc.MethodDesc{
		unary[json.RawMessage, OperateResponse]("Operate", LedgerAPI.Operate),
		unary[json.RawMessage, InstrumentResponse]("CreateInstrument", LedgerAPI.CreateInstrument),
		unary[json.RawMessage, AckResponse]("SetOperator", LedgerAPI.SetOperator),
		unary[json.RawMessage, AckResponse]("Fund", LedgerAPI.Fund),
		unary[json.RawMessage, AckResponse]("Withdraw", LedgerAPI.Withdraw),
		unary[json.RawMessage, AckResponse]("Transfer", LedgerAPI.Transfer),
		unary[SettleRequest, PayoutResponse]("SettleVault", LedgerAPI.SettleVault),
		unary[RedeemRequest, PayoutResponse]("Redeem", LedgerAPI.Redeem),
		unary[VaultRequest, VaultResponse]("GetVault", LedgerAPI.GetVault),
		unary[PayoutRequest, PayoutResponse]("GetPayout", LedgerAPI.GetPayout),
		unary[InstrumentRequest, InstrumentResponse]("GetInstrument", LedgerAPI.GetInstrument),
		unary[ListInstrumentsRequest, ListInstrumentsResponse]("ListInstruments", LedgerAPI.ListInstruments),
		unary[BalanceRequest, BalanceResponse]("Balance", LedgerAPI.Balance),
		unary[StatusRequest, StatusResponse]("Status", LedgerAPI.Status),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "optionledger/v1/ledger.json",
}

// RegisterLedgerServer registers api on s.
func RegisterLedgerServer(s grpc.ServiceRegistrar, api LedgerAPI) {
	s.RegisterService(&ledgerServiceDesc, api)
}

// UnaryInterceptor logs each call and records request metrics.
func UnaryInterceptor(log zerolog.Logger, metrics *observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		elapsed := time.Since(start)

		code := status.Code(err)
		if metrics != nil {
			metrics.RequestsTotal.WithLabelValues(info.FullMethod, code.String()).Inc()
			metrics.RequestDuration.WithLabelValues(info.FullMethod).Observe(elapsed.Seconds())
		}

		ev := log.Debug()
		if err != nil {
			ev = log.Warn().Err(err)
		}
		ev.Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("elapsed", elapsed).
			Msg("request")
		return resp, err
	}
}

// GRPCServer owns the gRPC listener and the HTTP gateway in front of the
// same LedgerAPI.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	api           LedgerAPI
	healthChecker *observability.HealthChecker
	metrics       *observability.Metrics
	log           zerolog.Logger
}

// ServerDeps holds everything the servers need.
type ServerDeps struct {
	API           LedgerAPI
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Log           zerolog.Logger
}

func NewGRPCServer(grpcAddr, httpAddr string, deps ServerDeps) *GRPCServer {
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(UnaryInterceptor(deps.Log, deps.Metrics)))
	RegisterLedgerServer(grpcServer, deps.API)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	// grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer:    grpcServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		api:           deps.API,
		healthChecker: deps.HealthChecker,
		metrics:       deps.Metrics,
		log:           deps.Log,
	}
}

// StartGRPC serves gRPC until ctx is cancelled.
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway serves the HTTP/JSON API until ctx is cancelled.
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := NewGatewayHandler(s.api, s.healthChecker, s.metrics)
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}

	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
