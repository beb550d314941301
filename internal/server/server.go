// ============================================================================
// lmic-task Control Server - gRPC surface of the host API
// ============================================================================
//
// Package: internal/server
// File: server.go
// Function: Exposes Send, Sleep, Wake, Status and TimeToNextJob of the task
//           to other processes over gRPC, so the CLI can drive a running
//           daemon.
//
// Wire format:
//   The service is described by hand (ServiceDesc below) and only carries
//   protobuf well-known types, so no generated code is needed:
//
//   /lmic.v1.Control/Send           Struct -> Struct
//       request:  port (number), data (base64 string), confirmed (bool),
//                 max_wait_ms (number, -1 waits until the call deadline)
//       response: result (string), accepted (bool), error (string)
//   /lmic.v1.Control/Sleep          Empty  -> Empty
//   /lmic.v1.Control/Wake           Empty  -> Empty
//   /lmic.v1.Control/Status         Empty  -> Struct
//   /lmic.v1.Control/TimeToNextJob  Empty  -> Int64Value
//
// Errors:
//   Malformed requests fail with InvalidArgument, calls before the task
//   started with FailedPrecondition. A payload the arbiter did not accept
//   is a normal response with accepted=false.
//
// ============================================================================

package server

import (
	"context"
	"encoding/base64"
	"math"
	"net"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/lmic-task/internal/arbiter"
	"github.com/ChuLiYu/lmic-task/internal/logger"
	"github.com/ChuLiYu/lmic-task/internal/orchestrator"
	"github.com/ChuLiYu/lmic-task/pkg/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "lmic.v1.Control"

// Application ports. Port 0 carries MAC commands only.
const (
	MinPort = 1
	MaxPort = 223
)

// MaxWaitMs bounds max_wait_ms. Negative values wait forever.
const MaxWaitMs = 24 * 60 * 60 * 1000

// Task is the part of the orchestrator the server drives.
type Task interface {
	Send(ctx context.Context, port uint8, data []byte, maxWait time.Duration) (arbiter.OfferResult, error)
	SendConfirmed(ctx context.Context, port uint8, data []byte, maxWait time.Duration) (arbiter.OfferResult, error)
	Sleep() error
	Wakeup() error
	TimeToNextJobMs() int
	Status() orchestrator.Status
}

var _ Task = (*orchestrator.Orchestrator)(nil)

// ControlServer is the service implementation registered with ServiceDesc.
type ControlServer interface {
	Send(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Sleep(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Wake(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	TimeToNextJob(context.Context, *emptypb.Empty) (*wrapperspb.Int64Value, error)
}

// ServiceDesc describes the control service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Send", ControlServer.Send),
		unary("Sleep", ControlServer.Sleep),
		unary("Wake", ControlServer.Wake),
		unary("Status", ControlServer.Status),
		unary("TimeToNextJob", ControlServer.TimeToNextJob),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "lmic/v1/control",
}

func unary[Req, Resp any](name string, call func(ControlServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ControlServer), ctx, req.(*Req))
			})
		},
	}
}

var _ ControlServer = (*Server)(nil)

// Server implements ControlServer on top of a Task.
type Server struct {
	task Task
	log  *zap.SugaredLogger
}

// NewServer creates the control service for task.
func NewServer(task Task, log *zap.SugaredLogger) *Server {
	return &Server{task: task, log: logger.OrNop(log).With(logger.FieldComponent, "control")}
}

// Register adds the control service to gs.
func Register(gs *grpc.Server, srv ControlServer) {
	gs.RegisterService(&ServiceDesc, srv)
}

// Send queues an uplink.
func (s *Server) Send(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()

	port := fields["port"].GetNumberValue()
	if port != math.Trunc(port) || port < MinPort || port > MaxPort {
		return nil, status.Errorf(codes.InvalidArgument, "port %v outside %d..%d", port, MinPort, MaxPort)
	}
	data, err := base64.StdEncoding.DecodeString(fields["data"].GetStringValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "data is not base64: %v", err)
	}
	if len(data) > types.MaxFrameLen {
		return nil, status.Errorf(codes.InvalidArgument, "payload of %d bytes exceeds %d", len(data), types.MaxFrameLen)
	}
	waitMs := fields["max_wait_ms"].GetNumberValue()
	if math.IsNaN(waitMs) || waitMs > MaxWaitMs {
		return nil, status.Errorf(codes.InvalidArgument, "max_wait_ms %v above %d", waitMs, MaxWaitMs)
	}
	maxWait := arbiter.WaitForever
	if waitMs >= 0 {
		maxWait = time.Duration(waitMs) * time.Millisecond
	}

	send := s.task.Send
	if fields["confirmed"].GetBoolValue() {
		send = s.task.SendConfirmed
	}
	res, err := send(ctx, uint8(port), data, maxWait)
	if err != nil && !errors.Is(err, arbiter.ErrNotAccepted) {
		return nil, toStatus(err)
	}

	s.log.Debugw("send", logger.FieldPort, uint8(port), logger.FieldLength, len(data), "result", res.String())
	reply := map[string]any{
		"result":   res.String(),
		"accepted": res.Accepted(),
		"error":    "",
	}
	if err != nil {
		reply["error"] = err.Error()
	}
	return structpb.NewStruct(reply)
}

// Sleep blocks until the task has stopped its tick source.
func (s *Server) Sleep(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.task.Sleep(); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// Wake blocks until the task runs again.
func (s *Server) Wake(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.task.Wakeup(); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// Status returns the task snapshot.
func (s *Server) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return structpb.NewStruct(StatusFields(s.task.Status()))
}

// TimeToNextJob returns milliseconds until the next job, -1 for none.
func (s *Server) TimeToNextJob(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.Int64Value, error) {
	return wrapperspb.Int64(int64(s.task.TimeToNextJobMs())), nil
}

// StatusFields flattens a Status into the values carried by the Status call.
func StatusFields(st orchestrator.Status) map[string]any {
	return map[string]any{
		"state":            st.State.String(),
		"started":          st.Started,
		"sending":          st.Sending,
		"busy":             st.Busy,
		"assert_called":    st.AssertCalled,
		"next_job_ms":      float64(st.NextJobMs),
		"now":              float64(st.Now),
		"jobs_run":         float64(st.JobsRun),
		"sleeps":           float64(st.Sleeps),
		"wakes":            float64(st.Wakes),
		"last_compensated": st.LastCompensated.String(),
		"ticks_per_second": st.TicksPerSecond,
		"queue_immediate":  float64(st.Queue.Immediate),
		"queue_scheduled":  float64(st.Queue.Scheduled),
		"arbiter_enqueued": float64(st.Arbiter.Enqueued),
		"arbiter_replaced": float64(st.Arbiter.Replaced),
		"arbiter_rejected": float64(st.Arbiter.Rejected),
		"arbiter_drained":  float64(st.Arbiter.Drained),
		"pending_notify":   st.Pending.String(),
	}
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, orchestrator.ErrNotStarted):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// Serve runs the control service on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, srv ControlServer, log *zap.SugaredLogger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	return ServeListener(ctx, lis, srv, log)
}

// ServeListener is Serve on an existing listener.
func ServeListener(ctx context.Context, lis net.Listener, srv ControlServer, log *zap.SugaredLogger) error {
	gs := grpc.NewServer()
	Register(gs, srv)

	log = logger.OrNop(log)
	log.Infow("control server listening", "addr", lis.Addr().String())

	go func() {
		<-ctx.Done()
		gs.GracefulStop()
	}()
	if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return errors.Wrap(err, "control server")
	}
	return nil
}
