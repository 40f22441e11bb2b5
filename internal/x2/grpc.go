package x2

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/signalsfoundry/mobility-controller/internal/logging"
	"github.com/signalsfoundry/mobility-controller/internal/sched"
	"github.com/signalsfoundry/mobility-controller/model"
)

const (
	serviceName   = "x2.v1.InterController"
	deliverMethod = "/x2.v1.InterController/Deliver"
)

// interControllerServer is the server side of the Deliver RPC. The request is
// an encoded Message envelope.
type interControllerServer interface {
	Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error)
}

func deliverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(interControllerServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(interControllerServer).Deliver(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

var interControllerServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*interControllerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "x2/v1/inter_controller.proto",
}

// GRPCTransport is a Channel whose controllers live in different processes.
// Local cells are delivered through the scheduler directly; remote cells are
// reached with a unary Deliver call. Inbound messages are posted to the local
// scheduler so handlers always run on the event loop.
type GRPCTransport struct {
	sched    sched.EventScheduler
	log      logging.Logger
	metrics  MetricsRecorder
	timeout  time.Duration
	dialOpts []grpc.DialOption

	mu    sync.Mutex
	local map[model.CellID]Handler
	peers map[model.CellID]string
	conns map[string]*grpc.ClientConn
}

// GRPCOption configures a GRPCTransport.
type GRPCOption func(*GRPCTransport)

// WithPeer maps a remote cell to the address of its controller.
func WithPeer(cell model.CellID, addr string) GRPCOption {
	return func(t *GRPCTransport) { t.peers[cell] = addr }
}

// WithCallTimeout bounds each Deliver call.
func WithCallTimeout(d time.Duration) GRPCOption {
	return func(t *GRPCTransport) { t.timeout = d }
}

// WithDialOptions appends client dial options.
func WithDialOptions(opts ...grpc.DialOption) GRPCOption {
	return func(t *GRPCTransport) { t.dialOpts = append(t.dialOpts, opts...) }
}

// WithTransportLogger sets the transport logger.
func WithTransportLogger(l logging.Logger) GRPCOption {
	return func(t *GRPCTransport) {
		if l != nil {
			t.log = l
		}
	}
}

// WithTransportMetrics records every send outcome.
func WithTransportMetrics(m MetricsRecorder) GRPCOption {
	return func(t *GRPCTransport) { t.metrics = m }
}

// NewGRPCTransport returns a transport posting inbound messages to s.
func NewGRPCTransport(s sched.EventScheduler, opts ...GRPCOption) *GRPCTransport {
	t := &GRPCTransport{
		sched:   s,
		log:     logging.Noop(),
		timeout: 2 * time.Second,
		dialOpts: []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 30 * time.Second, PermitWithoutStream: true}),
			grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		},
		local: make(map[model.CellID]Handler),
		peers: make(map[model.CellID]string),
		conns: make(map[string]*grpc.ClientConn),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NewServer returns a gRPC server with tracing and keepalive configured and the
// InterController service registered for t.
func NewServer(t *GRPCTransport, opts ...grpc.ServerOption) *grpc.Server {
	base := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 10 * time.Second, PermitWithoutStream: true}),
	}
	srv := grpc.NewServer(append(base, opts...)...)
	t.RegisterService(srv)
	return srv
}

// RegisterService exposes the transport's Deliver endpoint on srv.
func (t *GRPCTransport) RegisterService(srv grpc.ServiceRegistrar) {
	srv.RegisterService(&interControllerServiceDesc, t)
}

// AddPeer maps a remote cell to its controller address at runtime.
func (t *GRPCTransport) AddPeer(cell model.CellID, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[cell] = addr
}

// Register attaches the handler for a cell served by this process.
func (t *GRPCTransport) Register(cell model.CellID, h Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.local[cell]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, cell)
	}
	t.local[cell] = h
	return nil
}

// Send delivers msg to a local handler or to the remote controller of msg.To.
// Calls to one peer are issued sequentially from the event loop, which keeps
// per-pair ordering.
func (t *GRPCTransport) Send(ctx context.Context, msg Message) error {
	kind := msg.Kind().String()

	t.mu.Lock()
	h, isLocal := t.local[msg.To]
	addr, isPeer := t.peers[msg.To]
	t.mu.Unlock()

	if isLocal {
		t.post(h, msg)
		t.record(kind, "sent")
		return nil
	}
	if !isPeer {
		t.record(kind, "unknown_peer")
		return fmt.Errorf("send %s %s->%s: %w", kind, msg.From, msg.To, ErrUnknownPeer)
	}

	data, err := Encode(msg)
	if err != nil {
		t.record(kind, "encode_error")
		return err
	}
	conn, err := t.conn(addr)
	if err != nil {
		t.record(kind, "link_down")
		return fmt.Errorf("send %s %s->%s: %w: %v", kind, msg.From, msg.To, ErrLinkDown, err)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	if err := conn.Invoke(callCtx, deliverMethod, &wrapperspb.BytesValue{Value: data}, &emptypb.Empty{}); err != nil {
		mapped := fromStatusError(err)
		t.record(kind, outcomeOf(mapped))
		t.log.Warn(ctx, "x2 deliver failed",
			logging.String("kind", kind),
			logging.Target(uint16(msg.To)),
			logging.String("addr", addr),
			logging.Err(err),
		)
		return fmt.Errorf("send %s %s->%s: %w", kind, msg.From, msg.To, mapped)
	}
	t.record(kind, "sent")
	return nil
}

// Deliver implements the server side of the InterController service.
func (t *GRPCTransport) Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	msg, err := Decode(in.GetValue())
	if err != nil {
		return nil, toStatusError(err)
	}

	t.mu.Lock()
	h, ok := t.local[msg.To]
	t.mu.Unlock()
	if !ok {
		return nil, toStatusError(fmt.Errorf("cell %s: %w", msg.To, ErrUnknownPeer))
	}

	t.post(h, msg)
	return &emptypb.Empty{}, nil
}

// Close tears down every client connection.
func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var errs []error
	for addr, conn := range t.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", addr, err))
		}
		delete(t.conns, addr)
	}
	return errors.Join(errs...)
}

func (t *GRPCTransport) post(h Handler, msg Message) {
	t.sched.Schedule(t.sched.Now(), func() {
		ctx := logging.ContextWithProcedureID(context.Background(), msg.ProcedureID)
		h.OnInterControllerMessage(ctx, msg)
	})
}

func (t *GRPCTransport) conn(addr string) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[addr]; ok {
		return c, nil
	}
	c, err := grpc.NewClient(addr, t.dialOpts...)
	if err != nil {
		return nil, err
	}
	t.conns[addr] = c
	return c, nil
}

func (t *GRPCTransport) record(kind, outcome string) {
	if t.metrics != nil {
		t.metrics.IncX2Message(kind, outcome)
	}
}

// toStatusError maps transport errors onto gRPC status codes.
func toStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, ErrUnknownPeer):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrUnknownKind):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ErrLinkDown):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.InvalidArgument, err.Error())
	}
}

// fromStatusError maps a failed Deliver call back onto the package sentinels.
func fromStatusError(err error) error {
	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", ErrUnknownPeer, status.Convert(err).Message())
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return fmt.Errorf("%w: %s", ErrLinkDown, status.Convert(err).Message())
	default:
		return err
	}
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ErrUnknownPeer):
		return "unknown_peer"
	case errors.Is(err, ErrLinkDown):
		return "link_down"
	default:
		return "error"
	}
}
