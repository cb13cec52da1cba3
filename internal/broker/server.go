package broker

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"pkt.systems/pslog"
	"pkt.systems/saslink/core"
	"pkt.systems/saslink/internal/logx"
)

// SessionFactory builds a session for a Connect request. options carries the
// string fields of the request, such as "profile".
type SessionFactory func(ctx context.Context, options map[string]string) (*core.Session, error)

// Server exposes sessions built by a SessionFactory over the broker service.
type Server struct {
	cfg     Config
	factory SessionFactory
	logger  pslog.Logger

	mu       sync.Mutex
	contexts map[string]*brokerContext
}

type brokerContext struct {
	id      string
	session *core.Session

	mu     sync.Mutex
	run    core.RunHandle
	cancel context.CancelFunc
}

func (b *brokerContext) current() core.RunHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.run
}

// NewServer constructs a broker server.
func NewServer(cfg Config, factory SessionFactory) *Server {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	return &Server{cfg: cfg, factory: factory, contexts: make(map[string]*brokerContext)}
}

// ListenAndServe serves until ctx is done, then stops gracefully and closes
// every open context.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if strings.TrimSpace(s.cfg.Address) == "" {
		return errors.New("broker address is required")
	}
	if s.factory == nil {
		return errors.New("broker session factory is required")
	}
	if s.logger == nil {
		s.logger = pslog.Ctx(ctx)
	}
	network, address := splitAddress(s.cfg.Address)
	if network == "unix" {
		if err := os.MkdirAll(filepath.Dir(address), 0o755); err != nil {
			return err
		}
		_ = os.Remove(address)
	}
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	var opts []grpc.ServerOption
	if s.cfg.TLSCertFile != "" || s.cfg.TLSKeyFile != "" {
		creds, err := credentials.NewServerTLSFromFile(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			_ = listener.Close()
			return err
		}
		opts = append(opts, grpc.Creds(creds))
	}
	grpcServer := grpc.NewServer(opts...)
	RegisterBrokerServer(grpcServer, s)
	s.logger.Info("broker grpc listening", "network", network, "address", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- grpcServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		s.stop(grpcServer)
		<-errCh
		s.closeAll()
		return nil
	case err := <-errCh:
		s.closeAll()
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

func (s *Server) stop(grpcServer *grpc.Server) {
	done := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownTimeout):
		s.logger.Warn("broker graceful stop timed out")
		grpcServer.Stop()
		<-done
	}
	s.logger.Info("broker grpc stopped")
}

func (s *Server) closeAll() {
	s.mu.Lock()
	contexts := make([]*brokerContext, 0, len(s.contexts))
	for id, bc := range s.contexts {
		contexts = append(contexts, bc)
		delete(s.contexts, id)
	}
	s.mu.Unlock()
	for _, bc := range contexts {
		s.release(context.Background(), bc)
	}
}

func (s *Server) release(ctx context.Context, bc *brokerContext) {
	bc.mu.Lock()
	if bc.cancel != nil {
		bc.cancel()
	}
	bc.mu.Unlock()
	_ = bc.session.Close(ctx)
}

func (s *Server) log(ctx context.Context) pslog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return pslog.Ctx(ctx)
}

func (s *Server) lookup(id string) (*brokerContext, error) {
	if strings.TrimSpace(id) == "" {
		return nil, status.Error(codes.InvalidArgument, "context id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bc, ok := s.contexts[id]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown context %q", id)
	}
	return bc, nil
}

// Connect builds a session, sets it up and registers it under a new context id.
func (s *Server) Connect(ctx context.Context, req *structpb.Struct) (*wrapperspb.StringValue, error) {
	options := fromPBOptions(req)
	log := s.log(ctx).With("profile", options[fieldProfile])
	session, err := s.factory(ctx, options)
	if err != nil {
		log.Warn("broker connect rejected", "err", err)
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := session.Setup(ctx); err != nil {
		_ = session.Close(ctx)
		log.Warn("broker session setup failed", "err", err)
		return nil, toStatus(err)
	}
	bc := &brokerContext{id: uuid.NewString(), session: session}
	s.mu.Lock()
	s.contexts[bc.id] = bc
	s.mu.Unlock()
	log.Info("broker context opened", "context", bc.id, "session", session.ID())
	return wrapperspb.String(bc.id), nil
}

// ExecuteCode queues code on the context session. The run outlives the call
// and is canceled by Disconnect.
func (s *Server) ExecuteCode(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	bc, err := s.lookup(stringField(req, fieldContextID))
	if err != nil {
		return nil, err
	}
	code := stringField(req, fieldCode)
	log := logx.WithSession(s.log(ctx), bc.session.ID()).With("context", bc.id)
	if err := bc.session.Setup(ctx); err != nil {
		log.Warn("broker session setup failed", "err", err)
		return nil, toStatus(err)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	runCtx = logx.ContextWithProfileLogger(runCtx, s.log(ctx), bc.session.Profile())
	runCtx = logx.ContextWithSession(runCtx, bc.session.ID())
	handle, err := bc.session.Run(runCtx, code)
	if err != nil {
		cancel()
		log.Warn("broker execute rejected", "err", err)
		return nil, toStatus(err)
	}
	bc.mu.Lock()
	bc.run = handle
	bc.cancel = cancel
	bc.mu.Unlock()
	go func() {
		<-handle.Done()
		_, runErr := handle.Wait(runCtx)
		logx.ProfileCtx(runCtx, bc.session.Profile()).Debug("broker run done",
			"context", bc.id, "session", logx.SessionFromContext(runCtx), "kind", core.KindOf(runErr), "recoverable", core.IsRecoverable(runErr))
		cancel()
	}()
	log.Info("broker execute", "code_len", len(code))
	return &emptypb.Empty{}, nil
}

// FetchLog streams every log line of the latest submission in order.
func (s *Server) FetchLog(req *wrapperspb.StringValue, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ctx := stream.Context()
	bc, err := s.lookup(req.GetValue())
	if err != nil {
		return err
	}
	handle := bc.current()
	if handle == nil {
		return status.Error(codes.FailedPrecondition, "no code submitted")
	}
	logs := handle.Logs()
	defer func() { _ = logs.Close() }()
	sent := 0
	for {
		batch, err := logs.Next(ctx)
		if errors.Is(err, io.EOF) {
			s.log(ctx).Trace("broker log drained", "context", bc.id, "lines", sent)
			return nil
		}
		if err != nil {
			return status.FromContextError(err).Err()
		}
		for _, line := range batch {
			if err := stream.Send(toPBLine(line)); err != nil {
				return err
			}
			sent++
		}
	}
}

// FetchODS waits for the latest submission and streams its HTML output. A
// failed run ends the stream with the mapped status.
func (s *Server) FetchODS(req *wrapperspb.StringValue, stream grpc.ServerStreamingServer[wrapperspb.BytesValue]) error {
	ctx := stream.Context()
	bc, err := s.lookup(req.GetValue())
	if err != nil {
		return err
	}
	handle := bc.current()
	if handle == nil {
		return status.Error(codes.FailedPrecondition, "no code submitted")
	}
	result, err := handle.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return status.FromContextError(ctx.Err()).Err()
		}
		s.log(ctx).Info("broker run failed", "context", bc.id, "err", err, "kind", core.KindOf(err))
		return toStatus(err)
	}
	data := []byte(result.HTML5)
	for len(data) > 0 {
		n := min(len(data), s.cfg.ChunkSize)
		if err := stream.Send(wrapperspb.Bytes(data[:n])); err != nil {
			return err
		}
		data = data[n:]
	}
	s.log(ctx).Info("broker run finished", "context", bc.id, "html_bytes", len(result.HTML5))
	return nil
}

// Disconnect closes the context session. Unknown ids are not an error.
func (s *Server) Disconnect(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	id := req.GetValue()
	s.mu.Lock()
	bc, ok := s.contexts[id]
	delete(s.contexts, id)
	s.mu.Unlock()
	if ok {
		s.release(ctx, bc)
		s.log(ctx).Info("broker context closed", "context", id)
	}
	return &emptypb.Empty{}, nil
}
