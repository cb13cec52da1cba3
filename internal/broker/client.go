package broker

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"pkt.systems/pslog"
	"pkt.systems/saslink/core"
	"pkt.systems/saslink/internal/logx"
	"pkt.systems/saslink/schema"
)

// Options configures a broker client transport.
type Options struct {
	Logger pslog.Logger
	// TLSConfig overrides the default client TLS settings when the profile enables TLS.
	TLSConfig *tls.Config
}

// Transport implements core.Transport against a remote broker.
type Transport struct {
	cfg     schema.GRPCConfig
	tlsConf *tls.Config
	logger  pslog.Logger

	mu        sync.Mutex
	conn      *grpc.ClientConn
	client    BrokerClient
	contextID string
}

// New constructs a broker client transport. cfg must be normalized.
func New(cfg schema.GRPCConfig, opts Options) *Transport {
	logger := opts.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Transport{cfg: cfg, tlsConf: opts.TLSConfig, logger: logger.With("broker", cfg.Address)}
}

// Kind implements core.Transport.
func (t *Transport) Kind() schema.TransportKind { return schema.TransportGRPC }

// SessionID implements core.Transport and returns the broker context id.
func (t *Transport) SessionID() schema.SessionID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return schema.SessionID(t.contextID)
}

// Setup dials the broker and opens a context once.
func (t *Transport) Setup(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.contextID != "" {
		return nil
	}
	if t.conn == nil {
		conn, err := t.dial()
		if err != nil {
			return core.NewError(core.ErrorTransport, "dial broker", err)
		}
		t.conn = conn
		t.client = NewBrokerClient(conn)
	}
	timeout := time.Duration(t.cfg.ConnectTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = schema.DefaultConnectTimeoutSeconds * time.Second
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := t.client.Connect(connectCtx, toPBOptions(t.cfg.Options))
	if err != nil {
		logGRPCError(t.logger, "broker connect failed", err)
		return wrapBrokerError("connect", err)
	}
	if resp.GetValue() == "" {
		return core.NewError(core.ErrorTransport, "connect", errors.New("broker returned an empty context id"))
	}
	t.contextID = resp.GetValue()
	logx.WithSession(t.logger, schema.SessionID(t.contextID)).Debug("broker context opened")
	return nil
}

func (t *Transport) dial() (*grpc.ClientConn, error) {
	network, address := splitAddress(t.cfg.Address)
	dialer := func(ctx context.Context, addr string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, addr)
	}
	creds := insecure.NewCredentials()
	if t.cfg.TLS {
		conf := t.tlsConf
		if conf == nil {
			conf = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		creds = credentials.NewTLS(conf)
	}
	return grpc.NewClient(
		"passthrough:///"+address,
		grpc.WithTransportCredentials(creds),
		grpc.WithContextDialer(dialer),
	)
}

func (t *Transport) current() (BrokerClient, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client, t.contextID
}

// Run submits code and drains the log and ODS streams concurrently. Lines
// delivered before a stream failure are not withdrawn.
func (t *Transport) Run(ctx context.Context, code string, sink core.LogSink) (schema.RunResult, error) {
	client, id := t.current()
	if id == "" {
		return schema.RunResult{}, schema.ErrNotSetUp
	}
	log := logx.WithSession(t.logger, schema.SessionID(id))
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldContextID: structpb.NewStringValue(id),
		fieldCode:      structpb.NewStringValue(code),
	}}
	if _, err := client.ExecuteCode(ctx, req); err != nil {
		logGRPCError(log, "broker execute failed", err)
		return schema.RunResult{}, t.runError("execute code", err)
	}
	log.Debug("broker code submitted", "code_len", len(code))

	var (
		g     errgroup.Group
		html  bytes.Buffer
		lines int
	)
	ref := wrapperspb.String(id)
	g.Go(func() error {
		stream, err := client.FetchLog(ctx, ref)
		if err != nil {
			return t.runError("fetch log", err)
		}
		for {
			msg, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return t.runError("fetch log", err)
			}
			sink([]schema.LogLine{fromPBLine(msg)})
			lines++
		}
	})
	g.Go(func() error {
		stream, err := client.FetchODS(ctx, ref)
		if err != nil {
			return t.runError("fetch ods", err)
		}
		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return t.runError("fetch ods", err)
			}
			_, _ = html.Write(chunk.GetValue())
		}
	})
	if err := g.Wait(); err != nil {
		logGRPCError(log, "broker run failed", err)
		return schema.RunResult{}, err
	}
	result := schema.RunResult{HTML5: html.String()}
	if result.HTML5 != "" {
		result.Title = core.ExtractTitle(result.HTML5)
	}
	log.Debug("broker run drained", "lines", lines, "html_bytes", html.Len())
	return result, nil
}

// runError classifies err and forgets the context when the broker no longer knows it.
func (t *Transport) runError(op string, err error) error {
	err = wrapBrokerError(op, err)
	if core.IsKind(err, core.ErrorSessionStale) {
		t.mu.Lock()
		t.contextID = ""
		t.mu.Unlock()
	}
	return err
}

// Close disconnects the broker context and closes the connection.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	conn, client, id := t.conn, t.client, t.contextID
	t.conn, t.client, t.contextID = nil, nil, ""
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	var errs []error
	if id != "" {
		if _, err := client.Disconnect(ctx, wrapperspb.String(id)); err != nil {
			logGRPCError(t.logger, "broker disconnect failed", err)
			errs = append(errs, wrapBrokerError("disconnect", err))
		}
	}
	if err := conn.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
