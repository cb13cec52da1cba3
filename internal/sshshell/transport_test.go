package sshshell

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	gliderssh "github.com/gliderlabs/ssh"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"pkt.systems/saslink/core"
	"pkt.systems/saslink/schema"
)

var bodyAttr = regexp.MustCompile(`body="([^"]+)\.htm"`)

// fakeEngine imitates an interactive engine: %put echoes its argument, an ODS
// body statement announces and produces an HTML file, endsas exits.
type fakeEngine struct {
	mu        sync.Mutex
	commands  []string
	files     map[string]string
	silentEnd bool
	endsas    chan struct{}
	endOnce   sync.Once
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{files: map[string]string{}, endsas: make(chan struct{})}
}

func (e *fakeEngine) handle(s gliderssh.Session) {
	cmd := s.RawCommand()
	if strings.HasPrefix(cmd, "cat ") {
		name := strings.Trim(strings.TrimPrefix(cmd, "cat "), "'")
		e.mu.Lock()
		doc, ok := e.files[name]
		e.mu.Unlock()
		if !ok {
			_, _ = fmt.Fprintf(s.Stderr(), "cat: %s: No such file\n", name)
			_ = s.Exit(1)
			return
		}
		_, _ = io.WriteString(s, doc)
		_ = s.Exit(0)
		return
	}
	e.mu.Lock()
	e.commands = append(e.commands, cmd)
	e.mu.Unlock()

	scanner := bufio.NewScanner(s)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "endsas;":
			e.endOnce.Do(func() { close(e.endsas) })
			_ = s.Exit(0)
			return
		case strings.HasPrefix(line, "%put ") && strings.HasSuffix(line, ";"):
			value := strings.TrimSuffix(strings.TrimPrefix(line, "%put "), ";")
			if e.silentEnd && strings.HasPrefix(value, "--saslink-end-") {
				continue
			}
			_, _ = fmt.Fprintf(s, "%s\n", value)
		default:
			if m := bodyAttr.FindStringSubmatch(line); m != nil {
				e.mu.Lock()
				e.files[m[1]+".htm"] = "<html><head><title>Class listing</title></head><body>rows</body></html>"
				e.mu.Unlock()
				_, _ = fmt.Fprintf(s, "NOTE: Writing HTML5(SASLINK) Body file: %s.htm\n", m[1])
			}
		}
	}
}

type testServer struct {
	cfg        schema.SSHConfig
	hostSigner ssh.Signer
	client     ed25519.PrivateKey
}

func writeKey(t *testing.T, priv ed25519.PrivateKey) string {
	t.Helper()
	block, err := ssh.MarshalPrivateKey(priv, "saslink-test")
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return path
}

func startEngine(t *testing.T, engine *fakeEngine) *testServer {
	t.Helper()
	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}
	_, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("client key: %v", err)
	}
	clientSigner, err := ssh.NewSignerFromKey(clientPriv)
	if err != nil {
		t.Fatalf("client signer: %v", err)
	}

	srv := &gliderssh.Server{
		Handler: engine.handle,
		PublicKeyHandler: func(_ gliderssh.Context, key gliderssh.PublicKey) bool {
			return gliderssh.KeysEqual(key, clientSigner.PublicKey())
		},
	}
	srv.AddHostKey(hostSigner)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		_ = srv.Serve(ln)
	}()
	t.Cleanup(func() { _ = srv.Close() })

	addr := ln.Addr().(*net.TCPAddr)
	return &testServer{
		cfg: schema.SSHConfig{
			Host:                "127.0.0.1",
			Port:                addr.Port,
			User:                "sasdemo",
			KeyPath:             writeKey(t, clientPriv),
			InsecureHostKey:     true,
			SASPath:             "/opt/sas/SASFoundation/9.4/sas",
			SASOptions:          []string{"-encoding", "utf8"},
			SetupTimeoutSeconds: 5,
			IdleTimeoutSeconds:  5,
		},
		hostSigner: hostSigner,
		client:     clientPriv,
	}
}

func TestRunResolvesAfterSentinel(t *testing.T) {
	engine := newFakeEngine()
	ts := startEngine(t, engine)
	transport := New(ts.cfg, Options{})
	ctx := context.Background()
	if err := transport.Setup(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if transport.SessionID() == "" {
		t.Fatalf("expected session id after setup")
	}
	if err := transport.Setup(ctx); err != nil {
		t.Fatalf("second setup: %v", err)
	}

	var got []string
	result, err := transport.Run(ctx, "%put hi;", func(lines []schema.LogLine) {
		for _, line := range lines {
			got = append(got, line.Line)
		}
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(got) != 1 || got[0] != "hi" {
		t.Fatalf("expected [hi], got %v", got)
	}
	if result.HTML5 != "" {
		t.Fatalf("did not expect html, got %q", result.HTML5)
	}

	if err := transport.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case <-engine.endsas:
	case <-time.After(5 * time.Second):
		t.Fatalf("engine never received endsas")
	}
	engine.mu.Lock()
	cmd := engine.commands[0]
	engine.mu.Unlock()
	if !strings.HasPrefix(cmd, ts.cfg.SASPath+" -nodms") || !strings.HasSuffix(cmd, "-encoding utf8") {
		t.Fatalf("unexpected engine command %q", cmd)
	}
	if transport.SessionID() != "" {
		t.Fatalf("expected session cleared after close")
	}
}

func TestCloseWithoutRun(t *testing.T) {
	engine := newFakeEngine()
	ts := startEngine(t, engine)
	transport := New(ts.cfg, Options{})
	if err := transport.Close(context.Background()); err != nil {
		t.Fatalf("close before setup: %v", err)
	}
	if err := transport.Setup(context.Background()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := transport.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := transport.Close(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestRunFetchesHTMLBody(t *testing.T) {
	engine := newFakeEngine()
	ts := startEngine(t, engine)
	transport := New(ts.cfg, Options{HTML: true})
	ctx := context.Background()
	if err := transport.Setup(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer func() { _ = transport.Close(ctx) }()

	var notes int
	result, err := transport.Run(ctx, "proc print data=sashelp.class; run;", func(lines []schema.LogLine) {
		for _, line := range lines {
			if line.Type == schema.LogNote {
				notes++
			}
		}
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if notes != 1 {
		t.Fatalf("expected the body note classified, got %d notes", notes)
	}
	if result.Title != "Class listing" || !strings.Contains(result.HTML5, "<body>rows") {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestRunIdleTimeout(t *testing.T) {
	engine := newFakeEngine()
	engine.silentEnd = true
	ts := startEngine(t, engine)
	ts.cfg.IdleTimeoutSeconds = 1
	transport := New(ts.cfg, Options{})
	ctx := context.Background()
	if err := transport.Setup(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer func() { _ = transport.Close(ctx) }()
	_, err := transport.Run(ctx, "%put hi;", func([]schema.LogLine) {})
	if !core.IsKind(err, core.ErrorTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestRunBeforeSetup(t *testing.T) {
	transport := New(schema.SSHConfig{Host: "127.0.0.1", Port: 1, User: "u", SASPath: "sas"}, Options{})
	if _, err := transport.Run(context.Background(), "x", func([]schema.LogLine) {}); !errors.Is(err, schema.ErrNotSetUp) {
		t.Fatalf("expected not set up, got %v", err)
	}
}

func TestSetupVerifiesKnownHosts(t *testing.T) {
	engine := newFakeEngine()
	ts := startEngine(t, engine)
	addr := net.JoinHostPort(ts.cfg.Host, fmt.Sprint(ts.cfg.Port))

	good := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize(addr)}, ts.hostSigner.PublicKey())
	if err := os.WriteFile(good, []byte(line+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := ts.cfg
	cfg.InsecureHostKey = false
	cfg.KnownHosts = good
	transport := New(cfg, Options{})
	if err := transport.Setup(context.Background()); err != nil {
		t.Fatalf("setup with known host: %v", err)
	}
	_ = transport.Close(context.Background())

	_, otherPriv, _ := ed25519.GenerateKey(rand.Reader)
	otherSigner, err := ssh.NewSignerFromKey(otherPriv)
	if err != nil {
		t.Fatal(err)
	}
	bad := filepath.Join(t.TempDir(), "known_hosts")
	line = knownhosts.Line([]string{knownhosts.Normalize(addr)}, otherSigner.PublicKey())
	if err := os.WriteFile(bad, []byte(line+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg.KnownHosts = bad
	if err := New(cfg, Options{}).Setup(context.Background()); err == nil {
		t.Fatalf("expected host key mismatch to fail setup")
	}
}

func TestSetupWithAgent(t *testing.T) {
	engine := newFakeEngine()
	ts := startEngine(t, engine)

	keyring := agent.NewKeyring()
	if err := keyring.Add(agent.AddedKey{PrivateKey: ts.client, Comment: "saslink-test"}); err != nil {
		t.Fatalf("add key: %v", err)
	}
	dir, err := os.MkdirTemp("", "agent")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	socket := filepath.Join(dir, "agent.sock")
	ln, err := net.Listen("unix", socket)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				_ = agent.ServeAgent(keyring, c)
				_ = c.Close()
			}()
		}
	}()
	t.Setenv("SSH_AUTH_SOCK", socket)

	cfg := ts.cfg
	cfg.KeyPath = ""
	cfg.UseAgent = true
	transport := New(cfg, Options{})
	if err := transport.Setup(context.Background()); err != nil {
		t.Fatalf("setup via agent: %v", err)
	}
	_ = transport.Close(context.Background())
}

func TestShellQuote(t *testing.T) {
	cases := map[string]string{
		"/opt/sas/sas": "/opt/sas/sas",
		"run-1.htm":    "run-1.htm",
		"my file.htm":  "'my file.htm'",
		"it's":         `'it'\''s'`,
		"":             "''",
	}
	for in, want := range cases {
		if got := shellQuote(in); got != want {
			t.Fatalf("shellQuote(%q) = %q, want %q", in, got, want)
		}
	}
}
