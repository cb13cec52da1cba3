package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"pkt.systems/saslink/core"
	"pkt.systems/saslink/schema"
)

const fakeEngine = `#!/bin/sh
code=0
while [ $# -gt 0 ]; do
  case "$1" in
    -sysin) sysin="$2"; shift 2 ;;
    -log) log="$2"; shift 2 ;;
    -print) print="$2"; shift 2 ;;
    -exit) code="$2"; shift 2 ;;
    *) shift ;;
  esac
done
echo "NOTE: fake engine" > "$log"
body=$(sed -n 's/.*body="\([^"]*\)\.htm".*/\1/p' "$sysin")
if [ -n "$body" ]; then
  echo '<html><head><title>Fake output</title></head><body>ok</body></html>' > "$body.htm"
  echo "NOTE: Writing HTML5(SASLINK) Body file: $body.htm" >> "$log"
fi
if [ "$code" != "0" ]; then
  echo "ERROR: fake failure." >> "$log"
fi
: > "$print"
exit "$code"
`

func writeTestConfig(t *testing.T) (string, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake engine requires /bin/sh")
	}
	dir := t.TempDir()
	engine := filepath.Join(dir, "fake-sas")
	if err := os.WriteFile(engine, []byte(fakeEngine), 0o755); err != nil {
		t.Fatalf("write engine: %v", err)
	}
	state := filepath.Join(dir, "state")
	cfg := fmt.Sprintf(`config_version: 1
default_profile: local
state_dir: %s
profiles:
  local:
    connection: batch
    batch:
      executable: %s
      work_dir: %s
  failing:
    connection: batch
    html: false
    batch:
      executable: %s
      args: ["-exit", "3"]
      work_dir: %s
  viya:
    connection: rest
    rest:
      endpoint: https://viya.example.com/
      client_id: saslink
      server_id: srv-1
`, state, engine, filepath.Join(dir, "work"), engine, filepath.Join(dir, "work-failing"))
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path, dir
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	want := map[string]bool{"run": false, "login": false, "broker": false, "config": false, "profiles": false, "runs": false, "version": false}
	for _, cmd := range root.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Fatalf("expected root command to include %s", name)
		}
	}
	if root.PersistentFlags().Lookup("config") == nil {
		t.Fatalf("expected persistent config flag")
	}
}

func TestRunSavesLogAndHTML(t *testing.T) {
	cfgPath, dir := writeTestConfig(t)
	htmlPath := filepath.Join(dir, "out.html")
	out, err := execute(t, "data _null_; run;\n", "run", "-c", cfgPath, "--save", "--color", "never", "--html", htmlPath)
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	if !strings.Contains(out, "NOTE: fake engine") {
		t.Fatalf("expected log on stdout, got %q", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("expected no colour codes, got %q", out)
	}
	html, err := os.ReadFile(htmlPath)
	if err != nil {
		t.Fatalf("read html: %v", err)
	}
	if !strings.Contains(string(html), "<title>Fake output</title>") {
		t.Fatalf("unexpected html %q", html)
	}

	out, err = execute(t, "", "runs", "-c", cfgPath)
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 || !strings.Contains(lines[1], "local") || !strings.Contains(lines[1], "html") {
		t.Fatalf("unexpected runs listing %q", out)
	}
	id := strings.Fields(lines[1])[0]
	out, err = execute(t, "", "runs", "-c", cfgPath, "--color", "never", id)
	if err != nil {
		t.Fatalf("runs %s: %v", id, err)
	}
	if !strings.Contains(out, "NOTE: fake engine") {
		t.Fatalf("expected stored log, got %q", out)
	}
	if _, err := execute(t, "", "runs", "-c", cfgPath, "nope"); err == nil {
		t.Fatalf("expected missing run to fail")
	}
}

func TestRunFailureExitCode(t *testing.T) {
	cfgPath, _ := writeTestConfig(t)
	out, err := execute(t, "data _null_; abort; run;\n", "run", "-c", cfgPath, "-p", "failing", "--color", "never")
	if err == nil {
		t.Fatalf("expected run to fail")
	}
	if !core.IsKind(err, core.ErrorExecutionFailed) || exitCode(err) != 2 {
		t.Fatalf("expected execution failure, got %v", err)
	}
	if !strings.Contains(out, "ERROR: fake failure.") {
		t.Fatalf("expected full log before the failure, got %q", out)
	}
	if exitCode(fmt.Errorf("boom")) != 1 {
		t.Fatalf("expected generic failure to exit 1")
	}
}

func TestRunUnknownProfile(t *testing.T) {
	cfgPath, _ := writeTestConfig(t)
	_, err := execute(t, "x;", "run", "-c", cfgPath, "-p", "nope")
	if err == nil || !strings.Contains(err.Error(), schema.ErrProfileNotFound.Error()) {
		t.Fatalf("expected profile not found, got %v", err)
	}
}

func TestProfilesListing(t *testing.T) {
	cfgPath, _ := writeTestConfig(t)
	out, err := execute(t, "", "profiles", "-c", cfgPath)
	if err != nil {
		t.Fatalf("profiles: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header and three profiles, got %q", out)
	}
	if !strings.HasPrefix(lines[2], "local") || !strings.HasSuffix(strings.TrimSpace(lines[2]), "*") {
		t.Fatalf("expected local marked as default, got %q", lines[2])
	}
	if !strings.Contains(lines[3], "https://viya.example.com (server srv-1)") {
		t.Fatalf("unexpected rest target %q", lines[3])
	}
}

func TestLoginRejectsNonRESTProfile(t *testing.T) {
	cfgPath, _ := writeTestConfig(t)
	_, err := execute(t, "", "login", "-c", cfgPath, "-p", "local")
	if err == nil || !strings.Contains(err.Error(), "rest profiles") {
		t.Fatalf("expected rest-only error, got %v", err)
	}
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if _, err := execute(t, "", "config", "init", "-c", path); err != nil {
		t.Fatalf("config init: %v", err)
	}
	if _, err := execute(t, "", "config", "init", "-c", path); err == nil {
		t.Fatalf("expected existing config to be kept")
	}
	if _, err := execute(t, "", "config", "init", "-c", path, "--force"); err != nil {
		t.Fatalf("config init --force: %v", err)
	}
	out, err := execute(t, "", "profiles", "-c", path)
	if err != nil {
		t.Fatalf("profiles: %v", err)
	}
	for _, name := range []string{"grid", "local", "viya"} {
		if !strings.Contains(out, name) {
			t.Fatalf("expected %s in %q", name, out)
		}
	}
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "", "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "pkt.systems/saslink ") {
		t.Fatalf("unexpected version output %q", out)
	}
}
