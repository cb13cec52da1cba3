package version

import (
	"runtime/debug"
	"strings"
	"testing"
	"time"
)

func TestFromBuildInfo(t *testing.T) {
	ts := time.Date(2025, time.January, 2, 3, 4, 5, 0, time.UTC)
	stamped := &debug.BuildInfo{
		GoVersion: "go1.25.2",
		Main:      debug.Module{Path: "pkt.systems/saslink", Version: "(devel)"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "1234567890abcdef"},
			{Key: "vcs.time", Value: ts.Format(time.RFC3339)},
			{Key: "vcs.modified", Value: "true"},
		},
	}
	cases := []struct {
		name     string
		info     *debug.BuildInfo
		override string
		want     string
	}{
		{name: "pseudo", info: stamped, want: "v0.0.0-20250102030405-1234567890ab+dirty"},
		{name: "override", info: stamped, override: " v1.2.3 ", want: "v1.2.3"},
		{name: "module version", info: &debug.BuildInfo{Main: debug.Module{Path: "pkt.systems/saslink", Version: "v0.4.0"}}, want: "v0.4.0"},
		{name: "devel without vcs", info: &debug.BuildInfo{Main: debug.Module{Version: "(devel)"}}, want: "v0.0.0-unknown"},
		{name: "no build info", want: "v0.0.0-unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := fromBuildInfo(tc.info, tc.override)
			if got.Version != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got.Version)
			}
			if got.Module != "pkt.systems/saslink" {
				t.Fatalf("expected module path, got %q", got.Module)
			}
		})
	}
	info := fromBuildInfo(stamped, "")
	if info.Revision != "1234567890abcdef" || !info.Time.Equal(ts) || !info.Modified {
		t.Fatalf("unexpected vcs fields %+v", info)
	}
}

func TestInfoString(t *testing.T) {
	info := Info{Module: "pkt.systems/saslink", Version: "v1.0.0", Go: "go1.25.2"}
	if got := info.String(); got != "pkt.systems/saslink v1.0.0 (go1.25.2)" {
		t.Fatalf("unexpected version line %q", got)
	}
	if got := (Info{Module: "m", Version: "v1"}).String(); got != "m v1" {
		t.Fatalf("unexpected version line %q", got)
	}
}

func TestGetPrefersBuildVersion(t *testing.T) {
	old := buildVersion
	buildVersion = "v9.9.9"
	t.Cleanup(func() { buildVersion = old })
	if got := Get(); got.Version != "v9.9.9" || !strings.Contains(got.String(), "v9.9.9") {
		t.Fatalf("expected build version, got %+v", got)
	}
}
