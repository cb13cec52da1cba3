// Package version describes the running saslink build.
package version

import (
	"fmt"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/saslink"

// buildVersion is set via -ldflags "-X pkt.systems/saslink/internal/version.buildVersion=...".
var buildVersion = ""

// Info is what saslink knows about its own build.
type Info struct {
	Module   string
	Version  string
	Revision string
	Time     time.Time
	Modified bool
	Go       string
}

// Get reads the build information of the running binary.
func Get() Info {
	info, _ := debug.ReadBuildInfo()
	return fromBuildInfo(info, buildVersion)
}

// String renders the version line printed by saslink version.
func (i Info) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", i.Module, i.Version)
	if i.Go != "" {
		fmt.Fprintf(&b, " (%s)", i.Go)
	}
	return b.String()
}

// fromBuildInfo resolves the version from, in order: the linker override, the
// module version, a pseudo-version built from VCS stamps.
func fromBuildInfo(info *debug.BuildInfo, override string) Info {
	out := Info{Module: defaultModule, Version: "v0.0.0-unknown"}
	if info != nil {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			out.Module = path
		}
		out.Go = info.GoVersion
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				out.Revision = setting.Value
			case "vcs.time":
				if ts, err := time.Parse(time.RFC3339, setting.Value); err == nil {
					out.Time = ts.UTC()
				}
			case "vcs.modified":
				out.Modified = setting.Value == "true"
			}
		}
	}
	switch {
	case strings.TrimSpace(override) != "":
		out.Version = strings.TrimSpace(override)
	case info != nil && info.Main.Version != "" && info.Main.Version != "(devel)":
		out.Version = info.Main.Version
	case out.Revision != "" && !out.Time.IsZero():
		rev := out.Revision
		if len(rev) > 12 {
			rev = rev[:12]
		}
		out.Version = "v0.0.0-" + out.Time.Format("20060102150405") + "-" + rev
		if out.Modified {
			out.Version += "+dirty"
		}
	}
	return out
}
