// Package version describes the running locklease build.
package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

const (
	defaultModule  = "pkt.systems/locklease"
	unknownVersion = "v0.0.0-unknown"
)

// buildVersion is set via -ldflags "-X pkt.systems/locklease/internal/version.buildVersion=...".
var buildVersion = ""

// Info is what the binary knows about its own build.
type Info struct {
	Module    string    `yaml:"module"`
	Version   string    `yaml:"version"`
	Revision  string    `yaml:"revision,omitempty"`
	Time      time.Time `yaml:"time,omitempty"`
	Modified  bool      `yaml:"modified,omitempty"`
	GoVersion string    `yaml:"go"`
}

var current = sync.OnceValue(func() Info {
	bi, _ := debug.ReadBuildInfo()
	return fromBuildInfo(bi, buildVersion)
})

// Get returns the build description, read once per process.
func Get() Info { return current() }

// Current returns the best available version string.
func Current() string { return Get().Version }

// Module returns the module path of the main package.
func Module() string { return Get().Module }

// String formats the module path and version on one line.
func String() string {
	info := Get()
	return info.Module + " " + info.Version
}

// fromBuildInfo resolves the version in order: the ldflags override, the
// module version, a pseudo version from VCS stamps, then unknownVersion.
func fromBuildInfo(bi *debug.BuildInfo, override string) Info {
	info := Info{Module: defaultModule, Version: unknownVersion, GoVersion: runtime.Version()}
	if bi != nil {
		if path := strings.TrimSpace(bi.Main.Path); path != "" {
			info.Module = path
		}
		if bi.GoVersion != "" {
			info.GoVersion = bi.GoVersion
		}
		for _, setting := range bi.Settings {
			switch setting.Key {
			case "vcs.revision":
				info.Revision = setting.Value
			case "vcs.time":
				if t, err := time.Parse(time.RFC3339, setting.Value); err == nil {
					info.Time = t.UTC()
				}
			case "vcs.modified":
				info.Modified = setting.Value == "true"
			}
		}
	}
	switch {
	case strings.TrimSpace(override) != "":
		info.Version = strings.TrimSpace(override)
	case bi != nil && bi.Main.Version != "" && bi.Main.Version != "(devel)":
		info.Version = bi.Main.Version
	case info.Revision != "" && !info.Time.IsZero():
		info.Version = info.pseudo()
	}
	return info
}

func (i Info) pseudo() string {
	rev := i.Revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	v := "v0.0.0-" + i.Time.Format("20060102150405") + "-" + rev
	if i.Modified {
		v += "+dirty"
	}
	return v
}
