package version

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestFromBuildInfo(t *testing.T) {
	vcs := []debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef0123"},
		{Key: "vcs.time", Value: "2026-03-04T05:06:07Z"},
		{Key: "vcs.modified", Value: "true"},
	}
	cases := []struct {
		name     string
		bi       *debug.BuildInfo
		override string
		want     string
	}{
		{name: "no build info", want: unknownVersion},
		{name: "ldflags override", bi: &debug.BuildInfo{Main: debug.Module{Version: "v1.2.3"}}, override: " v9.9.9 ", want: "v9.9.9"},
		{name: "module version", bi: &debug.BuildInfo{Main: debug.Module{Version: "v1.2.3"}, Settings: vcs}, want: "v1.2.3"},
		{name: "pseudo from vcs", bi: &debug.BuildInfo{Main: debug.Module{Version: "(devel)"}, Settings: vcs}, want: "v0.0.0-20260304050607-0123456789ab+dirty"},
		{name: "devel without vcs", bi: &debug.BuildInfo{Main: debug.Module{Version: "(devel)"}}, want: unknownVersion},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := fromBuildInfo(tc.bi, tc.override)
			if got.Version != tc.want {
				t.Fatalf("version=%q want %q", got.Version, tc.want)
			}
			if got.GoVersion == "" {
				t.Fatal("expected a go version")
			}
		})
	}
}

func TestFromBuildInfoModule(t *testing.T) {
	if got := fromBuildInfo(nil, "").Module; got != defaultModule {
		t.Fatalf("module=%q want %q", got, defaultModule)
	}
	got := fromBuildInfo(&debug.BuildInfo{Main: debug.Module{Path: "example.com/fork"}}, "")
	if got.Module != "example.com/fork" {
		t.Fatalf("module=%q", got.Module)
	}
	if got.Revision != "" || got.Modified || !got.Time.IsZero() {
		t.Fatalf("unexpected vcs fields: %+v", got)
	}
}

func TestStringIncludesModule(t *testing.T) {
	if !strings.HasPrefix(String(), Module()+" ") {
		t.Fatalf("unexpected version string %q", String())
	}
	if Current() != Get().Version {
		t.Fatalf("Current()=%q disagrees with Get()", Current())
	}
}
