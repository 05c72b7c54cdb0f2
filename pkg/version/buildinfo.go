package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

func init() {
	buildInfo = moduleBuildInfo
	fixBuild = vcsFixBuild
}

// moduleBuildInfo lists the main module, the build target and every
// dependency compiled into the binary.
func moduleBuildInfo() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "not built in module mode"
	}
	var b strings.Builder
	writeModule(&b, "mod", &info.Main)
	for _, s := range info.Settings {
		switch s.Key {
		case "GOOS", "GOARCH", "CGO_ENABLED", "-tags":
			fmt.Fprintf(&b, " build\t%s=%s\n", s.Key, s.Value)
		}
	}
	for _, dep := range info.Deps {
		writeModule(&b, "dep", dep)
	}
	return b.String()
}

func writeModule(b *strings.Builder, kind string, m *debug.Module) {
	fmt.Fprintf(b, " %s\t%s\t%s\t%s", kind, m.Path, m.Version, m.Sum)
	if r := m.Replace; r != nil {
		fmt.Fprintf(b, "\t=> %s\t%s\t%s", r.Path, r.Version, r.Sum)
	}
	b.WriteByte('\n')
}

// vcsFixBuild fills in Build from the VCS stamp of the binary unless it
// was set at link time.
func vcsFixBuild(v *Version) {
	if !strings.HasPrefix(v.Build, "$Id") {
		return
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	settings := make(map[string]string, len(info.Settings))
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}
	rev := settings["vcs.revision"]
	if rev == "" {
		rev = settings["gitrevision"]
	}
	if rev == "" {
		return
	}
	if settings["vcs.modified"] == "true" {
		rev += "-dirty"
	}
	v.Build = rev
}
