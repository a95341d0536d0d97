// Package version reports build metadata for the imgvec binary.
//
// Values are injected at build time:
//
//	-ldflags "-X imgvec/internal/version.version=v1.0.0 -X imgvec/internal/version.commit=abc123 -X imgvec/internal/version.buildTime=2025-01-01T00:00:00Z"
//
// When the commit is not injected, the vcs revision recorded by the Go
// toolchain is used instead.
package version

import (
	"encoding/json"
	"fmt"
	"io"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

//nolint:gochecknoglobals // Required for build-time injection via ldflags.
var (
	version   string
	commit    string
	buildTime string
)

// ApplicationName is the name of the application displayed in version output.
const ApplicationName = "imgvec"

// Default values used when version information is not available.
const (
	DefaultVersion   = "dev"
	DefaultCommit    = "unknown"
	DefaultBuildTime = "unknown"
)

// Info is the build metadata of the running binary.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Get returns the build metadata with defaults filled in.
func Get() Info {
	info := Info{
		Version:   withDefault(version, DefaultVersion),
		Commit:    withDefault(commit, ""),
		BuildTime: withDefault(buildTime, DefaultBuildTime),
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if info.Commit == "" {
		info.Commit = vcsRevision()
	}
	return info
}

func withDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func vcsRevision() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return DefaultCommit
	}
	for _, s := range bi.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			if len(s.Value) > 12 {
				return s.Value[:12]
			}
			return s.Value
		}
	}
	return DefaultCommit
}

// IsDevelopment reports whether no version was injected.
func (i Info) IsDevelopment() bool {
	return i.Version == DefaultVersion
}

// BuiltAt parses the build time; zero when unknown or malformed.
func (i Info) BuiltAt() time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, i.BuildTime); err == nil {
			return t
		}
	}
	return time.Time{}
}

// String renders the multi-line human readable form.
func (i Info) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", ApplicationName, i.Version)
	fmt.Fprintf(&b, "Commit: %s\n", i.Commit)
	fmt.Fprintf(&b, "Built: %s\n", i.BuildTime)
	fmt.Fprintf(&b, "Go: %s %s\n", i.GoVersion, i.Platform)
	return b.String()
}

// Output formats accepted by Write.
const (
	FormatText  = "text"
	FormatShort = "short"
	FormatJSON  = "json"
)

// Write renders i to w in format.
func (i Info) Write(w io.Writer, format string) error {
	switch format {
	case FormatShort:
		_, err := fmt.Fprintln(w, i.Version)
		return err
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(i)
	case FormatText, "":
		_, err := io.WriteString(w, i.String())
		return err
	default:
		return fmt.Errorf("unknown version format %q", format)
	}
}

// SetBuildVars overrides the injected values. Used by tests.
func SetBuildVars(ver, com, bt string) {
	version = ver
	commit = com
	buildTime = bt
}

// ResetBuildVars clears the injected values.
func ResetBuildVars() {
	SetBuildVars("", "", "")
}
