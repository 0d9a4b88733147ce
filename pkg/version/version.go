package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

// Set at build time with -ldflags:
// -X github.com/lkarlslund/llmrelay/pkg/version.Version=vX.Y.Z
// -X github.com/lkarlslund/llmrelay/pkg/version.Commit=<sha>
var (
	Version = "dev"
	Commit  = ""
)

type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	Date    string `json:"date,omitempty"`
	Dirty   bool   `json:"dirty,omitempty"`
}

func Current() Info {
	info := Info{
		Version: strings.TrimSpace(Version),
		Commit:  strings.TrimSpace(Commit),
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "" {
				info.Commit = s.Value
			}
		case "vcs.time":
			info.Date = s.Value
		case "vcs.modified":
			info.Dirty = s.Value == "true"
		}
	}
	return info
}

func (i Info) String() string {
	out := i.Version
	if i.Commit != "" {
		short := i.Commit
		if len(short) > 12 {
			short = short[:12]
		}
		out += "+" + short
	}
	if i.Dirty {
		out += "+dirty"
	}
	return out
}

func Detailed() string {
	v := Current()
	out := fmt.Sprintf("llmrelay %s", v)
	if v.Date != "" {
		out += "\nBuilt: " + v.Date
	}
	return out
}
