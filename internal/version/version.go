// Package version reports which build of otad is running.
package version

import (
	"runtime/debug"
	"strings"
)

// Info describes the running binary.
type Info struct {
	Revision  string `json:"revision"`
	Modified  bool   `json:"modified,omitempty"`
	Time      string `json:"time,omitempty"`
	GoVersion string `json:"go_version"`
}

// fromBuildInfo extracts Info from the module build information. ok is false
// if the revision cannot be determined.
func fromBuildInfo(info *debug.BuildInfo) (_ Info, ok bool) {
	v := Info{GoVersion: info.GoVersion}
	settings := make(map[string]string)
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}
	if rev, ok := settings["vcs.revision"]; ok {
		v.Revision = rev
		v.Modified = settings["vcs.modified"] == "true"
		v.Time = settings["vcs.time"]
		return v, true
	}
	// Installed with go install: the pseudo-version
	// v0.0.0-20230107144322-7a5757f46310 ends in the revision.
	if idx := strings.LastIndexByte(info.Main.Version, '-'); idx > -1 {
		v.Revision = info.Main.Version[idx+1:]
		return v, true
	}
	return v, false
}

// Read returns the build information of the running binary.
func Read() Info {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Info{Revision: "unknown"}
	}
	v, ok := fromBuildInfo(info)
	if !ok {
		v.Revision = "unknown"
	}
	return v
}

func (v Info) String() string {
	s := "https://github.com/stofradar/ota/commit/" + v.Revision
	if v.Modified {
		s += " (modified)"
	}
	return s
}

// Brief returns a short form like g7a5757+ for status displays.
func (v Info) Brief() string {
	rev := v.Revision
	if len(rev) > 6 {
		rev = rev[:6]
	}
	if v.Modified {
		rev += "+"
	}
	return "g" + rev
}
