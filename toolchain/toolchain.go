// Package toolchain locates the external ffmpeg and ffprobe executables.
package toolchain

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"ffcompress/failure"
)

// Well-known install locations checked after PATH.
var searchDirs = []string{
	"/opt/homebrew/bin",
	"/usr/local/bin",
	"/usr/bin",
}

// Resolve returns an executable path for a tool. A configured value wins:
// either a path to an executable or a bare name looked up on PATH. With
// nothing configured, name is looked up on PATH and then in the
// well-known install directories.
func Resolve(configured, name string) (string, error) {
	configured = strings.TrimSpace(configured)
	if configured != "" {
		if strings.ContainsRune(configured, filepath.Separator) || strings.ContainsRune(configured, '/') {
			if isExecutableFile(configured) {
				return configured, nil
			}
			return "", failure.New(failure.BinaryNotFound, "resolve "+name, fmt.Sprintf("%q is not an executable file", configured))
		}
		name = configured
	}

	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}
	for _, dir := range searchDirs {
		candidate := filepath.Join(dir, exeName(name))
		if isExecutableFile(candidate) {
			return candidate, nil
		}
	}
	return "", failure.New(failure.BinaryNotFound, "resolve "+name, fmt.Sprintf("binary %q not found", name))
}

// Requirement names a tool the service depends on.
type Requirement struct {
	Name        string
	Command     string
	Description string
}

// Status reports the availability of a requirement.
type Status struct {
	Name        string `json:"name"`
	Command     string `json:"command"`
	Description string `json:"description"`
	Available   bool   `json:"available"`
	Detail      string `json:"detail,omitempty"`
}

// Requirements lists the encoder and prober given their configured commands.
func Requirements(ffmpegBin, ffprobeBin string) []Requirement {
	return []Requirement{
		{Name: "ffmpeg", Command: ffmpegBin, Description: "Encoder"},
		{Name: "ffprobe", Command: ffprobeBin, Description: "Media prober"},
	}
}

// Check evaluates the requirements and reports availability.
func Check(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		status := Status{
			Name:        req.Name,
			Command:     strings.TrimSpace(req.Command),
			Description: req.Description,
		}
		path, err := Resolve(req.Command, req.Name)
		if err != nil {
			status.Detail = failure.DetailOf(err)
		} else {
			status.Command = path
			status.Available = true
		}
		results = append(results, status)
	}
	return results
}

func exeName(name string) string {
	if runtime.GOOS == "windows" && !strings.HasSuffix(strings.ToLower(name), ".exe") {
		return name + ".exe"
	}
	return name
}

func isExecutableFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode().Perm()&0o111 != 0
}
