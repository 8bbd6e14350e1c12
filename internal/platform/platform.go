// Package platform maps host operating systems and runner labels onto
// a common os-family vocabulary used by runner-target constraints.
package platform

import (
	"runtime"
	"strings"
)

// Canonical os-family labels.
const (
	Linux   = "linux"
	MacOS   = "macos"
	Windows = "windows"
)

// Host returns the os family of the current process.
func Host() string {
	switch runtime.GOOS {
	case "darwin":
		return MacOS
	case "windows":
		return Windows
	default:
		return Linux
	}
}

// Normalize folds common runner labels (ubuntu-latest, macos-13, ...)
// onto their os family. Unknown labels pass through lowercased.
func Normalize(label string) string {
	l := strings.ToLower(strings.TrimSpace(label))
	switch {
	case l == "", l == "any":
		return ""
	case strings.HasPrefix(l, "ubuntu"), strings.HasPrefix(l, "debian"), strings.HasPrefix(l, "linux"):
		return Linux
	case strings.HasPrefix(l, "macos"), strings.HasPrefix(l, "darwin"), strings.HasPrefix(l, "osx"):
		return MacOS
	case strings.HasPrefix(l, "windows"), strings.HasPrefix(l, "win"):
		return Windows
	default:
		return l
	}
}

// Matches reports whether a runner of family host satisfies the
// constraint. An empty constraint matches any runner.
func Matches(constraint, host string) bool {
	c := Normalize(constraint)
	if c == "" {
		return true
	}
	return c == Normalize(host)
}
