// Package version holds the sshcore release version and the software
// version advertised in the SSH identification string.
package version

import (
	"fmt"
	"strings"

	"github.com/pzverkov/sshcore/internal/constants"
)

// Semantic version components.
const (
	// Major is the major version (breaking changes).
	Major = 0
	// Minor is the minor version (new features).
	Minor = 3
	// Patch is the patch version (bug fixes).
	Patch = 0
	// Label is the optional pre-release label.
	Label = ""
)

// String returns the full version string.
func String() string {
	v := fmt.Sprintf("v%d.%d.%d", Major, Minor, Patch)
	if Label != "" {
		v += "-" + Label
	}
	return v
}

// Full returns a descriptive version string.
func Full() string {
	return fmt.Sprintf("%s %s", constants.SoftwareName, String())
}

// Software returns the softwareversion token of the identification line,
// e.g. "sshcore_0.3.0". RFC 4253 forbids spaces and '-' in it.
func Software() string {
	v := strings.TrimPrefix(String(), "v")
	return constants.SoftwareName + "_" + strings.NewReplacer("-", ".", " ", ".").Replace(v)
}
