package version

import (
	"strings"
	"testing"
)

func TestVersionStrings(t *testing.T) {
	v := String()
	if !strings.HasPrefix(v, "v") {
		t.Errorf("version string should start with v, got %s", v)
	}

	full := Full()
	if !strings.Contains(full, "sshcore") {
		t.Errorf("full version should contain project name, got %s", full)
	}
	if !strings.Contains(full, v) {
		t.Errorf("full version should contain version string, got %s", full)
	}
}

func TestSoftwareToken(t *testing.T) {
	sw := Software()
	if !strings.HasPrefix(sw, "sshcore_") {
		t.Errorf("software token should start with sshcore_, got %s", sw)
	}
	if strings.ContainsAny(sw, " -") {
		t.Errorf("software token must not contain spaces or dashes, got %s", sw)
	}
}
