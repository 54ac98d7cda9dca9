package crypto

import (
	"testing"
)

func TestRunPOST(t *testing.T) {
	result := RunPOST()
	if result == nil {
		t.Fatal("RunPOST() returned nil")
	}
	if !result.Passed {
		t.Fatalf("self-test failed: %v", result.Errors)
	}

	checks := []struct {
		name   string
		passed bool
	}{
		{"kdf", result.KDFPassed},
		{"mac", result.MACPassed},
		{"cipher", result.CipherPassed},
		{"sign", result.SignPassed},
	}
	for _, c := range checks {
		if !c.passed {
			t.Errorf("%s self-test did not pass", c.name)
		}
	}
	if len(result.Errors) != 0 {
		t.Errorf("Errors = %v, want none", result.Errors)
	}
}

func TestRunPOSTCached(t *testing.T) {
	if RunPOST() != RunPOST() {
		t.Error("RunPOST should return the cached result")
	}
	if !POSTPassed() {
		t.Error("POSTPassed() = false after a passing run")
	}
}

func TestPOSTChecks(t *testing.T) {
	tests := []struct {
		name string
		run  func() error
	}{
		{"kdf", postKDF},
		{"mac", postMAC},
		{"ciphers", postCiphers},
		{"sign", postSign},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestPOSTDetectsBadVector(t *testing.T) {
	saved := postMACExpected[0]
	postMACExpected[0] ^= 0xff
	defer func() { postMACExpected[0] = saved }()

	if err := postMAC(); err == nil {
		t.Error("postMAC accepted a corrupted expected tag")
	}
}
