//go:build fips

package crypto

// FIPSMode reports whether the binary was built with the "fips" tag.
// Such builds offer only FIPS 140-3 approved key exchange methods, and a
// failed self-test panics.
func FIPSMode() bool { return true }
