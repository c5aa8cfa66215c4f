package ssrf

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsBlocked(t *testing.T) {
	tests := []struct {
		ip      string
		blocked bool
	}{
		{"127.0.0.1", true},
		{"10.1.2.3", true},
		{"172.20.0.1", true},
		{"192.168.1.1", true},
		{"169.254.169.254", true},
		{"100.64.0.1", true},
		{"0.0.0.0", true},
		{"::1", true},
		{"fd00::1", true},
		{"fe80::1", true},
		{"::ffff:10.0.0.1", true},
		{"8.8.8.8", false},
		{"93.184.216.34", false},
		{"2606:4700:4700::1111", false},
		{"::ffff:8.8.8.8", false},
	}
	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			assert.Equal(t, tt.blocked, IsBlocked(netip.MustParseAddr(tt.ip)))
		})
	}
}

func TestValidateURL(t *testing.T) {
	assert.NoError(t, ValidateURL("https://hooks.example.com/in", true))
	assert.NoError(t, ValidateURL("http://127.0.0.1:9000/hook", false))

	assert.ErrorIs(t, ValidateURL("http://127.0.0.1:9000/hook", true), ErrBlockedTarget)
	assert.ErrorIs(t, ValidateURL("http://localhost/hook", true), ErrBlockedTarget)
	assert.ErrorIs(t, ValidateURL("http://[::1]/hook", true), ErrBlockedTarget)

	assert.Error(t, ValidateURL("ftp://example.com/file", false))
	assert.Error(t, ValidateURL("/relative/path", false))
	assert.Error(t, ValidateURL("http://", false))
}

func TestControl(t *testing.T) {
	assert.ErrorIs(t, Control("tcp", "127.0.0.1:80", nil), ErrBlockedTarget)
	assert.ErrorIs(t, Control("tcp", "[fd00::1]:443", nil), ErrBlockedTarget)
	assert.NoError(t, Control("tcp", "8.8.8.8:443", nil))
}
