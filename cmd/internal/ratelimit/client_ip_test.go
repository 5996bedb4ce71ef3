package ratelimit

import (
	"net/http/httptest"
	"testing"
)

func TestClientIP(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		remote     string
		xff        string
		xri        string
		trustProxy bool
		want       string
	}{
		{name: "remote addr", remote: "10.0.0.1:1234", want: "10.0.0.1"},
		{name: "ignores xff without trust", remote: "10.0.0.1:1234", xff: "1.2.3.4", want: "10.0.0.1"},
		{name: "xff first valid", remote: "10.0.0.1:1234", xff: "garbage, 1.2.3.4, 5.6.7.8", trustProxy: true, want: "1.2.3.4"},
		{name: "x-real-ip", remote: "10.0.0.1:1234", xri: "9.9.9.9", trustProxy: true, want: "9.9.9.9"},
		{name: "ipv6", remote: "[::1]:80", want: "::1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tc.remote
			if tc.xff != "" {
				r.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.xri != "" {
				r.Header.Set("X-Real-IP", tc.xri)
			}
			if got := ClientIP(r, tc.trustProxy); got != tc.want {
				t.Fatalf("ClientIP=%q want %q", got, tc.want)
			}
		})
	}
}
