package common_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-farmstay/internal/common"
)

func TestClientIP(t *testing.T) {
	cases := []struct {
		name   string
		xff    string
		realIP string
		remote string
		want   string
	}{
		{name: "first forwarded hop", xff: "203.0.113.7, 10.0.0.1", remote: "10.0.0.2:443", want: "203.0.113.7"},
		{name: "skips junk hops", xff: "unknown, 198.51.100.4", remote: "10.0.0.2:443", want: "198.51.100.4"},
		{name: "real ip header", realIP: "198.51.100.9", remote: "10.0.0.2:443", want: "198.51.100.9"},
		{name: "mapped v4", xff: "::ffff:192.0.2.1", want: "192.0.2.1"},
		{name: "socket peer", remote: "192.0.2.50:51234", want: "192.0.2.50"},
		{name: "bare remote", remote: "pipe", want: "pipe"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tc.remote
			if tc.xff != "" {
				r.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.realIP != "" {
				r.Header.Set("X-Real-IP", tc.realIP)
			}
			require.Equal(t, tc.want, common.ClientIP(r))
		})
	}
	require.Empty(t, common.ClientIP(nil))
}

func TestJSONEncodingFailureIs500(t *testing.T) {
	rr := httptest.NewRecorder()
	common.JSON(rr, http.StatusOK, map[string]any{"bad": make(chan int)})
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	require.Contains(t, rr.Body.String(), "INTERNAL")

	rr = httptest.NewRecorder()
	common.JSONError(rr, http.StatusConflict, "AMOUNT_MISMATCH", "amount does not match booking", nil)
	require.Equal(t, http.StatusConflict, rr.Code)
	require.JSONEq(t, `{"error":{"code":"AMOUNT_MISMATCH","message":"amount does not match booking"}}`, rr.Body.String())
}
