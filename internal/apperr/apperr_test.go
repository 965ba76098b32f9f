package apperr_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"syscall"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/go-ports/memlink/internal/apperr"
)

func TestClassify_HappyPath(t *testing.T) {
	c := qt.New(t)

	cases := []struct {
		name string
		err  error
		want apperr.Kind
	}{
		{"connection refused", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, apperr.KindNetwork},
		{"dns failure", &net.DNSError{Err: "no such host", Name: "nowhere.invalid"}, apperr.KindNetwork},
		{"deadline exceeded", context.DeadlineExceeded, apperr.KindNetwork},
		{"url error wrapping refused", &url.Error{Op: "Get", URL: "http://x", Err: syscall.ECONNREFUSED}, apperr.KindNetwork},
		{"401 status", &apperr.StatusError{Code: 401}, apperr.KindAuth},
		{"403 status", &apperr.StatusError{Code: 403}, apperr.KindAuth},
		{"503 status", &apperr.StatusError{Code: 503}, apperr.KindNetwork},
		{"400 status", &apperr.StatusError{Code: 400}, apperr.KindProtocol},
		{"plain error", errors.New("bad frame"), apperr.KindProtocol},
	}

	for _, tc := range cases {
		c.Run(tc.name, func(c *qt.C) {
			got := apperr.Classify("op", tc.err)
			c.Assert(apperr.KindOf(got), qt.Equals, tc.want)
			c.Assert(errors.Is(got, tc.err), qt.IsTrue)
		})
	}
}

func TestClassify_KeepsExistingKind(t *testing.T) {
	c := qt.New(t)

	orig := apperr.Validation("credential", errors.New("bad"))
	wrapped := fmt.Errorf("login: %w", orig)
	got := apperr.Classify("other", wrapped)
	c.Assert(apperr.KindOf(got), qt.Equals, apperr.KindValidation)
	c.Assert(apperr.Classify("x", nil), qt.IsNil)
}

func TestKind_RetryableAndExitCode(t *testing.T) {
	c := qt.New(t)

	c.Assert(apperr.KindNetwork.Retryable(), qt.IsTrue)
	c.Assert(apperr.KindProtocol.Retryable(), qt.IsTrue)
	c.Assert(apperr.KindAuth.Retryable(), qt.IsFalse)
	c.Assert(apperr.KindConfig.Retryable(), qt.IsFalse)
	c.Assert(apperr.KindValidation.ExitCode(), qt.Equals, 2)
	c.Assert(apperr.KindConfigCorruption.ExitCode(), qt.Equals, 7)
	c.Assert(apperr.KindUnknown.ExitCode(), qt.Equals, 1)
}

func TestHintOf_HappyPath(t *testing.T) {
	c := qt.New(t)

	err := fmt.Errorf("connect: %w", apperr.Network("mcp.dial", errors.New("refused")).WithHint("check your network"))
	c.Assert(apperr.HintOf(err), qt.Equals, "check your network")
	c.Assert(apperr.HintOf(errors.New("plain")), qt.Equals, "")
	c.Assert(err.Error(), qt.Equals, "connect: mcp.dial: network error: refused")
}
