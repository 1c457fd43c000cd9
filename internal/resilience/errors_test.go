package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
)

func TestIsTransient_ExplicitTransientError(t *testing.T) {
	err := NewTransientError(errors.New("server overloaded"), 503)
	if !IsTransient(err) {
		t.Error("expected TransientError to be transient")
	}
}

func TestIsTransient_WrappedTransientError(t *testing.T) {
	inner := NewTransientError(errors.New("rate limited"), 429)
	wrapped := fmt.Errorf("api call failed: %w", inner)
	if !IsTransient(wrapped) {
		t.Error("expected wrapped TransientError to be transient")
	}
}

func TestIsTransient_NilError(t *testing.T) {
	if IsTransient(nil) {
		t.Error("nil error should not be transient")
	}
}

func TestIsTransient_RegularError(t *testing.T) {
	err := errors.New("invalid input: missing field")
	if IsTransient(err) {
		t.Error("regular error should not be transient")
	}
}

func TestIsTransient_ConnectionReset(t *testing.T) {
	err := fmt.Errorf("write tcp: %w", syscall.ECONNRESET)
	if !IsTransient(err) {
		t.Error("ECONNRESET should be transient")
	}
}

func TestIsTransient_ConnectionRefused(t *testing.T) {
	err := fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED)
	if !IsTransient(err) {
		t.Error("ECONNREFUSED should be transient")
	}
}

func TestIsTransient_NetworkTimeout(t *testing.T) {
	err := &net.DNSError{IsTimeout: true, Err: "timeout"}
	if !IsTransient(err) {
		t.Error("network timeout should be transient")
	}
}

func TestIsTransient_StringPatterns(t *testing.T) {
	patterns := []string{
		"connection reset by peer",
		"broken pipe",
		"TLS handshake timeout",
		"i/o timeout",
		"server closed idle connection",
	}
	for _, p := range patterns {
		err := errors.New(p)
		if !IsTransient(err) {
			t.Errorf("expected %q to be transient", p)
		}
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	transient := []int{408, 429, 500, 502, 503, 504}
	for _, code := range transient {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("expected HTTP %d to be transient", code)
		}
	}

	permanent := []int{200, 201, 400, 401, 403, 404, 405, 409, 422}
	for _, code := range permanent {
		if IsTransientHTTPStatus(code) {
			t.Errorf("expected HTTP %d to NOT be transient", code)
		}
	}
}

func TestTransientError_Unwrap(t *testing.T) {
	inner := errors.New("root cause")
	te := NewTransientError(inner, 500)

	if !errors.Is(te, inner) {
		t.Error("TransientError.Unwrap should return the inner error")
	}

	if te.StatusCode != 500 {
		t.Errorf("expected StatusCode 500, got %d", te.StatusCode)
	}
}

func TestTransientError_ErrorMessage(t *testing.T) {
	inner := errors.New("something went wrong")
	te := NewTransientError(inner, 503)

	if te.Error() != "something went wrong" {
		t.Errorf("expected error message %q, got %q", inner.Error(), te.Error())
	}
}

func TestIsTransient_RequestErrorNeverTransient(t *testing.T) {
	err := NewRequestError(fmt.Errorf("dial: %w", syscall.ECONNRESET), 400)
	if IsTransient(err) {
		t.Error("RequestError must never be transient")
	}
	if !IsRequestError(err) {
		t.Error("expected IsRequestError")
	}
}

func TestClassifyStatus(t *testing.T) {
	base := errors.New("status")
	if !IsTransient(ClassifyStatus(base, 503)) {
		t.Error("503 should classify as transient")
	}
	if !IsTransient(ClassifyStatus(base, 507)) {
		t.Error("507 should classify as transient")
	}
	if !IsRequestError(ClassifyStatus(base, 404)) {
		t.Error("404 should classify as request error")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorClass
	}{
		{nil, ""},
		{NewRequestError(errors.New("bad"), 400), ClassRequest},
		{NewTransientError(fmt.Errorf("read: %w", context.DeadlineExceeded), 0), ClassTransient},
		{fmt.Errorf("page: %w", context.Canceled), ClassCancelled},
		{errors.New("connection reset by peer"), ClassTransient},
		{errors.New("boom"), ClassOther},
	}
	for _, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Errorf("Classify(%v) = %q, want %q", c.err, got, c.want)
		}
	}
}

func TestRunFatalError(t *testing.T) {
	inner := errors.New("no pages")
	err := fmt.Errorf("fetch: %w", NewRunFatalError("zero successful pages", inner))
	if !IsFatal(err) {
		t.Error("expected IsFatal")
	}
	if !errors.Is(err, inner) {
		t.Error("expected RunFatalError to unwrap")
	}
	if IsFatal(inner) {
		t.Error("plain error is not fatal")
	}
}

func TestDecodeError_Message(t *testing.T) {
	err := &DecodeError{Ref: "bnbo/page=1/offset=3", Err: errors.New("bad posList")}
	want := "decode feature <unknown> at bnbo/page=1/offset=3: bad posList"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}
