package errmodel

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestFromWrapsUnknownErrors(t *testing.T) {
	err := errors.New("boom")
	ce := From(err)
	if ce.Category != CategorySystem || ce.Code != CodeInternal {
		t.Fatalf("got %s/%s", ce.Category, ce.Code)
	}
	if ce.Message != "boom" {
		t.Fatalf("message=%q", ce.Message)
	}
}

func TestFromPassesThroughCompactErrors(t *testing.T) {
	orig := Model(CodeRateLimited, "slow down", nil)
	ce := From(error(orig))
	if ce != orig {
		t.Fatal("expected identity")
	}
}

func TestStoreUnavailableNamesOperation(t *testing.T) {
	ce := StoreUnavailable("Log event", errors.New("conn refused"))
	if ce.Category != CategoryStore || ce.Code != CodeUnavailable {
		t.Fatalf("got %s/%s", ce.Category, ce.Code)
	}
	if !strings.Contains(ce.Error(), "Log event") {
		t.Fatalf("operation missing from %q", ce.Error())
	}
	if len(ce.Causes) != 1 || ce.Causes[0].Message != "conn refused" {
		t.Fatalf("cause not preserved: %+v", ce.Causes)
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err  *Error
		want int
	}{
		{Validation(CodeInvalidPayload, "bad", nil), http.StatusBadRequest},
		{Validation(CodeNotFound, "missing", nil), http.StatusNotFound},
		{Model(CodeRateLimited, "busy", nil), http.StatusTooManyRequests},
		{Model(CodeTimeout, "slow", nil), http.StatusBadGateway},
		{EmbeddingUnavailable("no provider", nil), http.StatusBadGateway},
		{StoreUnavailable("op", nil), http.StatusServiceUnavailable},
		{System(CodeInternal, "oops", nil, nil), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := HTTPStatus(c.err); got != c.want {
			t.Errorf("%s/%s: status=%d want %d", c.err.Category, c.err.Code, got, c.want)
		}
	}
}

func TestWriteHTTPEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	WriteHTTP(rec, req, Validation(CodeNotFound, "session not found", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("code=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "session not found") {
		t.Fatalf("body=%s", rec.Body.String())
	}
}

func TestTruncateLongMessages(t *testing.T) {
	long := strings.Repeat("x", 2048)
	ce := From(errors.New(long))
	if len(ce.Message) != 512 {
		t.Fatalf("len=%d", len(ce.Message))
	}
	if !strings.HasSuffix(ce.Message, "...") {
		t.Fatal("expected ellipsis")
	}
}
