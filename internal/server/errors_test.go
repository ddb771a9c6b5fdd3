package server

import (
	"errors"
	"net/http"
	"testing"

	"workbridge/internal/engine"
)

func TestHandleErrorSystemStatuses(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"busy", engine.SystemError{Op: "claim_next", Err: errors.New("database is locked (5)"), Busy: true}, http.StatusServiceUnavailable},
		{"other", engine.SystemError{Op: "claim_next", Err: errors.New("row (5) missing")}, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			serr := handleError(tc.err)
			if serr.GetStatus() != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, serr.GetStatus())
			}
			apiErr, ok := serr.(*apiError)
			if !ok || apiErr.Body.Code != engine.CodeSystem {
				t.Fatalf("expected %s envelope, got %#v", engine.CodeSystem, serr)
			}
		})
	}
}
