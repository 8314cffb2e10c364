package perr_test

import (
	"errors"
	"testing"

	"github.com/relayforge/gatewaycore/internal/perr"
)

func TestWrapPreservesIs(t *testing.T) {
	cause := errors.New("dial refused")
	err := perr.Wrap(perr.BackendConnectFailure, cause)

	if !errors.Is(err, perr.BackendConnectFailure) {
		t.Fatalf("expected wrapped error to match sentinel via errors.Is")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected Unwrap to expose the cause")
	}
	if err.HTTPStatus != 502 {
		t.Fatalf("expected HTTP 502, got %d", err.HTTPStatus)
	}
	if err.GRPCStatus != 14 {
		t.Fatalf("expected grpc-status 14, got %d", err.GRPCStatus)
	}
}

func TestDistinctKindsDoNotMatch(t *testing.T) {
	err := perr.Wrap(perr.ClientParse, nil)
	if errors.Is(err, perr.BackendSelectFailure) {
		t.Fatalf("distinct kinds should not match")
	}
}
