package models

import "testing"

func TestAgentStatusCodes(t *testing.T) {
	cases := []struct {
		status AgentStatus
		code   uint64
	}{
		{AgentStatusActive, StatusCodeActive},
		{AgentStatusPaused, StatusCodePaused},
		{AgentStatusSuspended, StatusCodeSuspended},
		{AgentStatusCancelled, StatusCodeCancelled},
	}
	for _, tc := range cases {
		if got := tc.status.Code(); got != tc.code {
			t.Errorf("%s.Code() = %d, want %d", tc.status, got, tc.code)
		}
		if !tc.status.Valid() {
			t.Errorf("%s not valid", tc.status)
		}
	}
	if AgentStatus("retired").Valid() {
		t.Error("unknown status reported valid")
	}
}

func TestEpochStateTerminal(t *testing.T) {
	for _, s := range []EpochState{EpochStateUnbilled, EpochStateBilled} {
		if s.Terminal() {
			t.Errorf("%s reported terminal", s)
		}
	}
	for _, s := range []EpochState{EpochStateSettledOnTime, EpochStateSettledLate, EpochStateSlashed, EpochStateDelinquent} {
		if !s.Terminal() {
			t.Errorf("%s not terminal", s)
		}
	}
}
