package protocol

import "testing"

func TestKindCodes(t *testing.T) {
	cases := []struct {
		kind      Kind
		code      int
		closeCode int
	}{
		{KindAuthenticationRequired, 4401, 1008},
		{KindInvalidMessageFormat, 4001, 0},
		{KindRateLimitExceeded, 4002, 0},
		{KindConnectionLimitExceeded, 4003, 1008},
		{KindUpstreamUnavailable, 5011, 0},
		{KindUpstreamThrottled, 5012, 0},
		{KindServerError, 5000, 1011},
		{KindNormalShutdown, 0, 1000},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			if got := tc.kind.Code(); got != tc.code {
				t.Errorf("Code() = %d, want %d", got, tc.code)
			}
			if got := tc.kind.CloseCode(); got != tc.closeCode {
				t.Errorf("CloseCode() = %d, want %d", got, tc.closeCode)
			}
			if got, want := tc.kind.Terminal(), tc.closeCode != 0; got != want {
				t.Errorf("Terminal() = %v, want %v", got, want)
			}
		})
	}
}

func TestNewErrorFillsCode(t *testing.T) {
	e := NewError(KindConnectionLimitExceeded, "too many connections", map[string]any{"ip": "10.0.0.1"})
	if e.Code != 4003 {
		t.Errorf("Code = %d, want 4003", e.Code)
	}
	if e.Kind != string(KindConnectionLimitExceeded) {
		t.Errorf("Kind = %q", e.Kind)
	}
	if e.Type != TypeError {
		t.Errorf("Type = %q, want error", e.Type)
	}
}
