package domain

import "testing"

func TestOHLCVBarValid(t *testing.T) {
	cases := []struct {
		name string
		bar  OHLCVBar
		want bool
	}{
		{
			name: "normal bar",
			bar:  OHLCVBar{Open: 100, High: 105, Low: 99, Close: 102, Volume: 1000},
			want: true,
		},
		{
			name: "zero open rejected",
			bar:  OHLCVBar{Open: 0, High: 105, Low: 99, Close: 102, Volume: 1000},
			want: false,
		},
		{
			name: "negative volume rejected",
			bar:  OHLCVBar{Open: 100, High: 105, Low: 99, Close: 102, Volume: -1},
			want: false,
		},
		{
			name: "high below close rejected",
			bar:  OHLCVBar{Open: 100, High: 101, Low: 99, Close: 102, Volume: 1000},
			want: false,
		},
		{
			name: "low above open rejected",
			bar:  OHLCVBar{Open: 100, High: 105, Low: 101, Close: 102, Volume: 1000},
			want: false,
		},
		{
			name: "flat bar open=close=high=low is valid",
			bar:  OHLCVBar{Open: 100, High: 100, Low: 100, Close: 100, Volume: 0},
			want: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.bar.Valid(); got != tc.want {
				t.Errorf("Valid() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestTaskStatusIsTerminal(t *testing.T) {
	terminal := []TaskStatus{TaskSuccess, TaskFailure, TaskCancelled, TaskRevoked}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}

	nonTerminal := []TaskStatus{TaskPending, TaskReceived, TaskStarted, TaskProgress, TaskRetry}
	for _, s := range nonTerminal {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
