package ledger_test

import (
	"testing"

	"github.com/jensholdgaard/dkp-auction-engine/internal/ledger"
)

func TestApplyGain(t *testing.T) {
	tests := []struct {
		name    string
		current int
		delta   int
		cap     int
		want    ledger.GainResult
	}{
		{
			name:    "fits under cap",
			current: 100, delta: 50, cap: 1000,
			want: ledger.GainResult{NewPoints: 150, ActualGain: 50, WasCapped: false},
		},
		{
			name:    "clipped at cap",
			current: 900, delta: 200, cap: 1000,
			want: ledger.GainResult{NewPoints: 1000, ActualGain: 100, WasCapped: true},
		},
		{
			name:    "already at cap",
			current: 1000, delta: 10, cap: 1000,
			want: ledger.GainResult{NewPoints: 1000, ActualGain: 0, WasCapped: true},
		},
		{
			name:    "lands exactly on cap",
			current: 990, delta: 10, cap: 1000,
			want: ledger.GainResult{NewPoints: 1000, ActualGain: 10, WasCapped: false},
		},
		{
			name:    "balance above lowered cap is not clawed back",
			current: 1200, delta: 5, cap: 1000,
			want: ledger.GainResult{NewPoints: 1200, ActualGain: 0, WasCapped: true},
		},
		{
			name:    "zero balance",
			current: 0, delta: 25, cap: 1000,
			want: ledger.GainResult{NewPoints: 25, ActualGain: 25, WasCapped: false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ledger.ApplyGain(tt.current, tt.delta, tt.cap)
			if got != tt.want {
				t.Errorf("ApplyGain(%d, %d, %d) = %+v, want %+v",
					tt.current, tt.delta, tt.cap, got, tt.want)
			}
		})
	}
}

func TestApplySpend(t *testing.T) {
	tests := []struct {
		name    string
		current int
		amount  int
		wantNew int
		wantOK  bool
	}{
		{name: "affordable", current: 100, amount: 40, wantNew: 60, wantOK: true},
		{name: "exact balance", current: 100, amount: 100, wantNew: 0, wantOK: true},
		{name: "overdraw rejected", current: 50, amount: 51, wantNew: 50, wantOK: false},
		{name: "zero balance", current: 0, amount: 1, wantNew: 0, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ledger.ApplySpend(tt.current, tt.amount)
			if got != tt.wantNew || ok != tt.wantOK {
				t.Errorf("ApplySpend(%d, %d) = (%d, %v), want (%d, %v)",
					tt.current, tt.amount, got, ok, tt.wantNew, tt.wantOK)
			}
		})
	}
}
