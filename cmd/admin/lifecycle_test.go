package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kevin07696/tenant-billing/internal/app"
	"github.com/kevin07696/tenant-billing/internal/domain/ports"
)

func TestSweepInstant(t *testing.T) {
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	deps = &app.App{Clock: ports.ClockFunc(func() time.Time { return now })}
	t.Cleanup(func() { deps, asOf = nil, "" })

	tests := []struct {
		name    string
		asOf    string
		want    time.Time
		wantErr string
	}{
		{name: "defaults to now", want: now},
		{name: "past instant", asOf: "2026-06-30T00:00:00Z", want: time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC)},
		{name: "future instant", asOf: "2026-07-02T00:00:00Z", wantErr: "must not be in the future"},
		{name: "malformed", asOf: "yesterday", wantErr: "invalid --as-of"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			asOf = tt.asOf
			got, err := sweepInstant()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got))
		})
	}
}

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"sweep"},
		{"reconcile"},
		{"stats"},
		{"plan", "create"},
		{"plan", "list"},
		{"org", "create"},
		{"org", "disable"},
		{"org", "enable"},
		{"org", "show"},
	} {
		cmd, _, err := rootCmd.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}
