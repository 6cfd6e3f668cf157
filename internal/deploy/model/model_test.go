package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFleetDeployReport_Tally(t *testing.T) {
	tests := []struct {
		name     string
		statuses []OverallStatus
		ok, bad  int
		exit     int
	}{
		{"all success", []OverallStatus{StatusSuccess, StatusSuccess}, 2, 0, 0},
		{"partial counts as failed", []OverallStatus{StatusSuccess, StatusPartialFailure, StatusFailure}, 1, 2, 1},
		{"all failed", []OverallStatus{StatusFailure, StatusPartialFailure}, 0, 2, 2},
		{"empty fleet", nil, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &FleetDeployReport{}
			for i, s := range tt.statuses {
				r.Results = append(r.Results, &SiteDeployResult{SiteName: string(rune('a' + i)), OverallStatus: s})
			}
			r.Tally()
			assert.Equal(t, len(tt.statuses), r.TotalSites)
			assert.Equal(t, tt.ok, r.Succeeded)
			assert.Equal(t, tt.bad, r.Failed)
			assert.Equal(t, r.TotalSites, r.Succeeded+r.Failed)
			assert.Equal(t, tt.exit, r.ExitCode())
			assert.Len(t, r.FailedResults(), tt.bad)
		})
	}
}

func TestStepKind_Fatal(t *testing.T) {
	for _, k := range Steps {
		assert.Equal(t, k != StepVerify, k.Fatal(), string(k))
	}
}

func TestSiteExitCode(t *testing.T) {
	assert.Equal(t, 0, SiteExitCode(&SiteDeployResult{OverallStatus: StatusSuccess}))
	assert.Equal(t, 1, SiteExitCode(&SiteDeployResult{OverallStatus: StatusPartialFailure}))
	assert.Equal(t, 2, SiteExitCode(&SiteDeployResult{OverallStatus: StatusFailure}))
}
