package workflow_test

import (
	"testing"

	"qmsline/internal/domain"
	"qmsline/internal/workflow"
)

func TestNextVersion(t *testing.T) {
	cases := []struct {
		current string
		to      domain.State
		want    string
	}{
		{"", domain.DocumentDraft, "1.0"},
		{"2.0", domain.DocumentDraft, "1.0"},
		{"1.0", domain.DocumentUnderReview, "1.1"},
		{"1.1", domain.DocumentUnderReview, "1.1"},
		{"1.1", domain.DocumentUnderApproval, "1.1"},
		{"1.1", domain.DocumentApproved, "1.2"},
		{"1.1", domain.DocumentRejected, "2.0"},
		{"2.0", domain.DocumentRejected, "3.0"},
		{"7.1", domain.DocumentRejected, "8.0"},
		{"garbage", domain.DocumentRejected, "2.0"},
		{"", domain.DocumentRejected, "2.0"},
		{"1.2", domain.DocumentArchived, "1.2"},
	}
	for _, tc := range cases {
		if got := workflow.NextVersion(tc.current, tc.to); got != tc.want {
			t.Errorf("NextVersion(%q, %s) = %q, want %q", tc.current, tc.to, got, tc.want)
		}
	}
}
