package workflow

import (
	"fmt"
	"strconv"
	"strings"

	"qmsline/internal/domain"
)

// NextVersion is the document versioning policy: the version label a
// document carries after entering the given state. A draft is always
// "1.0", review and approval stages are minor revisions of the current
// cycle, and every rejection opens the next major cycle. States outside
// the review pipeline leave the version untouched.
func NextVersion(current string, to domain.State) string {
	switch to {
	case domain.DocumentDraft:
		return "1.0"
	case domain.DocumentUnderReview, domain.DocumentUnderApproval:
		return "1.1"
	case domain.DocumentApproved:
		return "1.2"
	case domain.DocumentRejected:
		return fmt.Sprintf("%d.0", versionMajor(current)+1)
	}
	return current
}

func versionMajor(version string) int {
	head, _, _ := strings.Cut(version, ".")
	major, err := strconv.Atoi(head)
	if err != nil || major < 1 {
		return 1
	}
	return major
}
