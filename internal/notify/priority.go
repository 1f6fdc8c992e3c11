package notify

import (
	"regexp"
	"strings"
)

// Priority is the urgency of a notification
type Priority string

const (
	PriorityCritical Priority = "critical" // Security alerts, system failures, emergencies
	PriorityHigh     Priority = "high"     // Important but not an emergency
	PriorityMedium   Priority = "medium"   // Regular household notifications
	PriorityLow      Priority = "low"      // Informational updates
	PriorityDebug    Priority = "debug"    // System and technical information
)

// ParsePriority matches s case-insensitively against the known priorities.
// "regular" is accepted as an alias for medium.
func ParsePriority(s string) (Priority, bool) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow, PriorityDebug:
		return p, true
	case "regular":
		return PriorityMedium, true
	default:
		return "", false
	}
}

// IsAlert reports whether the priority drives the alert lights
func (p Priority) IsAlert() bool {
	return p == PriorityCritical || p == PriorityHigh
}

func (p Priority) String() string {
	return string(p)
}

var titleTagPattern = regexp.MustCompile(`^\s*\[([^\]]*)\]\s*`)

// SplitTitleTag removes a leading "[tag]" from title. found is false when the
// title carries no tag.
func SplitTitleTag(title string) (tag, display string, found bool) {
	loc := titleTagPattern.FindStringSubmatchIndex(title)
	if loc == nil {
		return "", title, false
	}
	return title[loc[2]:loc[3]], title[loc[1]:], true
}
