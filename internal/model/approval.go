package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority orders approval queue items for human reviewers.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ApprovalStatus is the review state of a queue item.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// ApprovalQueueItem is a durable record of an agent recommendation awaiting
// a human decision. Created by agent business logic when an output signals
// requires_review; mutated exactly once, by a human action, to approved or
// rejected. The resilience envelope itself never creates or mutates items.
type ApprovalQueueItem struct {
	ID             uuid.UUID      `json:"id"`
	ItemType       string         `json:"item_type"`
	ItemID         string         `json:"item_id"`
	Recommendation map[string]any `json:"recommendation,omitempty"`
	Priority       Priority       `json:"priority"`
	Status         ApprovalStatus `json:"status"`
	ReviewedBy     *string        `json:"reviewed_by,omitempty"`
	ReviewedAt     *time.Time     `json:"reviewed_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ValidatePriority checks p against the closed set of priorities.
func ValidatePriority(p Priority) error {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return nil
	}
	return fmt.Errorf("invalid priority %q", p)
}

// ValidateReviewStatus checks that s is a legal human review verdict.
// Pending is not a verdict.
func ValidateReviewStatus(s ApprovalStatus) error {
	switch s {
	case ApprovalApproved, ApprovalRejected:
		return nil
	}
	return fmt.Errorf("invalid review status %q", s)
}
