package conversation

import (
	"strings"
	"time"
)

type MergeStrategy string

const (
	MergeStrategyFastForward MergeStrategy = "fast_forward"
	MergeStrategyThreeWay    MergeStrategy = "three_way"
	MergeStrategyAutoResolve MergeStrategy = "auto_resolve"
	MergeStrategyManual      MergeStrategy = "manual"
)

// ParseMergeStrategy accepts the strategy names in snake, kebab or upper case.
func ParseMergeStrategy(s string) (MergeStrategy, error) {
	normalized := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	switch MergeStrategy(normalized) {
	case MergeStrategyFastForward, MergeStrategyThreeWay, MergeStrategyAutoResolve, MergeStrategyManual:
		return MergeStrategy(normalized), nil
	}
	return "", NewValidationError("parse merge strategy",
		"use one of fast_forward, three_way, auto_resolve, manual",
		"unsupported merge strategy %q", s)
}

type ConflictType string

const (
	ConflictMessageOrder    ConflictType = "message_order"
	ConflictContextMismatch ConflictType = "context_mismatch"
	ConflictMetadata        ConflictType = "metadata_conflict"
)

// MergeConflict is a divergence between two nodes that a merge strategy must
// either resolve or report.
type MergeConflict struct {
	Type                ConflictType           `json:"type" yaml:"type"`
	SourceNodeID        string                 `json:"sourceNodeId" yaml:"sourceNodeId"`
	TargetNodeID        string                 `json:"targetNodeId" yaml:"targetNodeId"`
	ConflictData        map[string]interface{} `json:"conflictData" yaml:"conflictData"`
	SuggestedResolution string                 `json:"suggestedResolution" yaml:"suggestedResolution"`
	CanAutoResolve      bool                   `json:"canAutoResolve" yaml:"canAutoResolve"`
}

type MergeResultMetadata struct {
	MergedMessages    int           `json:"mergedMessages" yaml:"mergedMessages"`
	ConflictCount     int           `json:"conflictCount" yaml:"conflictCount"`
	ResolutionTime    time.Duration `json:"resolutionTime" yaml:"resolutionTime"`
	PreservedBranches []string      `json:"preservedBranches" yaml:"preservedBranches"`
}

// MergeResult is the outcome of a merge. A failed merge is not an error:
// Success is false and Conflicts lists what blocked it.
type MergeResult struct {
	Success      bool                `json:"success" yaml:"success"`
	ResultNodeID string              `json:"resultNodeId,omitempty" yaml:"resultNodeId,omitempty"`
	Conflicts    []MergeConflict     `json:"conflicts,omitempty" yaml:"conflicts,omitempty"`
	Strategy     MergeStrategy       `json:"strategy" yaml:"strategy"`
	Metadata     MergeResultMetadata `json:"metadata" yaml:"metadata"`
}
