package branch

import (
	"context"
	"sort"
	"time"

	"github.com/go-go-golems/convtree/pkg/conversation"
	"github.com/huandu/go-clone"
	"github.com/rs/zerolog/log"
)

// MergeBranches merges sourceID into targetID. A merge that cannot be carried
// out is reported through MergeResult.Success, errors are reserved for
// unknown nodes, unknown strategies and integrity violations.
func (s *Service) MergeBranches(
	ctx context.Context,
	tree *conversation.Tree,
	sourceID string,
	targetID string,
	strategy conversation.MergeStrategy,
) (*conversation.MergeResult, error) {
	const op = "merge branches"
	start := time.Now()

	source, ok := tree.Node(sourceID)
	if !ok {
		return nil, conversation.NewNotFoundError(op, "source node %s not found", sourceID)
	}
	target, ok := tree.Node(targetID)
	if !ok {
		return nil, conversation.NewNotFoundError(op, "target node %s not found", targetID)
	}
	if sourceID == targetID {
		return nil, conversation.NewValidationError(op, "pick two different nodes", "cannot merge node %s into itself", sourceID)
	}

	var res *conversation.MergeResult
	var err error
	switch strategy {
	case conversation.MergeStrategyFastForward:
		res = s.fastForward(tree, source, target)
	case conversation.MergeStrategyThreeWay:
		res, err = s.threeWay(tree, source, target)
	case conversation.MergeStrategyAutoResolve:
		res, err = s.autoResolve(tree, source, target)
	case conversation.MergeStrategyManual:
		res, err = s.manual(tree, source, target)
	default:
		return nil, conversation.NewValidationError(op,
			"use one of fast_forward, three_way, auto_resolve, manual",
			"unsupported merge strategy %q", strategy)
	}
	if err != nil {
		return nil, err
	}

	res.Strategy = strategy
	res.Metadata.ConflictCount = len(res.Conflicts)
	res.Metadata.ResolutionTime = time.Since(start)
	res.Metadata.PreservedBranches = []string{source.ID, target.ID}

	switch {
	case res.Success:
		source.Metadata.MergeStatus = conversation.MergeStatusMerged
		source.Touch()
		tree.Metadata.MergedBranches++
		tree.RecomputeMetadata()
		tree.Touch()
		log.Info().
			Str("tree_id", tree.ID).
			Str("source", source.ID).
			Str("target", target.ID).
			Str("strategy", string(strategy)).
			Int("merged_messages", res.Metadata.MergedMessages).
			Msg("Merged branches")
	case len(res.Conflicts) > 0:
		source.Metadata.MergeStatus = conversation.MergeStatusConflict
		source.Touch()
		tree.Metadata.ConflictedBranches++
		tree.Touch()
		log.Warn().
			Str("tree_id", tree.ID).
			Str("source", source.ID).
			Str("target", target.ID).
			Str("strategy", string(strategy)).
			Int("conflicts", len(res.Conflicts)).
			Msg("Merge blocked by conflicts")
	default:
		log.Warn().
			Str("tree_id", tree.ID).
			Str("source", source.ID).
			Str("target", target.ID).
			Str("strategy", string(strategy)).
			Msg("Merge not possible with this strategy")
	}

	if res.Success && s.validateAfterMerge {
		if err := conversation.Validate(tree).Err(); err != nil {
			return nil, err
		}
	}

	return res, nil
}

// fastForward makes target adopt source's state wholesale. It only applies
// when target is a strict ancestor of source.
func (s *Service) fastForward(tree *conversation.Tree, source, target *conversation.Node) *conversation.MergeResult {
	if !tree.IsAncestor(target.ID, source.ID) {
		return &conversation.MergeResult{Success: false, Conflicts: []conversation.MergeConflict{}}
	}

	added := len(source.Messages) - len(target.Messages)
	if added < 0 {
		added = 0
	}
	target.Messages = clone.Clone(source.Messages).(conversation.Conversation)
	if source.ContextSnapshot != nil {
		target.ContextSnapshot = clone.Clone(source.ContextSnapshot).(map[string]interface{})
	} else {
		target.ContextSnapshot = nil
	}
	target.RefreshStats()
	target.Touch()

	return &conversation.MergeResult{
		Success:      true,
		ResultNodeID: target.ID,
		Conflicts:    []conversation.MergeConflict{},
		Metadata:     conversation.MergeResultMetadata{MergedMessages: added},
	}
}

// threeWay refuses to merge as soon as any conflict is detected.
func (s *Service) threeWay(tree *conversation.Tree, source, target *conversation.Node) (*conversation.MergeResult, error) {
	ancestor, err := s.CommonAncestor(tree, source.ID, target.ID)
	if err != nil {
		return nil, err
	}
	conflicts := DetectConflicts(source, target, ancestor)
	if len(conflicts) > 0 {
		return &conversation.MergeResult{Success: false, Conflicts: conflicts}, nil
	}
	merged := applyThreeWayMerge(ancestor, source, target)
	return &conversation.MergeResult{
		Success:      true,
		ResultNodeID: target.ID,
		Conflicts:    []conversation.MergeConflict{},
		Metadata:     conversation.MergeResultMetadata{MergedMessages: merged},
	}, nil
}

// autoResolve resolves what the base merge already settles (message order by
// timestamp, context with target precedence) and fails on anything else.
func (s *Service) autoResolve(tree *conversation.Tree, source, target *conversation.Node) (*conversation.MergeResult, error) {
	ancestor, err := s.CommonAncestor(tree, source.ID, target.ID)
	if err != nil {
		return nil, err
	}
	conflicts := DetectConflicts(source, target, ancestor)

	unresolved := []conversation.MergeConflict{}
	resolved := 0
	for _, c := range conflicts {
		if c.CanAutoResolve {
			resolved++
			continue
		}
		unresolved = append(unresolved, c)
	}
	if len(unresolved) > 0 {
		return &conversation.MergeResult{Success: false, Conflicts: unresolved}, nil
	}

	merged := applyThreeWayMerge(ancestor, source, target)
	if resolved > 0 {
		log.Debug().
			Str("source", source.ID).
			Str("target", target.ID).
			Int("resolved", resolved).
			Msg("Auto-resolved merge conflicts")
	}
	return &conversation.MergeResult{
		Success:      true,
		ResultNodeID: target.ID,
		Conflicts:    []conversation.MergeConflict{},
		Metadata:     conversation.MergeResultMetadata{MergedMessages: merged},
	}, nil
}

// manual hands the conflicts back to the caller. Without conflicts there is
// nothing to decide and it merges like threeWay.
func (s *Service) manual(tree *conversation.Tree, source, target *conversation.Node) (*conversation.MergeResult, error) {
	ancestor, err := s.CommonAncestor(tree, source.ID, target.ID)
	if err != nil {
		return nil, err
	}
	conflicts := DetectConflicts(source, target, ancestor)
	if len(conflicts) > 0 {
		return &conversation.MergeResult{Success: false, Conflicts: conflicts}, nil
	}
	return s.threeWay(tree, source, target)
}

// applyThreeWayMerge rewrites target as ancestor + both sides' deltas, sorted
// by time, and merges the context snapshots with target precedence. It
// returns the number of delta messages.
func applyThreeWayMerge(ancestor, source, target *conversation.Node) int {
	base := ancestor.Messages.IDs()

	seen := map[string]struct{}{}
	combined := conversation.Conversation{}
	for _, side := range []conversation.Conversation{delta(source.Messages, base), delta(target.Messages, base)} {
		for _, m := range side {
			if _, ok := seen[m.ID]; ok {
				continue
			}
			seen[m.ID] = struct{}{}
			combined = append(combined, m)
		}
	}
	sort.SliceStable(combined, func(i, j int) bool {
		return combined[i].Time.Before(combined[j].Time)
	})

	messages := make(conversation.Conversation, 0, len(ancestor.Messages)+len(combined))
	messages = append(messages, ancestor.Messages...)
	messages = append(messages, combined...)
	target.Messages = clone.Clone(messages).(conversation.Conversation)

	ctx := map[string]interface{}{}
	for k, v := range source.ContextSnapshot {
		ctx[k] = v
	}
	for k, v := range target.ContextSnapshot {
		ctx[k] = v
	}
	ctx["timestamp"] = time.Now().Format(time.RFC3339Nano)
	target.ContextSnapshot = clone.Clone(ctx).(map[string]interface{})

	target.RefreshStats()
	target.Touch()
	return len(combined)
}
