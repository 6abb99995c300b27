package branch

import (
	"reflect"
	"sort"

	"github.com/go-go-golems/convtree/pkg/conversation"
)

const (
	resolutionMergeByTimestamp = "merge by timestamp"
	resolutionPreferTarget     = "merge contexts, prefer target"
	resolutionUseTargetModel   = "use target's model"
)

// DetectConflicts lists what stands between merging source into target.
//
// Message histories conflict when their lengths differ or when they hold
// different messages at the same position. Contexts conflict when both nodes
// carry a snapshot and the snapshots differ on any top-level key. Models
// conflict only when both nodes record one.
func DetectConflicts(source, target, ancestor *conversation.Node) []conversation.MergeConflict {
	conflicts := []conversation.MergeConflict{}

	if idx, diverged := firstDivergence(source.Messages, target.Messages); diverged {
		data := map[string]interface{}{
			"sourceLength":    len(source.Messages),
			"targetLength":    len(target.Messages),
			"divergenceIndex": idx,
		}
		if ancestor != nil {
			data["ancestorId"] = ancestor.ID
			data["ancestorLength"] = len(ancestor.Messages)
		}
		conflicts = append(conflicts, conversation.MergeConflict{
			Type:                conversation.ConflictMessageOrder,
			SourceNodeID:        source.ID,
			TargetNodeID:        target.ID,
			ConflictData:        data,
			SuggestedResolution: resolutionMergeByTimestamp,
			CanAutoResolve:      true,
		})
	}

	if source.ContextSnapshot != nil && target.ContextSnapshot != nil {
		diff := diffContext(source.ContextSnapshot, target.ContextSnapshot)
		if len(diff.Added)+len(diff.Removed)+len(diff.Changed) > 0 {
			conflicts = append(conflicts, conversation.MergeConflict{
				Type:         conversation.ConflictContextMismatch,
				SourceNodeID: source.ID,
				TargetNodeID: target.ID,
				ConflictData: map[string]interface{}{
					"onlyInSource": diff.Removed,
					"onlyInTarget": diff.Added,
					"changed":      diff.Changed,
				},
				SuggestedResolution: resolutionPreferTarget,
				CanAutoResolve:      true,
			})
		}
	}

	sourceModel, targetModel := source.Model(), target.Model()
	if sourceModel != "" && targetModel != "" && sourceModel != targetModel {
		conflicts = append(conflicts, conversation.MergeConflict{
			Type:         conversation.ConflictMetadata,
			SourceNodeID: source.ID,
			TargetNodeID: target.ID,
			ConflictData: map[string]interface{}{
				"sourceModel": sourceModel,
				"targetModel": targetModel,
			},
			SuggestedResolution: resolutionUseTargetModel,
			CanAutoResolve:      false,
		})
	}

	return conflicts
}

// firstDivergence returns the first index at which the two histories differ.
func firstDivergence(a, b conversation.Conversation) (int, bool) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i].ID != b[i].ID {
			return i, true
		}
	}
	if len(a) != len(b) {
		return n, true
	}
	return -1, false
}

// diffContext compares two context snapshots key by key, a being the "from"
// side: Added holds keys only b has, Removed keys only a has.
func diffContext(a, b map[string]interface{}) ContextDiff {
	ret := ContextDiff{Added: []string{}, Removed: []string{}, Changed: []string{}}
	for k, va := range a {
		vb, ok := b[k]
		if !ok {
			ret.Removed = append(ret.Removed, k)
			continue
		}
		if !reflect.DeepEqual(va, vb) {
			ret.Changed = append(ret.Changed, k)
		}
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			ret.Added = append(ret.Added, k)
		}
	}
	sort.Strings(ret.Added)
	sort.Strings(ret.Removed)
	sort.Strings(ret.Changed)
	return ret
}

// delta returns the messages of msgs whose id is not in base, in order.
func delta(msgs conversation.Conversation, base map[string]struct{}) conversation.Conversation {
	ret := conversation.Conversation{}
	for _, m := range msgs {
		if _, ok := base[m.ID]; !ok {
			ret = append(ret, m)
		}
	}
	return ret
}
