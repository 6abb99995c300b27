package events

import (
	"fmt"
	"io"

	"github.com/ThreeDotsLabs/watermill/message"
	"gopkg.in/yaml.v3"
)

// TreePrinterFunc returns a handler writing a one-line summary of every tree
// event to w. Merge conflicts are followed by the conflict list as YAML.
func TreePrinterFunc(w io.Writer) func(msg *message.Message) error {
	return func(msg *message.Message) error {
		defer msg.Ack()

		e, err := NewEventFromJSON(msg.Payload)
		if err != nil {
			_, err = fmt.Fprintf(w, "[?] undecodable event: %s\n", err)
			return err
		}

		ts := e.Metadata().Timestamp.Format("15:04:05")
		tree := e.Metadata().TreeID

		switch p_ := e.(type) {
		case *EventTreeCreated:
			_, err = fmt.Fprintf(w, "%s [%s] created %q (root %s)\n", ts, tree, p_.Name, p_.RootNodeID)
		case *EventTreeLoaded:
			_, err = fmt.Fprintf(w, "%s [%s] loaded %q, %d nodes\n", ts, tree, p_.Name, p_.NodeCount)
		case *EventTreeSaved:
			kind := "saved"
			if p_.AutoSave {
				kind = "auto-saved"
			}
			_, err = fmt.Fprintf(w, "%s [%s] %s, %d nodes\n", ts, tree, kind, p_.NodeCount)
		case *EventTreeDeleted:
			_, err = fmt.Fprintf(w, "%s [%s] deleted\n", ts, tree)
		case *EventBranchCreated:
			_, err = fmt.Fprintf(w, "%s [%s] branch %s (%s) from %s\n", ts, tree, p_.BranchName, p_.NodeID, p_.ParentID)
		case *EventNodeSwitched:
			_, err = fmt.Fprintf(w, "%s [%s] switched %s -> %s\n", ts, tree, p_.FromNodeID, p_.ToNodeID)
		case *EventBranchesMerged:
			_, err = fmt.Fprintf(w, "%s [%s] merged %s into %s (%s, %d messages)\n",
				ts, tree, p_.SourceNodeID, p_.TargetNodeID, p_.Strategy, p_.MergedMessages)
		case *EventMergeConflict:
			_, err = fmt.Fprintf(w, "%s [%s] merge of %s into %s blocked by %d conflicts (%s)\n",
				ts, tree, p_.SourceNodeID, p_.TargetNodeID, len(p_.Conflicts), p_.Strategy)
			if err != nil {
				return err
			}
			v_, err := yaml.Marshal(p_.Conflicts)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(w, "%s", v_)
			if err != nil {
				return err
			}
		case *EventNodesPruned:
			_, err = fmt.Fprintf(w, "%s [%s] pruned %d nodes\n", ts, tree, len(p_.NodeIDs))
		default:
			_, err = fmt.Fprintf(w, "%s [%s] %s\n", ts, tree, e.Type())
		}
		return err
	}
}
