package events

import (
	"encoding/json"
	"time"

	"github.com/go-go-golems/convtree/pkg/conversation"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type EventType string

const (
	EventTypeTreeCreated    EventType = "tree-created"
	EventTypeTreeLoaded     EventType = "tree-loaded"
	EventTypeTreeSaved      EventType = "tree-saved"
	EventTypeTreeDeleted    EventType = "tree-deleted"
	EventTypeBranchCreated  EventType = "branch-created"
	EventTypeNodeSwitched   EventType = "node-switched"
	EventTypeBranchesMerged EventType = "branches-merged"
	EventTypeMergeConflict  EventType = "merge-conflict"
	EventTypeNodesPruned    EventType = "nodes-pruned"
)

// TopicTreeEvents is the watermill topic all tree events are published on.
const TopicTreeEvents = "conversation-tree"

type Event interface {
	Type() EventType
	Metadata() EventMetadata
	Payload() []byte
}

type EventMetadata struct {
	ID        uuid.UUID `json:"event_id" yaml:"event_id"`
	TreeID    string    `json:"tree_id" yaml:"tree_id"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
}

func NewEventMetadata(treeID string) EventMetadata {
	return EventMetadata{
		ID:        uuid.New(),
		TreeID:    treeID,
		Timestamp: time.Now(),
	}
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("event_id", em.ID.String())
	e.Str("tree_id", em.TreeID)
	e.Time("timestamp", em.Timestamp)
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta"`

	// raw JSON, only set on events decoded by NewEventFromJSON
	payload []byte
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

func (e *EventImpl) Type() EventType {
	return e.Type_
}

func (e *EventImpl) Metadata() EventMetadata {
	return e.Metadata_
}

func (e *EventImpl) Payload() []byte {
	return e.payload
}

func (e *EventImpl) SetPayload(b []byte) {
	e.payload = b
}

var _ Event = &EventImpl{}

func newEventImpl(t EventType, treeID string) EventImpl {
	return EventImpl{Type_: t, Metadata_: NewEventMetadata(treeID)}
}

type EventTreeCreated struct {
	EventImpl
	Name       string `json:"name"`
	RootNodeID string `json:"root_node_id"`
}

func NewTreeCreatedEvent(tree *conversation.Tree) *EventTreeCreated {
	return &EventTreeCreated{
		EventImpl:  newEventImpl(EventTypeTreeCreated, tree.ID),
		Name:       tree.Name,
		RootNodeID: tree.RootID,
	}
}

type EventTreeLoaded struct {
	EventImpl
	Name      string `json:"name"`
	NodeCount int    `json:"node_count"`
}

func NewTreeLoadedEvent(tree *conversation.Tree) *EventTreeLoaded {
	return &EventTreeLoaded{
		EventImpl: newEventImpl(EventTypeTreeLoaded, tree.ID),
		Name:      tree.Name,
		NodeCount: len(tree.Nodes),
	}
}

type EventTreeSaved struct {
	EventImpl
	NodeCount int  `json:"node_count"`
	AutoSave  bool `json:"auto_save"`
}

func NewTreeSavedEvent(tree *conversation.Tree, autoSave bool) *EventTreeSaved {
	return &EventTreeSaved{
		EventImpl: newEventImpl(EventTypeTreeSaved, tree.ID),
		NodeCount: len(tree.Nodes),
		AutoSave:  autoSave,
	}
}

type EventTreeDeleted struct {
	EventImpl
}

func NewTreeDeletedEvent(treeID string) *EventTreeDeleted {
	return &EventTreeDeleted{EventImpl: newEventImpl(EventTypeTreeDeleted, treeID)}
}

type EventBranchCreated struct {
	EventImpl
	NodeID     string `json:"node_id"`
	ParentID   string `json:"parent_id"`
	BranchName string `json:"branch_name"`
}

func NewBranchCreatedEvent(treeID string, node *conversation.Node) *EventBranchCreated {
	return &EventBranchCreated{
		EventImpl:  newEventImpl(EventTypeBranchCreated, treeID),
		NodeID:     node.ID,
		ParentID:   node.ParentID,
		BranchName: node.Metadata.BranchName,
	}
}

type EventNodeSwitched struct {
	EventImpl
	FromNodeID string `json:"from_node_id"`
	ToNodeID   string `json:"to_node_id"`
}

func NewNodeSwitchedEvent(treeID string, from string, to string) *EventNodeSwitched {
	return &EventNodeSwitched{
		EventImpl:  newEventImpl(EventTypeNodeSwitched, treeID),
		FromNodeID: from,
		ToNodeID:   to,
	}
}

type EventBranchesMerged struct {
	EventImpl
	SourceNodeID   string                     `json:"source_node_id"`
	TargetNodeID   string                     `json:"target_node_id"`
	Strategy       conversation.MergeStrategy `json:"strategy"`
	MergedMessages int                        `json:"merged_messages"`
}

type EventMergeConflict struct {
	EventImpl
	SourceNodeID string                       `json:"source_node_id"`
	TargetNodeID string                       `json:"target_node_id"`
	Strategy     conversation.MergeStrategy   `json:"strategy"`
	Conflicts    []conversation.MergeConflict `json:"conflicts"`
}

// NewMergeEvent returns a branches-merged event for a successful merge and a
// merge-conflict event otherwise.
func NewMergeEvent(treeID string, sourceID string, targetID string, res *conversation.MergeResult) Event {
	if res.Success {
		return &EventBranchesMerged{
			EventImpl:      newEventImpl(EventTypeBranchesMerged, treeID),
			SourceNodeID:   sourceID,
			TargetNodeID:   targetID,
			Strategy:       res.Strategy,
			MergedMessages: res.Metadata.MergedMessages,
		}
	}
	return &EventMergeConflict{
		EventImpl:    newEventImpl(EventTypeMergeConflict, treeID),
		SourceNodeID: sourceID,
		TargetNodeID: targetID,
		Strategy:     res.Strategy,
		Conflicts:    res.Conflicts,
	}
}

type EventNodesPruned struct {
	EventImpl
	NodeIDs []string `json:"node_ids"`
}

func NewNodesPrunedEvent(treeID string, ids []string) *EventNodesPruned {
	return &EventNodesPruned{
		EventImpl: newEventImpl(EventTypeNodesPruned, treeID),
		NodeIDs:   ids,
	}
}

func init() {
	builtins := map[EventType]func() Event{
		EventTypeTreeCreated:    func() Event { return &EventTreeCreated{} },
		EventTypeTreeLoaded:     func() Event { return &EventTreeLoaded{} },
		EventTypeTreeSaved:      func() Event { return &EventTreeSaved{} },
		EventTypeTreeDeleted:    func() Event { return &EventTreeDeleted{} },
		EventTypeBranchCreated:  func() Event { return &EventBranchCreated{} },
		EventTypeNodeSwitched:   func() Event { return &EventNodeSwitched{} },
		EventTypeBranchesMerged: func() Event { return &EventBranchesMerged{} },
		EventTypeMergeConflict:  func() Event { return &EventMergeConflict{} },
		EventTypeNodesPruned:    func() Event { return &EventNodesPruned{} },
	}
	for t, f := range builtins {
		if err := RegisterEventFactory(string(t), f); err != nil {
			panic(err)
		}
	}
}

// NewEventFromJSON decodes a payload produced by the PublisherManager back
// into its typed event.
func NewEventFromJSON(b []byte) (Event, error) {
	var hdr struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(b, &hdr); err != nil {
		return nil, errors.Wrap(err, "could not decode event header")
	}

	dec := lookupDecoder(string(hdr.Type))
	if dec == nil {
		return nil, errors.Errorf("unknown event type %q", hdr.Type)
	}
	ev, err := dec(b)
	if err != nil {
		return nil, errors.Wrapf(err, "could not decode %s event", hdr.Type)
	}
	if setter, ok := ev.(interface{ SetPayload([]byte) }); ok {
		setter.SetPayload(b)
	}
	return ev, nil
}
