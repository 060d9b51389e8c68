package schema

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// NodeType enumerates the closed set of workflow node kinds.
type NodeType string

const (
	NodeTrigger        NodeType = "trigger"
	NodeMessage        NodeType = "message"
	NodeWait           NodeType = "wait"
	NodeStopBot        NodeType = "stop_bot"
	NodeSmartCondition NodeType = "smart_condition"
)

// NodeTypes lists every known node type.
var NodeTypes = []NodeType{NodeTrigger, NodeMessage, NodeWait, NodeStopBot, NodeSmartCondition}

// MessageMode selects between literal and AI-drafted messages.
type MessageMode string

const (
	MessageCustom MessageMode = "custom"
	MessageAI     MessageMode = "ai"
)

// WaitUnit is the unit a wait duration is expressed in.
type WaitUnit string

const (
	UnitMinutes WaitUnit = "minutes"
	UnitHours   WaitUnit = "hours"
	UnitDays    WaitUnit = "days"
)

// ConditionType selects how a smart_condition is resolved.
type ConditionType string

const (
	ConditionHasReplied ConditionType = "has_replied"
	ConditionAIRule     ConditionType = "ai_rule"
)

// Branch labels on smart_condition edges.
const (
	BranchTrue  = "true"
	BranchFalse = "false"
)

// Defaults applied when persisted node data omits or garbles a field.
const (
	DefaultWaitDuration = 5
	DefaultWaitUnit     = UnitMinutes
	DefaultMessageMode  = MessageCustom
	DefaultCondition    = ConditionHasReplied
)

// NodeConfig is the type-specific payload of a Node. The set of
// implementations is closed: every switch over it lists all of them.
type NodeConfig interface {
	Type() NodeType
	nodeConfig()
}

// TriggerConfig is the entry node: the stage whose entry starts the workflow.
type TriggerConfig struct {
	StageID         string `json:"stage_id"`
	ApplyToExisting bool   `json:"apply_to_existing"`
}

// MessageConfig sends Text verbatim (custom) or uses it as a prompt (ai).
type MessageConfig struct {
	Mode MessageMode `json:"mode"`
	Text string      `json:"text"`
}

// WaitConfig suspends the execution for Duration Units.
type WaitConfig struct {
	Duration int      `json:"duration"`
	Unit     WaitUnit `json:"unit"`
}

// StopBotConfig halts the execution.
type StopBotConfig struct {
	Reason string `json:"reason,omitempty"`
}

// SmartConditionConfig branches on a deterministic or AI-judged rule.
type SmartConditionConfig struct {
	Condition ConditionType `json:"condition"`
	Rule      string        `json:"rule,omitempty"`
}

// UnknownConfig preserves a node whose type is not recognised so that it
// can be reported instead of silently dropped.
type UnknownConfig struct {
	RawType string `json:"raw_type"`
}

func (TriggerConfig) Type() NodeType        { return NodeTrigger }
func (MessageConfig) Type() NodeType        { return NodeMessage }
func (WaitConfig) Type() NodeType           { return NodeWait }
func (StopBotConfig) Type() NodeType        { return NodeStopBot }
func (SmartConditionConfig) Type() NodeType { return NodeSmartCondition }
func (u UnknownConfig) Type() NodeType      { return NodeType(u.RawType) }

func (TriggerConfig) nodeConfig()        {}
func (MessageConfig) nodeConfig()        {}
func (WaitConfig) nodeConfig()           {}
func (StopBotConfig) nodeConfig()        {}
func (SmartConditionConfig) nodeConfig() {}
func (UnknownConfig) nodeConfig()        {}

// Delay converts the wait into a time.Duration.
func (w WaitConfig) Delay() time.Duration {
	d := time.Duration(w.Duration)
	switch w.Unit {
	case UnitHours:
		return d * time.Hour
	case UnitDays:
		return d * 24 * time.Hour
	default:
		return d * time.Minute
	}
}

// Node is one step of a workflow graph.
type Node struct {
	ID          string
	Label       string
	Description string
	// Position is editor layout, carried through untouched.
	Position json.RawMessage
	Config   NodeConfig
}

// Type returns the node's kind.
func (n Node) Type() NodeType {
	if n.Config == nil {
		return ""
	}
	return n.Config.Type()
}

// Edge links Source to Target. SourceHandle carries the branch label on
// smart_condition outputs.
type Edge struct {
	ID           string `json:"id,omitempty"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	Label        string `json:"label,omitempty"`
}

// Branch returns the normalised branch label ("true", "false", or the raw label lowercased).
func (e Edge) Branch() string {
	label := e.SourceHandle
	if label == "" {
		label = e.Label
	}
	label = strings.ToLower(strings.TrimSpace(label))
	switch label {
	case "yes":
		return BranchTrue
	case "no":
		return BranchFalse
	}
	return label
}

// Graph is the persisted node/edge document of a workflow.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// ParseGraph decodes a persisted graph document.
func ParseGraph(data []byte) (*Graph, error) {
	var g Graph
	if len(bytes.TrimSpace(data)) == 0 {
		return &g, nil
	}
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, NewError(ErrCodeValidation, "invalid graph JSON").WithCause(err)
	}
	return &g, nil
}

// Trigger returns the first trigger node, if any.
func (g *Graph) Trigger() (Node, bool) {
	for _, n := range g.Nodes {
		if _, ok := n.Config.(TriggerConfig); ok {
			return n, true
		}
	}
	return Node{}, false
}

// nodeData is the wire shape of a node's "data" object.
type nodeData struct {
	Type            string  `json:"type"`
	Label           string  `json:"label,omitempty"`
	Description     string  `json:"description,omitempty"`
	TriggerStageID  string  `json:"triggerStageId,omitempty"`
	ApplyToExisting *bool   `json:"applyToExisting,omitempty"`
	MessageMode     string  `json:"messageMode,omitempty"`
	MessageText     string  `json:"messageText,omitempty"`
	Duration        flexInt `json:"duration,omitempty"`
	Unit            string  `json:"unit,omitempty"`
	Reason          string  `json:"reason,omitempty"`
	ConditionType   string  `json:"conditionType,omitempty"`
	ConditionRule   string  `json:"conditionRule,omitempty"`
}

type nodeWire struct {
	ID       string          `json:"id"`
	Type     string          `json:"type,omitempty"`
	Position json.RawMessage `json:"position,omitempty"`
	Data     nodeData        `json:"data"`
}

// MarshalJSON writes the node in the editor's {id, type, data} layout.
func (n Node) MarshalJSON() ([]byte, error) {
	w := nodeWire{
		ID:       n.ID,
		Type:     string(n.Type()),
		Position: n.Position,
		Data: nodeData{
			Type:        string(n.Type()),
			Label:       n.Label,
			Description: n.Description,
		},
	}
	switch c := n.Config.(type) {
	case TriggerConfig:
		apply := c.ApplyToExisting
		w.Data.TriggerStageID = c.StageID
		w.Data.ApplyToExisting = &apply
	case MessageConfig:
		w.Data.MessageMode = string(c.Mode)
		w.Data.MessageText = c.Text
	case WaitConfig:
		w.Data.Duration = flexInt(c.Duration)
		w.Data.Unit = string(c.Unit)
	case StopBotConfig:
		w.Data.Reason = c.Reason
	case SmartConditionConfig:
		w.Data.ConditionType = string(c.Condition)
		w.Data.ConditionRule = c.Rule
	case UnknownConfig, nil:
	}
	return json.Marshal(w)
}

// UnmarshalJSON reads the editor layout and applies field defaults.
func (n *Node) UnmarshalJSON(data []byte) error {
	var w nodeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	typ := w.Data.Type
	if typ == "" {
		typ = w.Type
	}
	*n = Node{
		ID:          w.ID,
		Label:       w.Data.Label,
		Description: w.Data.Description,
		Position:    w.Position,
	}
	d := w.Data
	switch NodeType(typ) {
	case NodeTrigger:
		n.Config = TriggerConfig{StageID: d.TriggerStageID, ApplyToExisting: d.ApplyToExisting != nil && *d.ApplyToExisting}
	case NodeMessage:
		mode := MessageMode(d.MessageMode)
		if mode != MessageAI {
			mode = DefaultMessageMode
		}
		n.Config = MessageConfig{Mode: mode, Text: d.MessageText}
	case NodeWait:
		dur := int(d.Duration)
		if dur <= 0 {
			dur = DefaultWaitDuration
		}
		unit := WaitUnit(d.Unit)
		if unit != UnitMinutes && unit != UnitHours && unit != UnitDays {
			unit = DefaultWaitUnit
		}
		n.Config = WaitConfig{Duration: dur, Unit: unit}
	case NodeStopBot:
		n.Config = StopBotConfig{Reason: d.Reason}
	case NodeSmartCondition:
		cond := ConditionType(d.ConditionType)
		if cond != ConditionAIRule {
			cond = DefaultCondition
		}
		n.Config = SmartConditionConfig{Condition: cond, Rule: d.ConditionRule}
	default:
		n.Config = UnknownConfig{RawType: typ}
	}
	return nil
}

// flexInt accepts both 5 and "5"; anything unparsable decodes as zero.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexInt(v)
	return nil
}
