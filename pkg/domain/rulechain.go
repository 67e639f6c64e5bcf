package domain

import "encoding/json"

// RuleNode is one processing step of a rule chain.
type RuleNode struct {
	ID            string          `json:"id,omitempty"`
	Type          string          `json:"type"`
	Name          string          `json:"name"`
	DebugMode     bool            `json:"debugMode,omitempty"`
	Configuration json.RawMessage `json:"configuration,omitempty"`
}

// NodeConnection links two nodes of the same rule chain by index.
type NodeConnection struct {
	FromIndex int    `json:"fromIndex"`
	ToIndex   int    `json:"toIndex"`
	Type      string `json:"type"`
}

// RuleChainConnection forwards messages from a node to another rule chain.
type RuleChainConnection struct {
	FromIndex         int             `json:"fromIndex"`
	TargetRuleChainID EntityID        `json:"targetRuleChainId"`
	Type              string          `json:"type"`
	AdditionalInfo    json.RawMessage `json:"additionalInfo,omitempty"`
}

// RuleChainMetaData is the flow graph of a rule chain.
type RuleChainMetaData struct {
	RuleChainID          string                `json:"ruleChainId"`
	FirstNodeIndex       int                   `json:"firstNodeIndex"`
	Nodes                []RuleNode            `json:"nodes"`
	Connections          []NodeConnection      `json:"connections"`
	RuleChainConnections []RuleChainConnection `json:"ruleChainConnections"`
}

// References lists the rule chains targeted by the metadata.
func (m RuleChainMetaData) References() []EntityID {
	out := make([]EntityID, 0, len(m.RuleChainConnections))
	for _, conn := range m.RuleChainConnections {
		out = append(out, conn.TargetRuleChainID)
	}
	return out
}

// Clone deep-copies the metadata so the result can be remapped
// independently. Slices of the copy are never nil.
func (m RuleChainMetaData) Clone() RuleChainMetaData {
	cp := m
	cp.Nodes = append(make([]RuleNode, 0, len(m.Nodes)), m.Nodes...)
	cp.Connections = append(make([]NodeConnection, 0, len(m.Connections)), m.Connections...)
	cp.RuleChainConnections = append(make([]RuleChainConnection, 0, len(m.RuleChainConnections)), m.RuleChainConnections...)
	return cp
}

// RemapReferences rewrites every connection target.
func (m *RuleChainMetaData) RemapReferences(fn func(EntityID) EntityID) {
	for i := range m.RuleChainConnections {
		m.RuleChainConnections[i].TargetRuleChainID = fn(m.RuleChainConnections[i].TargetRuleChainID)
	}
}
