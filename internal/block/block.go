// Package block implements the block protocol (spec.md §4.5): the four
// block types, their common envelope fields, target/topic filtering, and
// dispatch ordering. It has no dependency on internal/monitor or
// internal/varenv — handlers are injected by the connection runtime via
// Router's function fields, so the four block types can be routed
// without the router needing to know how a monitor or a variable env
// works.
//
// Grounded on the teacher's internal/rpc/protocol.go Request/Response
// envelope (typed JSON fields, Op/Type string constants), generalized
// from a fixed RPC shape to the four block types this spec defines.
package block

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Type enumerates the four block types spec.md §1, §4.5 define.
type Type string

const (
	TypeMonitor Type = "monitor"
	TypeCode    Type = "code"
	TypeData    Type = "data"
	TypeDelete  Type = "delete"
)

// StringSet decodes either a bare JSON string or an array of strings
// into a []string, matching the "string or array of strings" shape
// spec.md §4.5 allows for topics, targets, and tags.
type StringSet []string

func (s *StringSet) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single == "" {
			*s = nil
		} else {
			*s = StringSet{single}
		}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("expected string or array of strings: %w", err)
	}
	*s = StringSet(list)
	return nil
}

// Has reports whether s contains value.
func (s StringSet) Has(value string) bool {
	for _, v := range s {
		if v == value {
			return true
		}
	}
	return false
}

// Block is the decoded form of one JSON block (spec.md §6). Value is
// left as raw JSON (json.RawMessage) since its shape depends on Type;
// callers re-unmarshal it into the shape their handler expects.
type Block struct {
	Type    Type            `json:"type"`
	Name    string          `json:"name"`
	Origin  string          `json:"origin,omitempty"`
	Topics  StringSet       `json:"topics,omitempty"`
	Targets StringSet       `json:"targets,omitempty"`
	Tags    StringSet       `json:"tags,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`

	// Extra holds every non-reserved top-level key verbatim, preserving
	// insertion order, so a monitor's outgoing block can echo them back
	// unchanged (spec.md §4.4's "preserves the original block's
	// non-reserved keys").
	Extra     map[string]json.RawMessage `json:"-"`
	ExtraKeys []string                   `json:"-"`

	// Raw holds the complete original bytes the block was decoded from.
	// Per-type handlers (internal/monitor's root/update/quiet/
	// updatetopics/rename, all reserved keys with no dedicated Block
	// field, plus disabled, which is not reserved and so is also copied
	// into Extra) re-unmarshal Raw into their own typed shape rather than
	// internal/block growing a field for every block type's reserved
	// keys.
	Raw json.RawMessage `json:"-"`
}

// reservedKeys are never copied into Extra.
var reservedKeys = map[string]bool{
	"type": true, "name": true, "origin": true, "topics": true,
	"targets": true, "tags": true, "value": true,
	"root": true, "update": true, "quiet": true, "updatetopics": true, "rename": true,
}

// UnmarshalJSON decodes a block, capturing non-reserved keys into Extra
// in their original order.
func (b *Block) UnmarshalJSON(data []byte) error {
	type alias Block
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*b = Block(a)
	b.Raw = append(json.RawMessage(nil), data...)

	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	// Recover key order from the raw token stream; encoding/json's map
	// decode loses it, so scan the original bytes for first-appearance
	// order of each key we kept.
	order, err := OrderedKeys(data)
	if err != nil {
		return err
	}
	b.Extra = map[string]json.RawMessage{}
	for _, k := range order {
		if reservedKeys[k] {
			continue
		}
		b.Extra[k] = raw[k]
		b.ExtraKeys = append(b.ExtraKeys, k)
	}
	return nil
}

// OrderedKeys scans a JSON object's top-level keys in the order they
// first appear, without interpreting nested structure beyond
// bracket/brace/string balancing. Exported so per-type handlers (e.g.
// internal/monitor parsing a monitor block's ordered `value` object)
// can recover declaration order the same way Block.UnmarshalJSON does
// for its own Extra keys.
func OrderedKeys(data []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("expected JSON object")
	}
	var keys []string
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("expected string key")
		}
		keys = append(keys, key)
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// Targeted reports whether subscriber consumes block b: targets absent,
// or subscriber listed among them (spec.md §4.5).
func (b Block) Targeted(subscriber string) bool {
	if len(b.Targets) == 0 {
		return true
	}
	for _, t := range b.Targets {
		if t == subscriber {
			return true
		}
	}
	return false
}

// OnTopic reports whether b is delivered to topic: topics contains it,
// or topics is empty and topic is the connection's default output
// stream (spec.md §4.5).
func (b Block) OnTopic(topic, defaultStream string) bool {
	if len(b.Topics) == 0 {
		return topic == defaultStream
	}
	for _, t := range b.Topics {
		if t == topic {
			return true
		}
	}
	return false
}

// HasTag reports whether b carries tag among its Tags.
func (b Block) HasTag(tag string) bool {
	return b.Tags.Has(tag)
}

// SortByName orders a batch lexicographically by block name, giving
// deterministic dispatch/replay within one incoming batch (spec.md §4.5).
func SortByName(blocks []Block) {
	sort.SliceStable(blocks, func(i, j int) bool { return blocks[i].Name < blocks[j].Name })
}
