package block

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/sjson"
)

// OutgoingBuilder assembles one outgoing block's JSON object, carrying an
// inbound block's non-reserved Extra keys over verbatim and in their
// original order, followed by a fixed sequence of injected fields
// (spec.md §4.4: "preserves the original block's non-reserved keys,
// then injects root, optional rename, optional update, ...").
//
// Built on sjson.SetRawBytes, which appends a new object key to the end
// of the bytes it's given rather than re-marshaling through a Go map
// (which would lose order): seeding the builder with the carried Extra
// keys and then calling Set/SetRaw in the order spec.md §4.4 names
// reproduces that exact field order without the package hand-rolling
// its own JSON writer.
type OutgoingBuilder struct {
	extraKeys []string
	extra     map[string]json.RawMessage
	fields    []kv
}

type kv struct {
	key string
	raw json.RawMessage
}

// NewOutgoingBuilder seeds a builder with a carried-over Extra key set,
// typically a monitor's inbound block.
func NewOutgoingBuilder(extra map[string]json.RawMessage, extraKeys []string) *OutgoingBuilder {
	return &OutgoingBuilder{extra: extra, extraKeys: extraKeys}
}

// Set marshals value and appends it as the next injected field.
func (b *OutgoingBuilder) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal field %q: %w", key, err)
	}
	b.fields = append(b.fields, kv{key, raw})
	return nil
}

// SetRaw appends an already-encoded field.
func (b *OutgoingBuilder) SetRaw(key string, raw json.RawMessage) {
	b.fields = append(b.fields, kv{key, raw})
}

// sjsonKeyEscaper backslash-escapes the path metacharacters sjson.
// SetRawBytes treats specially ('.', '*', '?', '|', '#', '@' and '\'
// itself), so an Extra key carried verbatim from arbitrary inbound JSON
// (e.g. "a.b") lands as one literal top-level field rather than being
// parsed as a nested-path instruction.
var sjsonKeyEscaper = strings.NewReplacer(
	`\`, `\\`,
	`.`, `\.`,
	`*`, `\*`,
	`?`, `\?`,
	`|`, `\|`,
	`#`, `\#`,
	`@`, `\@`,
)

// Build renders the assembled object: Extra keys first (in their
// original declaration order), then injected fields in call order.
func (b *OutgoingBuilder) Build() (json.RawMessage, error) {
	buf := []byte("{}")
	write := func(key string, raw json.RawMessage) error {
		if len(raw) == 0 {
			raw = json.RawMessage("null")
		}
		next, err := sjson.SetRawBytes(buf, sjsonKeyEscaper.Replace(key), raw)
		if err != nil {
			return fmt.Errorf("set field %q: %w", key, err)
		}
		buf = next
		return nil
	}
	for _, k := range b.extraKeys {
		if err := write(k, b.extra[k]); err != nil {
			return nil, err
		}
	}
	for _, f := range b.fields {
		if err := write(f.key, f.raw); err != nil {
			return nil, err
		}
	}
	return json.RawMessage(buf), nil
}
