package block

import (
	"encoding/json"
	"fmt"
)

// Router dispatches a batch of blocks to per-type handlers. Handlers are
// injected as plain functions rather than an interface to an owner
// type, so this package never needs to import internal/monitor or
// internal/varenv: the connection runtime wires its own monitor-
// management and evaluator methods in at construction time.
type Router struct {
	Monitor func(name string, b Block) error
	Code    func(name string, b Block) error
	Data    func(name string, b Block) error
	Delete  func(name string, b Block) error

	// Warn receives a human-readable message for a malformed or unknown
	// block; the offending block is skipped and the rest of the batch
	// proceeds (spec.md §7).
	Warn func(name, message string)
}

// Dispatch sorts batch by name (spec.md §4.5's deterministic replay
// ordering) and routes each block to its type's handler in turn.
func (r *Router) Dispatch(batch []Block) {
	SortByName(batch)
	for _, b := range batch {
		if err := r.dispatchOne(b); err != nil && r.Warn != nil {
			r.Warn(b.Name, err.Error())
		}
	}
}

func (r *Router) dispatchOne(b Block) error {
	switch b.Type {
	case TypeMonitor:
		if b.Name == "" {
			return fmt.Errorf("monitor block missing name")
		}
		if r.Monitor == nil {
			return nil
		}
		return r.Monitor(b.Name, b)
	case TypeCode:
		if r.Code == nil {
			return nil
		}
		return r.Code(b.Name, b)
	case TypeData:
		if r.Data == nil {
			return nil
		}
		return r.Data(b.Name, b)
	case TypeDelete:
		if r.Delete == nil {
			return nil
		}
		return r.Delete(b.Name, b)
	default:
		return fmt.Errorf("unknown block type %q", b.Type)
	}
}

// DeleteTarget is the decoded form of a delete block's value: a name, a
// list of names, or {tagged: tag | [tag, ...]} (spec.md §4.5).
type DeleteTarget struct {
	Names  []string
	Tagged []string
}

// ParseDeleteValue decodes a delete block's raw value per its three
// permitted shapes.
func ParseDeleteValue(raw json.RawMessage) (DeleteTarget, error) {
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return DeleteTarget{Names: []string{name}}, nil
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err == nil {
		return DeleteTarget{Names: names}, nil
	}
	var tagged struct {
		Tagged StringSet `json:"tagged"`
	}
	if err := json.Unmarshal(raw, &tagged); err == nil && tagged.Tagged != nil {
		return DeleteTarget{Tagged: tagged.Tagged}, nil
	}
	return DeleteTarget{}, fmt.Errorf("illegal delete.value shape")
}
