package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Wildcard is the requirement value meaning "any worker value accepted".
const Wildcard = "*"

// ValueKind tags a node of the capability tree.
type ValueKind int

const (
	KindInvalid ValueKind = iota
	KindString
	KindNumber
	KindBool
	KindList
	KindMap
	KindWildcard
)

// CapValue is one node of a capability or requirement tree. Worker
// capability descriptors are arbitrary nested documents (hardware specs,
// installed services, supported models, region, compliance tags), so the
// tree is modelled as an explicit tagged union instead of reflecting over
// map[string]any at match time.
type CapValue struct {
	Kind ValueKind
	Str  string
	Num  float64
	Bool bool
	List []CapValue
	Map  map[string]CapValue
}

func StringValue(s string) CapValue {
	if s == Wildcard {
		return CapValue{Kind: KindWildcard}
	}
	return CapValue{Kind: KindString, Str: s}
}

func NumberValue(n float64) CapValue { return CapValue{Kind: KindNumber, Num: n} }

func BoolValue(b bool) CapValue { return CapValue{Kind: KindBool, Bool: b} }

func ListValue(vs ...CapValue) CapValue { return CapValue{Kind: KindList, List: vs} }

func MapValue(m map[string]CapValue) CapValue { return CapValue{Kind: KindMap, Map: m} }

// Equal compares scalar nodes. Lists and maps never compare equal as
// whole values; membership is the only list semantics the matcher uses.
func (v CapValue) Equal(o CapValue) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindString:
		return v.Str == o.Str
	case KindNumber:
		return v.Num == o.Num
	case KindBool:
		return v.Bool == o.Bool
	case KindWildcard:
		return true
	}
	return false
}

// Clone deep-copies the node; list and map children share no storage
// with the receiver.
func (v CapValue) Clone() CapValue {
	c := v
	if v.List != nil {
		c.List = make([]CapValue, len(v.List))
		for i, el := range v.List {
			c.List[i] = el.Clone()
		}
	}
	if v.Map != nil {
		c.Map = make(map[string]CapValue, len(v.Map))
		for k, el := range v.Map {
			c.Map[k] = el.Clone()
		}
	}
	return c
}

// Contains reports list membership of a scalar value.
func (v CapValue) Contains(o CapValue) bool {
	if v.Kind != KindList {
		return false
	}
	for _, el := range v.List {
		if el.Equal(o) {
			return true
		}
	}
	return false
}

// UnmarshalJSON accepts any JSON document and converts it to the tagged
// tree. The string "*" becomes the wildcard.
func (v *CapValue) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := capValueFromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func (v CapValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.toAny())
}

func (v CapValue) toAny() any {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return v.Num
	case KindBool:
		return v.Bool
	case KindWildcard:
		return Wildcard
	case KindList:
		out := make([]any, len(v.List))
		for i, el := range v.List {
			out[i] = el.toAny()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.Map))
		for k, el := range v.Map {
			out[k] = el.toAny()
		}
		return out
	}
	return nil
}

func capValueFromAny(raw any) (CapValue, error) {
	switch t := raw.(type) {
	case string:
		return StringValue(t), nil
	case float64:
		return NumberValue(t), nil
	case bool:
		return BoolValue(t), nil
	case []any:
		list := make([]CapValue, 0, len(t))
		for _, el := range t {
			cv, err := capValueFromAny(el)
			if err != nil {
				return CapValue{}, err
			}
			list = append(list, cv)
		}
		return CapValue{Kind: KindList, List: list}, nil
	case map[string]any:
		m := make(map[string]CapValue, len(t))
		for k, el := range t {
			cv, err := capValueFromAny(el)
			if err != nil {
				return CapValue{}, err
			}
			m[k] = cv
		}
		return CapValue{Kind: KindMap, Map: m}, nil
	case nil:
		return CapValue{}, fmt.Errorf("null is not a valid capability value")
	}
	return CapValue{}, fmt.Errorf("unsupported capability value type %T", raw)
}

// Capabilities is a worker's capability descriptor: a nested document
// addressed by dot paths, e.g. "hardware.gpu.vram_gb".
type Capabilities map[string]CapValue

// Resolve walks a dot path through nested maps. The second return is
// false when any segment is missing or a non-map is traversed.
func (c Capabilities) Resolve(path string) (CapValue, bool) {
	if len(c) == 0 || path == "" {
		return CapValue{}, false
	}
	segments := strings.Split(path, ".")
	current, ok := c[segments[0]]
	if !ok {
		return CapValue{}, false
	}
	for _, seg := range segments[1:] {
		if current.Kind != KindMap {
			return CapValue{}, false
		}
		current, ok = current.Map[seg]
		if !ok {
			return CapValue{}, false
		}
	}
	return current, true
}

// Clone deep-copies the capability document.
func (c Capabilities) Clone() Capabilities {
	if c == nil {
		return nil
	}
	out := make(Capabilities, len(c))
	for k, v := range c {
		out[k] = v.Clone()
	}
	return out
}

// ParseCapabilities decodes a raw JSON capability document.
func ParseCapabilities(data []byte) (Capabilities, error) {
	var c Capabilities
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Capabilities) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Capabilities, len(raw))
	for k, msg := range raw {
		var cv CapValue
		if err := json.Unmarshal(msg, &cv); err != nil {
			return fmt.Errorf("capability %q: %w", k, err)
		}
		out[k] = cv
	}
	*c = out
	return nil
}

// Requirements constrain which workers may claim a job. Positive entries
// must match the worker's capabilities; negative entries must not.
type Requirements struct {
	Positive map[string]CapValue `json:"positive,omitempty"`
	Negative map[string]CapValue `json:"negative,omitempty"`
}

// Empty reports whether the job places no constraints beyond its service.
func (r Requirements) Empty() bool {
	return len(r.Positive) == 0 && len(r.Negative) == 0
}

// Validate rejects requirement shapes the matcher cannot evaluate.
// Requirement values must be scalars or wildcards; maps and lists are
// worker-side shapes.
func (r Requirements) Validate() error {
	for path, v := range r.Positive {
		if err := validateRequirementValue(path, v); err != nil {
			return err
		}
	}
	for path, v := range r.Negative {
		if v.Kind == KindWildcard {
			return fmt.Errorf("%w: negative requirement %q cannot be a wildcard", ErrInvalidSubmission, path)
		}
		if err := validateRequirementValue(path, v); err != nil {
			return err
		}
	}
	return nil
}

func validateRequirementValue(path string, v CapValue) error {
	if path == "" {
		return fmt.Errorf("%w: empty requirement path", ErrInvalidSubmission)
	}
	switch v.Kind {
	case KindString, KindNumber, KindBool, KindWildcard:
		return nil
	}
	return fmt.Errorf("%w: requirement %q must be a scalar or wildcard", ErrInvalidSubmission, path)
}
