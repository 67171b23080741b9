package scada

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"gridfeed/readings"
	"gridfeed/source"
)

// Shape discriminates the two incompatible snapshot schemas observed
// upstream.
type Shape string

const (
	// ShapeLegacy is the flat schema with camelCase component sections at
	// the top level.
	ShapeLegacy Shape = "legacy"
	// ShapeIPAddress is the schema with an assets/master substructure and
	// PascalCase component sections.
	ShapeIPAddress Shape = "ip-address"
)

// ipComponentNames maps consumer component names to the PascalCase section
// names of the IP-address schema.
var ipComponentNames = map[string]string{
	"bayLines":       "BayLines",
	"transformer":    "Transformer",
	"circuitBreaker": "CircuitBreaker",
	"isolator":       "Isolator",
	"busbar":         "Busbar",
	"surgeArrester":  "SurgeArrester",
}

func ipComponentName(component string) string {
	if name, ok := ipComponentNames[component]; ok {
		return name
	}
	r, size := utf8.DecodeRuneInString(component)
	if r == utf8.RuneError {
		return component
	}
	return string(unicode.ToUpper(r)) + component[size:]
}

// Snapshot is one decoded device snapshot, tagged with the schema it was
// received in. Extraction picks the shape-appropriate component name map
// instead of probing properties at every call site.
type Snapshot struct {
	shape     Shape
	timestamp string
	sections  map[string]map[string]interface{}
}

// Detect decodes a raw device snapshot and sniffs its schema. The presence
// of an assets (or assets.master) substructure signals the IP-address
// shape; its absence signals the legacy shape.
func Detect(raw []byte) (*Snapshot, error) {
	obj, err := readings.DecodeObject(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", source.ErrParse, err)
	}

	if assets, ok := obj["assets"].(map[string]interface{}); ok {
		body := assets
		if master, ok := assets["master"].(map[string]interface{}); ok {
			body = master
		}
		snapshot := &Snapshot{shape: ShapeIPAddress, sections: splitSections(body)}
		snapshot.timestamp = findTimestamp(body, "Timestamp", "timestamp")
		if snapshot.timestamp == "" {
			snapshot.timestamp = findTimestamp(obj, "Timestamp", "timestamp")
		}
		return snapshot, nil
	}

	snapshot := &Snapshot{shape: ShapeLegacy, sections: splitSections(obj)}
	snapshot.timestamp = findTimestamp(obj, "timestamp")
	return snapshot, nil
}

func splitSections(obj map[string]interface{}) map[string]map[string]interface{} {
	sections := make(map[string]map[string]interface{})
	for key, value := range obj {
		if nested, ok := value.(map[string]interface{}); ok {
			sections[key] = nested
		}
	}
	return sections
}

func findTimestamp(obj map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if value, ok := obj[key].(string); ok && value != "" {
			return value
		}
	}
	return ""
}

// Shape returns the detected schema.
func (s *Snapshot) Shape() Shape {
	return s.shape
}

// Timestamp returns the upstream-reported snapshot time, empty when the
// snapshot did not carry one.
func (s *Snapshot) Timestamp() string {
	return s.timestamp
}

// Extract returns the readings for one component using the shape's name
// map. A legacy snapshot with no fields for the component fails with
// ErrNoReadings; the IP-address shape is allowed to yield an empty set
// because downstream processing may derive readings from the full snapshot
// instead.
func (s *Snapshot) Extract(component string) (readings.Snapshot, error) {
	if strings.TrimSpace(component) == "" {
		return nil, fmt.Errorf("component must not be empty")
	}

	name := component
	if s.shape == ShapeIPAddress {
		name = ipComponentName(component)
	}

	section, ok := s.sections[name]
	if !ok {
		if s.shape == ShapeIPAddress {
			return readings.Snapshot{}, nil
		}
		return nil, fmt.Errorf("%w: %s", source.ErrNoReadings, component)
	}

	snapshot, err := readings.NormalizeMap(section)
	if err != nil {
		return nil, fmt.Errorf("%w: component %s: %v", source.ErrParse, component, err)
	}
	if len(snapshot) == 0 && s.shape == ShapeLegacy {
		return nil, fmt.Errorf("%w: %s", source.ErrNoReadings, component)
	}
	return snapshot, nil
}

// Section returns the normalized readings of one component's section,
// resolved through the shape-appropriate name map. Unlike Sections, which
// keys by raw section name, the lookup accepts the consumer-facing
// camelCase component name for both shapes.
func (s *Snapshot) Section(component string) (readings.Snapshot, bool) {
	name := component
	if s.shape == ShapeIPAddress {
		name = ipComponentName(component)
	}
	section, ok := s.sections[name]
	if !ok {
		return nil, false
	}
	normalized, err := readings.NormalizeMap(section)
	if err != nil {
		return nil, false
	}
	return normalized, true
}

// Sections returns every component section of the snapshot, normalized.
// Sections that fail normalization are skipped; the full snapshot view is a
// best-effort input for derived parameters, not a validated payload.
func (s *Snapshot) Sections() map[string]readings.Snapshot {
	out := make(map[string]readings.Snapshot, len(s.sections))
	for name, section := range s.sections {
		normalized, err := readings.NormalizeMap(section)
		if err != nil {
			continue
		}
		out[name] = normalized
	}
	return out
}
