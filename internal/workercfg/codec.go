package workercfg

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Load reads, parses and validates the document at path.
func (s *Schema) Load(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("failed to read worker config: %w", err)
	}
	doc, err := s.Parse(data)
	if err != nil {
		return Document{}, err
	}
	if err := s.Validate(doc); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// Parse decodes a YAML mapping into a typed Document. Scalars are read from
// their textual form so decimal values keep their exact representation.
// Parse does not validate; unknown keys are carried as strings so Validate can
// report them.
func (s *Schema) Parse(data []byte) (Document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return Document{}, &SchemaViolation{Key: "<root>", Reason: fmt.Sprintf("invalid YAML: %v", err)}
	}

	doc := Document{values: make(map[string]any)}
	if root.Kind == 0 {
		return doc, nil
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) != 1 || root.Content[0].Kind != yaml.MappingNode {
		return Document{}, &SchemaViolation{Key: "<root>", Reason: "config root must be a mapping"}
	}

	mapping := root.Content[0]
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		key := mapping.Content[i].Value
		node := mapping.Content[i+1]
		if canonical, ok := s.aliases[key]; ok {
			if _, dup := s.fields[canonical]; dup && hasKey(mapping, canonical) {
				continue
			}
			key = canonical
		}
		if node.Kind != yaml.ScalarNode {
			return Document{}, &SchemaViolation{Key: key, Reason: "nested values are not supported"}
		}
		if node.Tag == "!!null" {
			continue
		}

		f, known := s.fields[key]
		if !known {
			doc.values[key] = node.Value
			continue
		}
		v, err := f.coerce(node)
		if err != nil {
			return Document{}, err
		}
		doc.values[key] = v
	}
	return doc, nil
}

func hasKey(mapping *yaml.Node, key string) bool {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return true
		}
	}
	return false
}

func (f Field) coerce(node *yaml.Node) (any, error) {
	raw := strings.TrimSpace(node.Value)
	switch f.Kind {
	case KindString:
		if f.Upper {
			raw = strings.ToUpper(raw)
		}
		if f.Key == "rest_base" {
			raw = strings.TrimRight(raw, "/")
		}
		return raw, nil
	case KindInt:
		i, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, &SchemaViolation{Key: f.Key, Value: raw, Reason: "expected an integer"}
		}
		return i, nil
	case KindDecimal:
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, &SchemaViolation{Key: f.Key, Value: raw, Reason: "expected a number"}
		}
		return d, nil
	case KindBool:
		var b bool
		if err := node.Decode(&b); err != nil {
			return nil, &SchemaViolation{Key: f.Key, Value: raw, Reason: "expected a boolean"}
		}
		return b, nil
	}
	return nil, &SchemaViolation{Key: f.Key, Value: raw, Reason: "unsupported field kind"}
}

// Render encodes doc as YAML with sorted keys. Identical documents always
// produce identical bytes.
func Render(doc Document) ([]byte, error) {
	mapping := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, key := range doc.Keys() {
		v, _ := doc.Get(key)
		valueNode, err := scalarNode(v)
		if err != nil {
			return nil, fmt.Errorf("render %s: %w", key, err)
		}
		mapping.Content = append(mapping.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
			valueNode,
		)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{mapping}}); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func scalarNode(v any) (*yaml.Node, error) {
	switch t := v.(type) {
	case string:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: t}, nil
	case int64:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.FormatInt(t, 10)}, nil
	case bool:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: strconv.FormatBool(t)}, nil
	case decimal.Decimal:
		s := t.String()
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!float", Value: s}, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}
