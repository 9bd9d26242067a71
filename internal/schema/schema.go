// Package schema loads declarative class definitions and compiles them into
// types.Class descriptors.
//
// A schema file lists classes; a class may extend any other class in the
// same file regardless of order:
//
//	classes:
//	  - type: person
//	    identifier: id
//	    fields:
//	      - name: firstName
//	        map: first_name
//	    references:
//	      - name: pets
//	        kind: to_many
//	        target: pet
//	        property: owner
package schema

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/spf13/viper"

	"github.com/mesh-intelligence/entitygraph/pkg/types"
)

// Schema errors.
var (
	ErrUnknownParent = errors.New("class extends an undefined class")
	ErrCycle         = errors.New("class inheritance cycle")
	ErrDuplicate     = errors.New("class defined twice")
	ErrMissingPolicy = errors.New("unknown missing policy")
)

// FieldSpec declares a scalar field.
type FieldSpec struct {
	Name    string `mapstructure:"name"`
	Map     string `mapstructure:"map"`
	Default any    `mapstructure:"default"`
}

// ReferenceSpec declares a reference field.
type ReferenceSpec struct {
	Name     string `mapstructure:"name"`
	Kind     string `mapstructure:"kind"`
	Target   string `mapstructure:"target"`
	Property string `mapstructure:"property"`
	Missing  string `mapstructure:"missing"`
}

// ClassSpec declares one record class.
type ClassSpec struct {
	Type       string          `mapstructure:"type"`
	Extends    string          `mapstructure:"extends"`
	Identifier string          `mapstructure:"identifier"`
	TypeField  string          `mapstructure:"type_field"`
	AutoID     string          `mapstructure:"auto_id"`
	Fields     []FieldSpec     `mapstructure:"fields"`
	References []ReferenceSpec `mapstructure:"references"`
}

// Schema is a set of class declarations.
type Schema struct {
	Classes []ClassSpec `mapstructure:"classes"`
}

// Load reads a schema file. The format follows the file extension (yaml,
// json or toml).
func Load(path string) (*Schema, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read schema %s: %w", path, err)
	}
	return decode(v)
}

// Parse reads a schema from data in the given format.
func Parse(data []byte, format string) (*Schema, error) {
	v := viper.New()
	v.SetConfigType(format)
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Schema, error) {
	var s Schema
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	return &s, nil
}

// Build compiles the schema into classes in declaration order. Parents
// are built before their children.
func (s *Schema) Build() ([]*types.Class, error) {
	specs := make(map[string]ClassSpec, len(s.Classes))
	for _, cs := range s.Classes {
		if _, dup := specs[cs.Type]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, cs.Type)
		}
		specs[cs.Type] = cs
	}

	built := make(map[string]*types.Class, len(specs))
	building := make(map[string]bool)
	var build func(typ string) (*types.Class, error)
	build = func(typ string) (*types.Class, error) {
		if c, ok := built[typ]; ok {
			return c, nil
		}
		if building[typ] {
			return nil, fmt.Errorf("%w: %s", ErrCycle, typ)
		}
		cs, ok := specs[typ]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownParent, typ)
		}
		building[typ] = true
		defer delete(building, typ)

		var parent *types.Class
		if cs.Extends != "" {
			p, err := build(cs.Extends)
			if err != nil {
				return nil, err
			}
			parent = p
		}
		c, err := cs.class(parent)
		if err != nil {
			return nil, err
		}
		built[typ] = c
		return c, nil
	}

	out := make([]*types.Class, 0, len(s.Classes))
	for _, cs := range s.Classes {
		c, err := build(cs.Type)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (cs ClassSpec) class(parent *types.Class) (*types.Class, error) {
	b := types.NewClass(cs.Type)
	if parent != nil {
		b.Extends(parent)
	}
	if cs.Identifier != "" {
		b.Identifier(cs.Identifier)
	}
	if cs.TypeField != "" {
		b.TypeField(cs.TypeField)
	}
	if cs.AutoID != "" {
		b.AutoID(types.AutoIDPolicy(cs.AutoID))
	}
	for _, f := range cs.Fields {
		b.Field(f.Name, types.FieldOptions{Default: f.Default, Map: f.Map})
	}
	for _, r := range cs.References {
		kind, err := types.ParseReferenceKind(r.Kind)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", cs.Type, r.Name, err)
		}
		missing, err := parseMissing(r.Missing)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", cs.Type, r.Name, err)
		}
		b.Reference(r.Name, types.ReferenceOptions{
			Kind:     kind,
			Target:   r.Target,
			Property: r.Property,
			Missing:  missing,
		})
	}
	return b.Build()
}

func parseMissing(s string) (types.MissingPolicy, error) {
	switch s {
	case "", "default":
		return types.MissingDefault, nil
	case "skip":
		return types.MissingSkip, nil
	case "keep":
		return types.MissingKeep, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrMissingPolicy, s)
	}
}
