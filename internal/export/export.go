// Package export encodes collection snapshots as JSON, YAML or MessagePack.
package export

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/ugorji/go/codec"
	"gopkg.in/yaml.v3"

	"github.com/mesh-intelligence/entitygraph/pkg/types"
)

// Supported formats.
const (
	FormatJSON    = "json"
	FormatYAML    = "yaml"
	FormatMsgpack = "msgpack"
)

// ErrUnknownFormat is returned for formats other than the supported ones.
var ErrUnknownFormat = errors.New("unknown export format")

// Formats lists the supported formats.
func Formats() []string {
	return []string{FormatJSON, FormatYAML, FormatMsgpack}
}

func msgpackHandle() *codec.MsgpackHandle {
	var mh codec.MsgpackHandle
	mh.MapType = reflect.TypeOf(map[string]any(nil))
	mh.RawToString = true
	mh.SignedInteger = true
	mh.WriteExt = true
	return &mh
}

// Encode writes records to w in format.
func Encode(w io.Writer, format string, records []map[string]any) error {
	plain := make([]any, len(records))
	for i, r := range records {
		plain[i] = toPlain(r)
	}
	switch strings.ToLower(format) {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(plain)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(plain); err != nil {
			return fmt.Errorf("encoding yaml: %w", err)
		}
		return enc.Close()
	case FormatMsgpack:
		if err := codec.NewEncoder(w, msgpackHandle()).Encode(plain); err != nil {
			return fmt.Errorf("encoding msgpack: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// Decode reads records written by Encode.
func Decode(r io.Reader, format string) ([]map[string]any, error) {
	var out []map[string]any
	switch strings.ToLower(format) {
	case FormatJSON:
		dec := json.NewDecoder(r)
		dec.UseNumber()
		if err := dec.Decode(&out); err != nil {
			return nil, fmt.Errorf("decoding json: %w", err)
		}
	case FormatYAML:
		if err := yaml.NewDecoder(r).Decode(&out); err != nil {
			return nil, fmt.Errorf("decoding yaml: %w", err)
		}
	case FormatMsgpack:
		if err := codec.NewDecoder(r, msgpackHandle()).Decode(&out); err != nil {
			return nil, fmt.Errorf("decoding msgpack: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	return out, nil
}

// toPlain rewrites snapshot values into maps, slices and scalars that every
// format encodes the same way.
func toPlain(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = toPlain(item)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = toPlain(item)
		}
		return out
	case types.RefToken:
		return map[string]any{"type": x.Type, "id": toPlain(x.ID)}
	case *types.RefToken:
		if x == nil {
			return nil
		}
		return toPlain(*x)
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	default:
		return v
	}
}
