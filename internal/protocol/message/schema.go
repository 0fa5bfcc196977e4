package message

import (
	"encoding"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode    cbor.EncMode
	strictMode cbor.DecMode
	looseMode  cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{Sort: cbor.SortCoreDeterministic}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("message: cbor enc mode: %v", err))
	}
	strictMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("message: cbor strict dec mode: %v", err))
	}
	looseMode, err = cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("message: cbor dec mode: %v", err))
	}
}

// ValidationError reports a body that does not satisfy a schema.
type ValidationError struct {
	Schema string
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("message: schema=%s: %s", e.Schema, e.Reason)
	}
	return fmt.Sprintf("message: schema=%s field=%q: %s", e.Schema, e.Field, e.Reason)
}

// Marshal encodes a request payload as a CBOR map.
func Marshal(v any) ([]byte, error) {
	if v == nil {
		return encMode.Marshal(struct{}{})
	}
	return encMode.Marshal(v)
}

// decodeSchema decodes body into out and enforces the schema: every
// non-omitempty field must be present, and in strict mode unknown keys are
// rejected. A Validate method on out runs last.
func decodeSchema(body []byte, out any, strict bool) error {
	name := schemaName(out)
	mode := looseMode
	if strict {
		mode = strictMode
	}
	if err := mode.Unmarshal(body, out); err != nil {
		return ValidationError{Schema: name, Reason: err.Error()}
	}
	if err := requireFields(name, body, out); err != nil {
		return err
	}
	if v, ok := out.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return ValidationError{Schema: name, Reason: err.Error()}
		}
	}
	return nil
}

func requireFields(name string, body []byte, out any) error {
	t := reflect.TypeOf(out)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}
	var keys map[any]cbor.RawMessage
	if err := looseMode.Unmarshal(body, &keys); err != nil {
		return ValidationError{Schema: name, Reason: "body is not a map"}
	}
	return checkRequired(name, "", t, keys)
}

// checkRequired walks the cbor tags of t against keys. Nested struct fields
// are checked against their own sub-map; path prefixes the reported field.
func checkRequired(name, path string, t reflect.Type, keys map[any]cbor.RawMessage) error {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		tag := f.Tag.Get("cbor")
		if tag == "-" {
			continue
		}
		key, opts, _ := strings.Cut(tag, ",")
		ft := f.Type
		if ft.Kind() == reflect.Pointer {
			ft = ft.Elem()
		}
		if f.Anonymous && key == "" && ft.Kind() == reflect.Struct {
			if err := checkRequired(name, path, ft, keys); err != nil {
				return err
			}
			continue
		}
		if optional(opts) {
			continue
		}
		if key == "" {
			key = f.Name
		}
		field := path + key
		raw, ok := lookup(keys, key, hasOpt(opts, "keyasint"))
		if !ok {
			return ValidationError{Schema: name, Field: field, Reason: "missing required field"}
		}
		if !nestedSchema(ft) {
			continue
		}
		var sub map[any]cbor.RawMessage
		if err := looseMode.Unmarshal(raw, &sub); err != nil {
			return ValidationError{Schema: name, Field: field, Reason: "value is not a map"}
		}
		if err := checkRequired(name, field+".", ft, sub); err != nil {
			return err
		}
	}
	return nil
}

// lookup finds key as a text key, or as an integer key for keyasint fields.
func lookup(keys map[any]cbor.RawMessage, key string, asInt bool) (cbor.RawMessage, bool) {
	if !asInt {
		raw, ok := keys[key]
		return raw, ok
	}
	n, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return nil, false
	}
	if raw, ok := keys[n]; ok {
		return raw, true
	}
	if n >= 0 {
		if raw, ok := keys[uint64(n)]; ok {
			return raw, true
		}
	}
	return nil, false
}

var (
	cborUnmarshaler   = reflect.TypeOf((*cbor.Unmarshaler)(nil)).Elem()
	binaryUnmarshaler = reflect.TypeOf((*encoding.BinaryUnmarshaler)(nil)).Elem()
)

// nestedSchema reports whether t is a plain struct encoded as a CBOR map.
// Types with their own decoding (time.Time and the like) are opaque.
func nestedSchema(t reflect.Type) bool {
	if t.Kind() != reflect.Struct {
		return false
	}
	pt := reflect.PointerTo(t)
	return !pt.Implements(cborUnmarshaler) && !pt.Implements(binaryUnmarshaler)
}

func optional(opts string) bool {
	return hasOpt(opts, "omitempty") || hasOpt(opts, "omitzero")
}

func hasOpt(opts, want string) bool {
	for _, opt := range strings.Split(opts, ",") {
		if opt == want {
			return true
		}
	}
	return false
}

func schemaName(v any) string {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "nil"
	}
	return t.String()
}
