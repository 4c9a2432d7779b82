package params

import (
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"
)

// Set is an immutable, ordered parameter mapping. The zero value is an
// empty set.
type Set struct {
	names  []string
	values map[string]cty.Value
	canon  string
}

// Empty is the set with no parameters.
var Empty = Set{canon: "{}"}

// New builds a Set after checking every value can be serialized.
func New(values map[string]cty.Value) (Set, error) {
	var problems []string
	names := make([]string, 0, len(values))
	copied := make(map[string]cty.Value, len(values))
	for name, v := range values {
		v, _ = v.UnmarkDeep()
		if err := checkValue(v); err != nil {
			problems = append(problems, fmt.Sprintf("parameter %q: %v", name, err))
			continue
		}
		names = append(names, name)
		copied[name] = v
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return Set{}, fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	sort.Strings(names)

	s := Set{names: names, values: copied}
	s.canon = s.encode()
	return s, nil
}

// MustNew is New for statically known values. It panics on error.
func MustNew(values map[string]cty.Value) Set {
	s, err := New(values)
	if err != nil {
		panic(err)
	}
	return s
}

// Names returns parameter names in sorted order.
func (s Set) Names() []string {
	return append([]string(nil), s.names...)
}

// Len returns the number of parameters.
func (s Set) Len() int { return len(s.names) }

// Get returns the named value.
func (s Set) Get(name string) (cty.Value, bool) {
	v, ok := s.values[name]
	return v, ok
}

// Decode converts the named parameter into target, which must be a pointer
// to a Go value compatible with the parameter's type.
func (s Set) Decode(name string, target any) error {
	v, ok := s.values[name]
	if !ok {
		return fmt.Errorf("parameter %q not set", name)
	}
	if err := gocty.FromCtyValue(v, target); err != nil {
		return fmt.Errorf("parameter %q: %w", name, err)
	}
	return nil
}

// Canonical returns the canonical serialization.
func (s Set) Canonical() []byte {
	if s.canon == "" {
		return []byte("{}")
	}
	return []byte(s.canon)
}

// Equal reports whether both sets serialize identically.
func (s Set) Equal(o Set) bool {
	return string(s.Canonical()) == string(o.Canonical())
}

func (s Set) String() string { return string(s.Canonical()) }

func (s Set) encode() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, name := range s.names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Quote(name))
		b.WriteByte(':')
		encodeValue(&b, s.values[name])
	}
	b.WriteByte('}')
	return b.String()
}

// CanonicalValue returns the canonical encoding of a single value.
func CanonicalValue(v cty.Value) (string, error) {
	v, _ = v.UnmarkDeep()
	if err := checkValue(v); err != nil {
		return "", err
	}
	var b strings.Builder
	encodeValue(&b, v)
	return b.String(), nil
}

func checkValue(v cty.Value) error {
	if !v.IsWhollyKnown() {
		return fmt.Errorf("value is not known")
	}
	if v.IsNull() {
		return nil
	}
	ty := v.Type()
	switch {
	case ty.IsCapsuleType():
		return fmt.Errorf("unsupported value type %s", ty.FriendlyName())
	case ty == cty.Number:
		if v.AsBigFloat().IsInf() {
			return fmt.Errorf("number is not finite")
		}
	case ty.IsListType(), ty.IsSetType(), ty.IsTupleType():
		for i, el := range v.AsValueSlice() {
			if err := checkValue(el); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
	case ty.IsMapType(), ty.IsObjectType():
		for k, el := range v.AsValueMap() {
			if err := checkValue(el); err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
		}
	}
	return nil
}

func encodeValue(b *strings.Builder, v cty.Value) {
	if v.IsNull() {
		b.WriteString("null")
		return
	}
	ty := v.Type()
	switch {
	case ty == cty.String:
		b.WriteString(strconv.Quote(v.AsString()))
	case ty == cty.Bool:
		b.WriteString(strconv.FormatBool(v.True()))
	case ty == cty.Number:
		b.WriteString(formatNumber(v.AsBigFloat()))
	case ty.IsListType(), ty.IsTupleType():
		b.WriteByte('[')
		for i, el := range v.AsValueSlice() {
			if i > 0 {
				b.WriteByte(',')
			}
			encodeValue(b, el)
		}
		b.WriteByte(']')
	case ty.IsSetType():
		elems := v.AsValueSlice()
		encoded := make([]string, len(elems))
		for i, el := range elems {
			var eb strings.Builder
			encodeValue(&eb, el)
			encoded[i] = eb.String()
		}
		sort.Strings(encoded)
		b.WriteByte('[')
		b.WriteString(strings.Join(encoded, ","))
		b.WriteByte(']')
	case ty.IsMapType(), ty.IsObjectType():
		m := v.AsValueMap()
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(k))
			b.WriteByte(':')
			encodeValue(b, m[k])
		}
		b.WriteByte('}')
	default:
		// checkValue rejects everything else before encoding.
		panic(fmt.Sprintf("params: cannot encode %s", ty.FriendlyName()))
	}
}

// formatNumber rounds f to 15 significant digits and prints the result as
// a plain decimal, so every value has exactly one spelling.
func formatNumber(f *big.Float) string {
	if f.Sign() == 0 {
		return "0"
	}
	r, _, err := big.ParseFloat(f.Text('g', 15), 10, 64, big.ToNearestEven)
	if err != nil {
		return f.Text('g', 15)
	}
	return r.Text('f', -1)
}
