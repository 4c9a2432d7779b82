package params

import (
	"fmt"
	"math"
	"sort"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// Spec declares one parameter a step accepts.
type Spec struct {
	Type        cty.Type
	Optional    bool
	Default     cty.Value
	Description string
}

// Schema maps parameter names to their specs.
type Schema map[string]Spec

// Apply checks raw against the schema and returns the resolved Set. raw is
// an object or map value, or null when no parameters were given. Defaults
// fill absent parameters; values are converted to the declared type. Every
// problem found is returned, one per entry.
func (s Schema) Apply(raw cty.Value) (Set, []string) {
	var problems []string
	given := map[string]cty.Value{}

	if raw != cty.NilVal && !raw.IsNull() {
		raw, _ = raw.UnmarkDeep()
		ty := raw.Type()
		switch {
		case !ty.IsObjectType() && !ty.IsMapType():
			problems = append(problems, fmt.Sprintf("params must be an object, got %s", ty.FriendlyName()))
		case !raw.IsWhollyKnown():
			problems = append(problems, "params must be known before execution")
		default:
			for k, v := range raw.AsValueMap() {
				given[k] = v
			}
		}
	}

	unknown := make([]string, 0)
	for name := range given {
		if _, ok := s[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	for _, name := range unknown {
		problems = append(problems, fmt.Sprintf("unknown parameter %q", name))
	}

	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)

	resolved := make(map[string]cty.Value, len(s))
	for _, name := range names {
		spec := s[name]
		target := spec.Type
		if target == cty.NilType {
			target = cty.DynamicPseudoType
		}

		v, ok := given[name]
		if !ok || v.IsNull() {
			switch {
			case spec.Default != cty.NilVal && !spec.Default.IsNull():
				v = spec.Default
			case spec.Optional:
				continue
			default:
				problems = append(problems, fmt.Sprintf("missing required parameter %q", name))
				continue
			}
		}

		conv, err := convert.Convert(v, target)
		if err != nil {
			problems = append(problems, fmt.Sprintf("parameter %q: %s", name, err))
			continue
		}
		resolved[name] = conv
	}

	if len(problems) > 0 {
		return Set{}, problems
	}
	set, err := New(resolved)
	if err != nil {
		return Set{}, []string{err.Error()}
	}
	return set, nil
}

// FromGo converts a decoded YAML or JSON value into a cty.Value. Maps
// become objects and slices become tuples.
func FromGo(v any) (cty.Value, error) {
	switch t := v.(type) {
	case nil:
		return cty.NullVal(cty.DynamicPseudoType), nil
	case cty.Value:
		return t, nil
	case bool:
		return cty.BoolVal(t), nil
	case string:
		return cty.StringVal(t), nil
	case int:
		return cty.NumberIntVal(int64(t)), nil
	case int64:
		return cty.NumberIntVal(t), nil
	case uint64:
		return cty.NumberUIntVal(t), nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return cty.NilVal, fmt.Errorf("number %v is not finite", t)
		}
		return cty.NumberFloatVal(t), nil
	case []any:
		if len(t) == 0 {
			return cty.EmptyTupleVal, nil
		}
		elems := make([]cty.Value, len(t))
		for i, el := range t {
			cv, err := FromGo(el)
			if err != nil {
				return cty.NilVal, fmt.Errorf("[%d]: %w", i, err)
			}
			elems[i] = cv
		}
		return cty.TupleVal(elems), nil
	case map[string]any:
		if len(t) == 0 {
			return cty.EmptyObjectVal, nil
		}
		attrs := make(map[string]cty.Value, len(t))
		for k, el := range t {
			cv, err := FromGo(el)
			if err != nil {
				return cty.NilVal, fmt.Errorf("%s: %w", k, err)
			}
			attrs[k] = cv
		}
		return cty.ObjectVal(attrs), nil
	default:
		return cty.NilVal, fmt.Errorf("unsupported value of type %T", v)
	}
}
