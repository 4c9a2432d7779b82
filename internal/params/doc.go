// Package params holds step parameter sets.
//
// A Set is an immutable mapping from parameter name to cty.Value. Its
// canonical serialization is the basis of fingerprinting, so two sets are
// equal exactly when their canonical bytes are equal:
//
//   - object and map keys are sorted bytewise, set elements are sorted by
//     their encoding, list and tuple elements keep their order;
//   - integral numbers are written exactly and without a fraction, so 0,
//     0.0, -0 and 0e5 all encode as "0";
//   - other numbers are rounded to 15 significant digits and written in
//     shortest %g form;
//   - strings use Go quoting, booleans are true/false, null is null.
//
// Unknown values, capsule values and infinities cannot be serialized and
// are rejected when a Set is built.
package params
