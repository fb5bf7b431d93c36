// Package canonical provides the deterministic serialization used as input to
// request signing and encryption.
//
// The signer and the gateway verifier must agree on the exact bytes of a
// payload. A non-canonical serialization does not raise an error, it just
// produces signatures the other side rejects. Everything that feeds a MAC or
// a cipher goes through Marshal.
//
// Policy:
//   - Object keys are sorted byte-wise at every nesting depth
//   - Arrays keep their element order; their elements are canonicalized
//   - Scalars use ECMAScript JSON.stringify literal encoding
//   - Every number is a double regardless of Go type, so an int64, uint64,
//     decimal.Decimal or json.Number of the same value give the same bytes
//   - Strings must be valid UTF-8
//   - Unsupported values fail with a fault.KindSerialization error
package canonical
