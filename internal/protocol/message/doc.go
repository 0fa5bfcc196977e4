// Package message binds an outbound SMP request to the three ways a device
// can answer it: the success schema, the version 0 error schema and the
// version 1 error schema.
//
// A reply carries no out-of-band error marker. Request.Decode therefore tries
// the success schema first and only falls back to the error schema selected
// by the reply header's version when the success schema does not validate.
// Either error version is flattened into Error so callers never branch on
// protocol version.
package message
