// Package protocol owns the Simple Management Protocol (SMP) wire contract.
//
// Ownership boundary:
// - header model (header)
// - packet framing and reassembly (packet)
// - request/response contract and error flattening (message)
// - error kinds shared by every layer (this package)
package protocol
