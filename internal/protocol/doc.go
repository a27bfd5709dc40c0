// Package protocol owns the wire contract between the guard process and its
// shadow worker.
//
// Ownership boundary:
// - fixed header framing
// - tlv field primitives
// - request/response message schemas
//
// Exactly one request is outstanding at a time; a response echoes the
// request's MessageID and carries FlagIsResponse, plus FlagIsError when the
// status is ProcessError.
package protocol
