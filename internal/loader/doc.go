// Package loader opens base models through a backend and guarantees that no
// chat template can reach them.
//
// Load resolves the weights, reserves memory for them, opens a runtime
// session and clears every chat-template attribute of the tokenizer. It
// then runs the sentinel battery: each probe is encoded with special tokens
// on and off, the two lengths must match, and both encodings are scanned in
// full for chat-template token IDs sourced from the tokenizer's own
// configuration. Any failure is a ContaminationError and no handle is
// returned.
//
// Handles carry an immutable Provenance record which every artifact built
// from them repeats. Close a handle before loading the next model.
package loader
