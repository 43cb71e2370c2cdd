// Package jsonv provides the JSON value sum type shared by every kernel
// component that reasons about untyped documents: rule patterns, execution
// contexts, policy patches and merged policies, commit diffs and outbox
// payloads.
//
// Key design constraints:
//   - Value is sealed: only Null, String, Number, Bool, Array and Object implement it
//   - Object iteration for hashing or serialization always goes through SortedKeys
//   - MarshalCanonical is the ONLY serialization used for content-addressed hashes
//   - jsonv imports nothing internal
package jsonv
