// Package topic provides hierarchical topic parsing and wildcard pattern
// matching for the event router.
//
// # Topic Format
//
// Topics are dot-delimited hierarchical names:
//
//	project.created
//	simulation.run.completed
//	knowledge.document.chunked
//
// Producers may also publish with "/" as the delimiter; Normalize folds both
// forms to the canonical dot notation.
//
// # Wildcards
//
// Subscription patterns support two wildcards:
//
//   - "*" matches exactly one segment
//   - "#" matches the remaining segments (including none) and must be the
//     final pattern segment
//
// Examples:
//
//	project.*          matches project.created, project.deleted (not project.member.added)
//	project.#          matches project, project.created, project.member.added
//	*.created          matches project.created, simulation.created
//	#                  matches every topic
//
// # Matching
//
// Patterns are parsed once, at subscription time, into a typed segment
// sequence. Matching a concrete topic against a parsed Pattern is a pure
// function with no allocation on the hot path. The Matcher aggregates many
// patterns into a trie so a publish resolves all matching patterns in one
// walk instead of testing each subscription individually.
package topic
