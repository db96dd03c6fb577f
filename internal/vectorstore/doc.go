// Package vectorstore stores embedded chat records and answers similarity
// queries over them.
//
// Two backends implement Store:
//
//   - chromem (default): embedded, persisted as gob files under a directory,
//     in-memory when no path is configured.
//   - qdrant: remote server over gRPC, with retries and a circuit breaker.
//
// Both backends share the ranking contract: scope filtering before ranking,
// descending score with ascending-id tie-break, an inclusive score floor,
// then truncation to the limit.
//
// chromem ranks every matching record, so the tie-break is exact. qdrant
// returns at most limit+16 points ordered by its own rules; when more
// points than that share the score at the cut, which of them are kept is
// qdrant's choice, and only the kept ones are ordered by id.
package vectorstore
