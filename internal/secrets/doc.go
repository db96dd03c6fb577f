// Package secrets redacts credentials from message text before it is
// embedded and stored.
//
// People paste tokens, connection strings and private keys into chat.
// Anything indexed is retrievable by every later query in its scope, so the
// indexer runs message text through a Scrubber first. A redacted span is
// replaced with a placeholder that the embedding normalizer does not count
// as content.
package secrets
