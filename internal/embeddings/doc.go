// Package embeddings turns chat text into vectors.
//
// An Embedder normalizes platform markup, drops text that is too short to
// carry meaning, splits work into provider-sized batches separated by a
// fixed delay, and scatters the vectors back to their input positions.
// Providers are selected at runtime: TEI (HTTP), FastEmbed (local ONNX,
// cgo only), and OpenAI or Ollama through langchaingo.
package embeddings
