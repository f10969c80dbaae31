package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Fingerprint computes the deterministic cache key for a request.
// Semantically identical requests must hash identically, so the
// canonical form ignores per-call fields (request ID, timestamp,
// priority, provider override) and normalizes message whitespace and
// role casing. Sampling parameters stay significant: a different
// temperature or token limit is a different completion.
func Fingerprint(req *CompletionRequest) string {
	var b strings.Builder

	b.WriteString(strings.ToLower(strings.TrimSpace(req.Model)))
	b.WriteByte('\x1f')
	fmt.Fprintf(&b, "max_tokens=%d", req.MaxTokens)
	b.WriteByte('\x1f')
	fmt.Fprintf(&b, "temperature=%.3f", req.Temperature)

	for _, msg := range req.Messages {
		b.WriteByte('\x1e')
		b.WriteString(strings.ToLower(strings.TrimSpace(msg.Role)))
		b.WriteByte(':')
		b.WriteString(strings.TrimSpace(msg.Content))
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// CacheKey prefixes a fingerprint for the exact-match tier. The
// similarity tier uses VectorKey so its hash entries never collide
// with exact-tier strings under the same Redis keyspace.
func CacheKey(fingerprint string) string {
	return "cache:exact:" + fingerprint
}

// VectorKey prefixes a fingerprint for the similarity tier.
func VectorKey(fingerprint string) string {
	return "cache:vec:" + fingerprint
}

// QueryText builds the text representation of a request used for
// embedding generation in the similarity path.
func QueryText(req *CompletionRequest) string {
	parts := make([]string, 0, len(req.Messages)+1)
	parts = append(parts, fmt.Sprintf("model: %s", req.Model))

	messages := make([]string, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, fmt.Sprintf("%s: %s", msg.Role, msg.Content))
	}
	parts = append(parts, fmt.Sprintf("messages: %s", strings.Join(messages, " ")))

	return strings.Join(parts, " | ")
}
