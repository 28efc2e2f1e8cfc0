// Package session implements sticky-session derivation and the account
// mapping that backs it (component C5): getMapping/putMapping/
// extendIfBelow/deleteMapping, plus the bounded wait-for-slot guard used
// when a sticky hit lands on an account at its concurrency limit.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// cacheControlBlock matches the shape of a content block's cache_control
// field; only its Type is inspected.
type cacheControlBlock struct {
	CacheControl *struct {
		Type string `json:"type"`
	} `json:"cache_control,omitempty"`
	Text string `json:"text,omitempty"`
}

type messageBody struct {
	System   json.RawMessage `json:"system,omitempty"`
	Messages []struct {
		Content json.RawMessage `json:"content,omitempty"`
	} `json:"messages,omitempty"`
	Metadata *struct {
		UserID string `json:"user_id,omitempty"`
	} `json:"metadata,omitempty"`
}

// Fingerprint derives the deterministic sticky-session fingerprint for one
// request. apiKeyID is folded into every hash branch: the relay this
// package was grounded on computed a session hash from conversation
// content alone, which let two different API keys land on the same
// fingerprint and share (or steal) each other's pinned account — folding
// in apiKeyID here closes that cross-tenant leak. Returns "" when no
// stickiness signal is present (caller treats that as nil / no pinning).
func Fingerprint(apiKeyID string, rawBody []byte) string {
	if apiKeyID == "" {
		return ""
	}

	var body messageBody
	if err := json.Unmarshal(rawBody, &body); err != nil {
		return ""
	}

	if body.Metadata != nil {
		if uuid, ok := extractAccountSessionUUID(body.Metadata.UserID); ok {
			return hashFold(apiKeyID, uuid)
		}
	}

	if texts, ok := ephemeralTexts(body); ok {
		return hashFold(apiKeyID, texts)
	}

	if sys, ok := firstText(body.System); ok {
		return hashFold(apiKeyID, sys)
	}

	for _, msg := range body.Messages {
		if txt, ok := firstText(msg.Content); ok {
			return hashFold(apiKeyID, txt)
		}
	}

	return ""
}

func hashFold(apiKeyID, material string) string {
	sum := sha256.Sum256([]byte(apiKeyID + "\x00" + material))
	return hex.EncodeToString(sum[:])[:32]
}

// extractAccountSessionUUID looks for the literal marker
// "_account__session_<uuid>" inside a metadata.user_id string.
func extractAccountSessionUUID(userID string) (string, bool) {
	const marker = "_account__session_"
	idx := indexOf(userID, marker)
	if idx < 0 {
		return "", false
	}
	rest := userID[idx+len(marker):]
	if len(rest) < 36 {
		return "", false
	}
	return rest[:36], true
}

func ephemeralTexts(body messageBody) (string, bool) {
	var blocks []cacheControlBlock
	collect := func(raw json.RawMessage) {
		if len(raw) == 0 {
			return
		}
		var arr []cacheControlBlock
		if err := json.Unmarshal(raw, &arr); err == nil {
			blocks = append(blocks, arr...)
		}
	}
	collect(body.System)
	for _, m := range body.Messages {
		collect(m.Content)
	}

	var out string
	found := false
	for _, b := range blocks {
		if b.CacheControl != nil && b.CacheControl.Type == "ephemeral" {
			out += b.Text
			found = true
		}
	}
	return out, found
}

func firstText(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	// system / content can be a plain string or an array of blocks.
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, asString != ""
	}
	var blocks []cacheControlBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		for _, b := range blocks {
			if b.Text != "" {
				return b.Text, true
			}
		}
	}
	return "", false
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
