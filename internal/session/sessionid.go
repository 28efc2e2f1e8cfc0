package session

import "encoding/json"

// ExtractSessionID pulls the literal per-account session id out of a
// request body's metadata.user_id, for the account's session-id-limit
// accounting (spec §4.3's sessionIdMaxCount). This is distinct from
// Fingerprint: a fingerprint is a stickiness hash that may fall back to
// conversation content, while a session id is only ever the explicit
// marker or nothing at all.
func ExtractSessionID(rawBody []byte) string {
	var body messageBody
	if err := json.Unmarshal(rawBody, &body); err != nil {
		return ""
	}
	if body.Metadata == nil {
		return ""
	}
	uuid, ok := extractAccountSessionUUID(body.Metadata.UserID)
	if !ok {
		return ""
	}
	return uuid
}
