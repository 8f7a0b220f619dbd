package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// dispatchDoc fixes the canonical JSON field order for the dispatch key.
// The order is an external contract: changing it changes every key and
// breaks duplicate suppression across versions.
//
//nolint:govet // field order is the hash contract
type dispatchDoc struct {
	MessageID         string `json:"messageId"`
	ConversationID    string `json:"conversationId"`
	ExternalThreadID  string `json:"externalThreadId"`
	PlatformAccountID string `json:"platformAccountId"`
	Platform          string `json:"platform"`
	Status            string `json:"status"`
	Body              string `json:"body"`
	Intent            string `json:"intent"`
	EffectiveIntent   string `json:"effectiveIntent"`
}

// DispatchKey computes the SHA-256 hex digest identifying one logical
// outbound attempt.
func DispatchKey(messageID, conversationID, externalThreadID, platformAccountID, platform, status, body, intent, effectiveIntent string) string {
	doc := dispatchDoc{
		MessageID:         messageID,
		ConversationID:    conversationID,
		ExternalThreadID:  externalThreadID,
		PlatformAccountID: platformAccountID,
		Platform:          platform,
		Status:            status,
		Body:              body,
		Intent:            intent,
		EffectiveIntent:   effectiveIntent,
	}
	data, _ := json.Marshal(doc)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
