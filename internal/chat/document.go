package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// documentVersion tags the persisted layout. Version 0 is the bare array
// written by the original browser client.
const documentVersion = 1

type document struct {
	Version               int             `json:"version"`
	ActiveModelID         string          `json:"activeModelId,omitempty"`
	CurrentConversationID string          `json:"currentConversationId,omitempty"`
	Conversations         []*Conversation `json:"conversations"`
}

type decodedDocument struct {
	Version               int            `json:"version"`
	ActiveModelID         string         `json:"activeModelId"`
	CurrentConversationID string         `json:"currentConversationId"`
	Conversations         []Conversation `json:"conversations"`
}

func encodeDocument(doc document) ([]byte, error) {
	if doc.Conversations == nil {
		doc.Conversations = []*Conversation{}
	}
	return json.Marshal(doc)
}

func decodeDocument(raw []byte) (decodedDocument, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return decodedDocument{}, nil
	}

	if raw[0] == '[' {
		var convs []Conversation
		if err := json.Unmarshal(raw, &convs); err != nil {
			return decodedDocument{}, fmt.Errorf("decode legacy document: %w", err)
		}
		return decodedDocument{Version: 0, Conversations: convs}, nil
	}

	var doc decodedDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return decodedDocument{}, fmt.Errorf("decode document: %w", err)
	}
	if doc.Version > documentVersion {
		return decodedDocument{}, fmt.Errorf("%w: version %d, supported %d", ErrNewerDocument, doc.Version, documentVersion)
	}
	return doc, nil
}
