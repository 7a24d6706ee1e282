package amqp

import (
	"encoding/json"
	"time"

	"finlink/internal/domain/linking"
)

// ImportMessage carries an account import request through the queue.
type ImportMessage struct {
	Request   linking.ImportRequest `json:"request"`
	Timestamp time.Time             `json:"timestamp"`
}

// NewImportMessage wraps req, stamped with the current time.
func NewImportMessage(req linking.ImportRequest) *ImportMessage {
	return &ImportMessage{Request: req, Timestamp: time.Now()}
}

// ToJSON converts the message to JSON bytes
func (m *ImportMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// ImportMessageFromJSON decodes a message and rejects one without an item.
func ImportMessageFromJSON(data []byte) (*ImportMessage, error) {
	var msg ImportMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Request.ItemID == "" || msg.Request.CompanyID == "" {
		return nil, ErrIncompleteMessage
	}
	return &msg, nil
}
