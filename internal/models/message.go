package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMalformedMessage = errors.New("malformed task message")

// TaskMessage is the work order carried by the queue.
type TaskMessage struct {
	TaskID            string         `json:"task_id"`
	OriginalImageKey  string         `json:"original_image_key"`
	ProcessedImageKey string         `json:"processed_image_key"`
	ProcessingType    string         `json:"processing_type"`
	Parameters        map[string]any `json:"parameters"`
}

func (m *TaskMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeTaskMessage parses a queue body. Bodies that are not JSON or lack the
// fields a worker needs are reported as ErrMalformedMessage.
func DecodeTaskMessage(body []byte) (*TaskMessage, error) {
	var msg TaskMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch {
	case msg.TaskID == "":
		return nil, fmt.Errorf("%w: missing task_id", ErrMalformedMessage)
	case msg.OriginalImageKey == "":
		return nil, fmt.Errorf("%w: missing original_image_key", ErrMalformedMessage)
	case msg.ProcessedImageKey == "":
		return nil, fmt.Errorf("%w: missing processed_image_key", ErrMalformedMessage)
	case msg.ProcessingType == "":
		return nil, fmt.Errorf("%w: missing processing_type", ErrMalformedMessage)
	}

	if msg.Parameters == nil {
		msg.Parameters = map[string]any{}
	}
	return &msg, nil
}
