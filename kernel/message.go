package kernel

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Message types of the kernel line protocol.
const (
	MsgExecuteRequest    = "execute_request"
	MsgKernelInfoRequest = "kernel_info_request"
	MsgShutdownRequest   = "shutdown_request"

	MsgStatus          = "status"
	MsgExecuteInput    = "execute_input"
	MsgStream          = "stream"
	MsgDisplayData     = "display_data"
	MsgExecuteResult   = "execute_result"
	MsgError           = "error"
	MsgKernelInfoReply = "kernel_info_reply"
	MsgShutdownReply   = "shutdown_reply"
)

// Execution states carried by status messages.
const (
	StateBusy = "busy"
	StateIdle = "idle"
)

// Message is one line of the protocol in either direction. Replies and
// events set ParentID to the MsgID of the request that caused them.
type Message struct {
	MsgID    string          `json:"msg_id"`
	ParentID string          `json:"parent_id,omitempty"`
	MsgType  string          `json:"msg_type"`
	Content  json.RawMessage `json:"content,omitempty"`
}

// Decode unmarshals the message content into v.
func (m Message) Decode(v any) error {
	if len(m.Content) == 0 {
		return fmt.Errorf("%s message has no content", m.MsgType)
	}
	if err := json.Unmarshal(m.Content, v); err != nil {
		return fmt.Errorf("failed to decode %s content: %w", m.MsgType, err)
	}
	return nil
}

// newRequest builds a request with a fresh message id.
func newRequest(msgType string, content any) (Message, error) {
	msg := Message{MsgID: uuid.New().String(), MsgType: msgType}
	if content != nil {
		data, err := json.Marshal(content)
		if err != nil {
			return Message{}, fmt.Errorf("failed to encode %s: %w", msgType, err)
		}
		msg.Content = data
	}
	return msg, nil
}

// ExecuteRequest asks the kernel to run code. Silent executions do not
// advance the execution count and publish no input or result.
type ExecuteRequest struct {
	Code   string `json:"code"`
	Silent bool   `json:"silent,omitempty"`
}

type StatusContent struct {
	ExecutionState string `json:"execution_state"`
}

type ExecuteInputContent struct {
	Code           string `json:"code"`
	ExecutionCount int    `json:"execution_count"`
}

type StreamContent struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// DataContent is shared by display_data and execute_result.
type DataContent struct {
	ExecutionCount *int           `json:"execution_count,omitempty"`
	Data           map[string]any `json:"data"`
	Metadata       map[string]any `json:"metadata"`
}

type ErrorContent struct {
	EName     string   `json:"ename"`
	EValue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

// KernelInfo is the content of kernel_info_reply.
type KernelInfo struct {
	Implementation string `json:"implementation"`
	LanguageInfo   struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"language_info"`
}
