package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalPart(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantType string
	}{
		{
			name:     "text part",
			input:    `{"id":"prt_1","sessionID":"ses_1","type":"text","text":"hello"}`,
			wantType: "text",
		},
		{
			name:     "tool part",
			input:    `{"id":"prt_2","sessionID":"ses_1","type":"tool","callID":"call_1","tool":"bash","state":{"status":"running"}}`,
			wantType: "tool",
		},
		{
			name:     "reasoning part",
			input:    `{"id":"prt_3","sessionID":"ses_1","type":"reasoning","text":"thinking"}`,
			wantType: "reasoning",
		},
		{
			name:     "file part",
			input:    `{"id":"prt_4","sessionID":"ses_1","type":"file","filename":"a.png","mediaType":"image/png","url":"data:"}`,
			wantType: "file",
		},
		{
			name:     "unknown type falls back to text",
			input:    `{"id":"prt_5","sessionID":"ses_1","type":"step-start"}`,
			wantType: "text",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			part, err := UnmarshalPart([]byte(tt.input))
			require.NoError(t, err)
			if tt.wantType != "text" {
				assert.Equal(t, tt.wantType, part.PartType())
			}
			assert.NotEmpty(t, part.PartID())
		})
	}
}

func TestMessageWithParts_UnmarshalJSON(t *testing.T) {
	raw := `{
		"info": {"id":"msg_1","sessionID":"ses_1","role":"assistant","time":{"created":1}},
		"parts": [
			{"id":"prt_1","sessionID":"ses_1","type":"text","text":"Hello, "},
			{"id":"prt_2","sessionID":"ses_1","type":"tool","callID":"call_1","tool":"read","state":{"status":"completed","output":"ok"}},
			{"id":"prt_3","sessionID":"ses_1","type":"text","text":"world"}
		]
	}`

	var msg MessageWithParts
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))

	assert.Equal(t, "msg_1", msg.Info.ID)
	require.Len(t, msg.Parts, 3)

	tool, ok := msg.Parts[1].(*ToolPart)
	require.True(t, ok)
	assert.Equal(t, "read", tool.Tool)
	assert.Equal(t, "completed", tool.State.Status)

	assert.Equal(t, "Hello, world", msg.Text())
}

func TestMessageError_Error(t *testing.T) {
	err := NewUnknownError("boom")
	assert.Equal(t, "boom", err.Error())

	bare := &MessageError{Name: "ProviderAuthError"}
	assert.Equal(t, "ProviderAuthError", bare.Error())
}

func TestSessionError_Error(t *testing.T) {
	assert.Equal(t, "rate limited", (&SessionError{Name: "APIError", Data: MessageErrorData{Message: "rate limited"}}).Error())
	assert.Equal(t, "APIError", (&SessionError{Name: "APIError"}).Error())
	assert.Equal(t, "unknown error", (&SessionError{}).Error())
}
