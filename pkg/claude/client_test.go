package claude

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessageResponse_Text(t *testing.T) {
	resp := &MessageResponse{
		Content: []ContentBlock{
			{Type: "text", Text: "Here is the card: "},
			{Type: "tool_use", Text: "ignored"},
			{Type: "text", Text: `{"name":"Charizard"}`},
		},
	}
	assert.Equal(t, `Here is the card: {"name":"Charizard"}`, resp.Text())
}

func TestMessageResponse_TextEmpty(t *testing.T) {
	assert.Equal(t, "", (&MessageResponse{}).Text())
}

func TestToSDKMessages_Roles(t *testing.T) {
	msgs := toSDKMessages([]Message{
		{Role: "user", Content: "analyze this"},
		{Role: "assistant", Content: "ok"},
	})
	assert.Len(t, msgs, 2)
	assert.Equal(t, "user", string(msgs[0].Role))
	assert.Equal(t, "assistant", string(msgs[1].Role))
}
