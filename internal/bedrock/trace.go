package bedrock

import "encoding/json"

const (
	// sendMessageTool is the tool the agent uses to deliver its final answer.
	sendMessageTool = "AgentCommunication__sendMessage"
	// userRecipient marks tool messages addressed to the end user.
	userRecipient = "User"
)

type rawModelResponse struct {
	Output struct {
		Message struct {
			Content []rawContentItem `json:"content"`
		} `json:"message"`
	} `json:"output"`
}

type rawContentItem struct {
	ToolUse *rawToolUse `json:"toolUse"`
}

type rawToolUse struct {
	Name  string       `json:"name"`
	Input rawToolInput `json:"input"`
}

type rawToolInput struct {
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
}

// extractToolMessage parses the raw model response recorded in a trace event
// and returns the content of a send-message tool invocation addressed to the
// user. It returns "" when the payload parses but holds no such invocation.
// Trace content is best-effort diagnostic data, so callers treat a parse
// error as a warning, not a failure.
func extractToolMessage(raw string) (string, error) {
	var parsed rawModelResponse
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return "", err
	}

	var content string
	for _, item := range parsed.Output.Message.Content {
		if item.ToolUse == nil || item.ToolUse.Name != sendMessageTool {
			continue
		}
		if item.ToolUse.Input.Recipient != userRecipient {
			continue
		}
		if item.ToolUse.Input.Content != "" {
			content = item.ToolUse.Input.Content
		}
	}
	return content, nil
}
