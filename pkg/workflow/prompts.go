package workflow

import (
	"fmt"
	"strings"

	"github.com/harun/screencraft/pkg/llm"
)

const (
	// ConfirmationPrompt asks the user to accept a generated edit.
	ConfirmationPrompt = "Below is the modified screen as per your query, do you want me to proceed with the changes?"

	// ImageRedaction stands in for image payloads in the message history.
	ImageRedaction = "[image-data-noout]"

	intentParseMessage   = "Could not understand the request. Please describe the task, screen and application."
	feedbackParseMessage = "Could not understand your feedback. Please answer yes or no, optionally with the change you want."
	noKnowledgeContext   = "No relevant screens found in the knowledge base."
)

const intentSystemPrompt = `You are an intent extraction assistant.
Extract the task, screen, and application from the user's request.

Return your response as a valid JSON object with these exact fields:
- task: The task the user wants to perform
- screen: The screen name or identifier
- application: The application name

If any information is missing or unclear, make a reasonable inference based on context.
Respond with the JSON object only.`

const feedbackSystemPrompt = `You are a query analyser assistant.
The user was shown an edited screen and asked whether to proceed with the changes.

Return your response as a valid JSON object with these exact fields:
- yes_no: true if the user accepts the edit, false otherwise (boolean)
- refined_query: any additional instruction the user gave for the edit, or an empty string

Respond with the JSON object only.`

func intentMessages(s AgentState) []llm.Message {
	msgs := []llm.Message{llm.System(intentSystemPrompt)}
	if s.Task != "" {
		msgs = append(msgs, llm.System("The previous request in this conversation was: "+s.Task))
	}
	return append(msgs, llm.User(s.UserInput))
}

func summaryMessages(content string, words int) []llm.Message {
	return []llm.Message{
		llm.System("You are a summary assistant.\nGiven is the elaborate screen context describing its purpose, layout and features.\n\nScreen Context:\n" + content),
		llm.User(fmt.Sprintf("Provide a summary under %d words to describe the screen.", words)),
	}
}

func feedbackMessages(s AgentState) []llm.Message {
	return []llm.Message{
		llm.System(feedbackSystemPrompt),
		llm.User(s.UserInput),
	}
}

// responseMessages builds the answer prompt from the top knowledge base
// result and the conversation history.
func responseMessages(s AgentState) []llm.Message {
	var history strings.Builder
	for _, m := range s.Messages {
		fmt.Fprintf(&history, "%s : %s\n", m.Role, m.Content)
	}

	system := fmt.Sprintf(`You are an AI assistant helping with screen and application management.

Knowledge Base Context:
%s

Conversation History:
%s
Based on the user's task and the relevant information from the knowledge base, provide a helpful and detailed response.
Suggest specific changes or improvements that align with the user's requirements. Also, check conversation history while providing suggestions.`,
		knowledgeContext(s), history.String())

	request := s.Task
	if request == "" {
		request = s.UserInput
	}
	return []llm.Message{llm.System(system), llm.User(request)}
}

func knowledgeContext(s AgentState) string {
	top, ok := s.TopResult()
	if !ok || strings.TrimSpace(top.Content) == "" {
		return noKnowledgeContext
	}
	return top.Content
}

func retryLimitMessage(attempts int) string {
	return fmt.Sprintf("The screen was regenerated %d times without approval. Please start a new request with more detail about the change you want.", attempts)
}

// composeTask renders an intent as a single task line.
func composeTask(i intent) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(i.Task))

	screen := strings.TrimSpace(i.Screen)
	app := strings.TrimSpace(i.Application)
	if screen != "" {
		b.WriteString(" on the ")
		b.WriteString(screen)
		lower := strings.ToLower(screen)
		if !strings.HasSuffix(lower, "screen") && !strings.HasSuffix(lower, "page") {
			b.WriteString(" screen")
		}
	}
	if app != "" {
		if screen != "" {
			b.WriteString(" of ")
		} else {
			b.WriteString(" in ")
		}
		b.WriteString(app)
	}
	return b.String()
}
