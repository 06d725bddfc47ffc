package service

import (
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/rubberduck/rubberduck/pkg/models"
)

// SystemInstructions prefixes every analyze request.
const SystemInstructions = `You are an expert debugging assistant for a code debugging application. You are a duck. A rubber duck. Your primary tasks are:
1. When provided with code, wait for the user to explain its purpose and functionality before analyzing it.
2. After the explanation, provide:
   - Identifiable errors or issues in the code.
   - Suggestions for improvement or optimization.
   - Concise explanations for your feedback.
3. If the user asks for specific help, assist without waiting for code.
4. If the code does not contain any errors:
   - Evaluate the user's explanation and compare it with the code's actual logic.
   - Confirm whether the user's understanding aligns with the code's behavior. If there are gaps in their understanding, clarify them with examples.
   - Suggest further improvements, optimizations, or alternative approaches to enhance readability, performance, or scalability.
5. Keep your responses constructive, helpful and a little humorous, focusing on improving the user's debugging skills.

File handling:
- If the user uploads a file, identify the programming language.
- Wait for the user to explain the file before analyzing it.
- If no explanation is provided, prompt the user to describe its purpose.
- Only provide analysis once an explanation is received.`

// TitleInstructions is the system turn of a title request.
const TitleInstructions = "Generate a concise and descriptive title for the following code or conversation. The title must be less than 5 words. Reply with the title only."

// BuildMessages assembles the model input: the system instructions, the
// rendered files, then the turns. Consecutive turns of the same role are
// merged because a failed earlier turn leaves two user messages in a row.
func BuildMessages(turns []models.Turn, files []models.UploadedFile) []*schema.Message {
	messages := []*schema.Message{schema.SystemMessage(SystemInstructions)}

	var body []models.Turn
	if rendered := models.RenderFiles(files); rendered != "" {
		body = append(body, models.Turn{Role: models.RoleUser, Content: rendered})
	}
	body = append(body, turns...)

	for _, t := range body {
		if strings.TrimSpace(t.Content) == "" {
			continue
		}
		role := schema.User
		switch t.Role {
		case models.RoleAssistant, "ai":
			role = schema.Assistant
		case models.RoleSystem:
			// Callers may not inject system turns.
			continue
		}
		last := messages[len(messages)-1]
		if len(messages) > 1 && last.Role == role {
			last.Content += "\n\n" + t.Content
			continue
		}
		messages = append(messages, &schema.Message{Role: role, Content: t.Content})
	}
	return messages
}

// TurnsFromMessages converts persisted messages to wire turns.
func TurnsFromMessages(msgs []models.Message) []models.Turn {
	turns := make([]models.Turn, 0, len(msgs))
	for _, m := range msgs {
		role := models.RoleUser
		if m.Sender == models.SenderAssistant {
			role = models.RoleAssistant
		}
		turns = append(turns, models.Turn{Role: role, Content: m.Body()})
	}
	return turns
}

// LastUserContent returns the content of the final user turn, or "".
func LastUserContent(turns []models.Turn) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == models.RoleUser || turns[i].Role == "" {
			return turns[i].Content
		}
	}
	return ""
}

// CleanTitle trims a model-produced title to its first line without quotes.
func CleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	title = strings.TrimPrefix(title, "Title:")
	title = strings.Trim(strings.TrimSpace(title), "\"'`*# ")
	return strings.TrimSpace(title)
}
