package consensus

import (
	"encoding/json"
	"strings"

	"github.com/hupe1980/quorum/internal/util"
)

// DefaultTaskInstructions is used for task types without instructions.
const DefaultTaskInstructions = "Respond helpfully and accurately."

// TaskInstructions maps task types to the guidance appended to prompts.
var TaskInstructions = map[string]string{
	"conversation": "Focus on natural, engaging conversation that moves toward lead qualification. " +
		"Consider the user's emotional state and respond appropriately.",
	"qualification": "Analyze for BANT criteria (Budget, Authority, Need, Timeline). " +
		"Look for buying signals and decision-making indicators.",
	"objection_handling": "Address concerns with empathy while maintaining sales momentum. " +
		"Provide evidence-based responses and social proof when relevant.",
	"booking": "Guide toward scheduling a discovery call or next step. " +
		"Create urgency while remaining helpful and non-pushy.",
	"analysis": "Provide detailed analysis with supporting evidence. " +
		"Consider multiple perspectives and potential biases.",
}

const promptTemplate = `{{.Prompt}}

Task Context: {{default "general" .TaskType}}
Special Instructions: {{.Instructions}}
{{- if .TaskConfig}}

Configuration: {{.TaskConfig}}
{{- end}}`

// EnhancePrompt adds task context, task instructions and the task config to
// prompt.
func EnhancePrompt(prompt, taskType string, taskConfig map[string]any) (string, error) {
	instructions, ok := TaskInstructions[taskType]
	if !ok {
		instructions = DefaultTaskInstructions
	}

	state := map[string]any{
		"Prompt":       strings.TrimSpace(prompt),
		"TaskType":     taskType,
		"Instructions": instructions,
	}
	if len(taskConfig) > 0 {
		b, err := json.MarshalIndent(taskConfig, "", "  ")
		if err != nil {
			return "", err
		}
		state["TaskConfig"] = string(b)
	}

	return util.RenderTemplate(promptTemplate, state)
}
