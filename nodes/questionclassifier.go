package nodes

import (
	"context"
	"strings"

	"github.com/kasmira-labs/chatflow/apperr"
	"github.com/kasmira-labs/chatflow/llm"
	"github.com/kasmira-labs/chatflow/node"
	"github.com/kasmira-labs/chatflow/tmpl"
	"github.com/kasmira-labs/chatflow/workflow"
)

// classifierClass is one candidate class a QuestionClassifier node may
// route to (§4.4.7).
type classifierClass struct {
	ID          string
	Name        string
	Description string
}

// NewQuestionClassifier builds the QuestionClassifier handler (§4.4.7):
// renders query_template, asks the configured LLM to pick one of the
// configured classes, and branches to that class's port.
func NewQuestionClassifier(svc *Services) node.Handler {
	return node.HandlerFunc(func(ctx context.Context, n workflow.Node, in node.Inputs) (node.Result, error) {
		p, _ := node.PoolFrom(ctx)
		resolver := selfResolver{in: in, pool: p}

		queryTemplate := stringField(n.Config, "query_template")
		if queryTemplate == "" {
			return node.Result{}, apperr.New(apperr.ValidationFailed, "question-classifier: query_template must be non-empty").WithNode(n.ID)
		}
		query, err := tmpl.Render(ctx, queryTemplate, resolver)
		if err != nil {
			return node.Result{}, apperr.Wrap(apperr.TemplateRenderFailed, "question-classifier: render query_template", err).WithNode(n.ID)
		}

		classes, err := parseClasses(n.Config["classes"])
		if err != nil {
			return node.Result{}, apperr.Wrap(apperr.ValidationFailed, "question-classifier: parse classes", err).WithNode(n.ID)
		}
		if len(classes) == 0 {
			return node.Result{}, apperr.New(apperr.ValidationFailed, "question-classifier: at least one class is required").WithNode(n.ID)
		}

		instruction := stringField(n.Config, "instruction")
		prompt := buildClassifierPrompt(instruction, classes, query)

		provider, _ := n.Config["provider"].(string)
		model, _ := n.Config["model"].(string)

		resp, err := svc.LLM.Generate(ctx, llm.Request{
			Provider:    provider,
			Model:       model,
			Messages:    []llm.Message{{Role: llm.RoleUser, Content: prompt}},
			Temperature: 0,
			MaxTokens:   32,
		})
		if err != nil {
			return node.Result{}, classifyLLMError(err, n.ID)
		}

		classID := matchClass(resp.Text, classes)
		return node.Result{Branch: "class_" + classID + "_branch"}, nil
	})
}

func parseClasses(raw interface{}) ([]classifierClass, error) {
	items, ok := raw.([]interface{})
	if !ok {
		return nil, apperr.New(apperr.ValidationFailed, "question-classifier: classes must be an array")
	}
	classes := make([]classifierClass, 0, len(items))
	for _, it := range items {
		m, ok := it.(map[string]interface{})
		if !ok {
			continue
		}
		id := stringField(m, "id")
		if id == "" {
			continue
		}
		classes = append(classes, classifierClass{
			ID:          id,
			Name:        stringField(m, "name"),
			Description: stringField(m, "description"),
		})
	}
	return classes, nil
}

// buildClassifierPrompt assembles a single-turn classification prompt
// listing each class id/name/description and asking for the id alone.
func buildClassifierPrompt(instruction string, classes []classifierClass, query string) string {
	var b strings.Builder
	if instruction != "" {
		b.WriteString(instruction)
		b.WriteString("\n\n")
	}
	b.WriteString("Classify the user message into exactly one of the following classes. Respond with only the class id.\n\n")
	for _, c := range classes {
		b.WriteString("- ")
		b.WriteString(c.ID)
		if c.Name != "" {
			b.WriteString(": ")
			b.WriteString(c.Name)
		}
		if c.Description != "" {
			b.WriteString(" (")
			b.WriteString(c.Description)
			b.WriteString(")")
		}
		b.WriteString("\n")
	}
	b.WriteString("\nUser message: ")
	b.WriteString(query)
	return b.String()
}

// matchClass finds the class whose id appears in text, falling back to the
// first configured class when the model's response doesn't clearly name
// one (§4.4.7's "unparseable classification defaults to the first class").
func matchClass(text string, classes []classifierClass) string {
	trimmed := strings.ToLower(strings.TrimSpace(text))
	for _, c := range classes {
		if trimmed == strings.ToLower(c.ID) {
			return c.ID
		}
	}
	for _, c := range classes {
		if strings.Contains(trimmed, strings.ToLower(c.ID)) {
			return c.ID
		}
	}
	return classes[0].ID
}

// QuestionClassifierSchema builds one output port per configured class.
func QuestionClassifierSchema(n workflow.Node) workflow.Ports {
	classes, _ := parseClasses(n.Config["classes"])
	outputs := make([]workflow.Port, 0, len(classes))
	for _, c := range classes {
		outputs = append(outputs, workflow.Port{Name: "class_" + c.ID + "_branch", Type: workflow.PortAny})
	}
	return workflow.Ports{Outputs: outputs}
}
