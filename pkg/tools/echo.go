package tools

import (
	"context"
	"fmt"
)

// EchoTool returns its input unchanged. It exists so the pipeline can be
// exercised end to end without granting the model real capabilities.
type EchoTool struct{}

func (EchoTool) Name() string        { return "echo" }
func (EchoTool) Description() string { return "Returns the provided text unchanged." }

func (EchoTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{
				"type":        "string",
				"description": "Text to echo back.",
			},
		},
		"required": []string{"text"},
	}
}

func (EchoTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	text, _ := args["text"].(string)
	if text == "" {
		return nil, fmt.Errorf("echo: missing 'text' argument")
	}
	return &Result{Content: text}, nil
}
