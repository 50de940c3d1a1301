// Package autoload registers every built-in LLM provider factory.
package autoload

import (
	_ "threadflow/pkg/llm/anthropiclm"
	_ "threadflow/pkg/llm/gemini"
	_ "threadflow/pkg/llm/ollama"
	_ "threadflow/pkg/llm/openailm"
)
