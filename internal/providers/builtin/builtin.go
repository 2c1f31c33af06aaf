// Package builtin registra i driver dei provider supportati.
package builtin

import (
	"github.com/biodoia/novelcorpus/internal/providers"
	"github.com/biodoia/novelcorpus/internal/providers/anthropic"
	"github.com/biodoia/novelcorpus/internal/providers/gemini"
	"github.com/biodoia/novelcorpus/internal/providers/generic"
	"github.com/biodoia/novelcorpus/internal/providers/openai"
)

// Drivers restituisce tutti i driver predefiniti
func Drivers() []providers.Driver {
	return []providers.Driver{
		openai.Driver("openai", openai.DefaultBaseURL, openai.DefaultModel),
		openai.Driver("deepseek", "https://api.deepseek.com", "deepseek-chat"),
		openai.Driver("moonshot", "https://api.moonshot.cn", "moonshot-v1-8k"),
		openai.Driver("zeroone", "https://api.lingyiwanwu.com", "yi-large"),
		anthropic.Driver(),
		gemini.Driver(),
		generic.Driver("glm", "https://open.bigmodel.cn/api/paas/v4/chat/completions", "glm-4", generic.ShapeChat),
		generic.Driver("qwen", "https://dashscope.aliyuncs.com/api/v1/services/aigc/text-generation/generation", "qwen-turbo", generic.ShapeDashScope),
		generic.Driver("custom", "", "", generic.ShapeChat),
	}
}

// Registry crea un registry con tutti i driver predefiniti
func Registry() *providers.Registry {
	r := providers.NewRegistry()
	for _, d := range Drivers() {
		// I nomi sono unici per costruzione
		_ = r.Register(d)
	}
	return r
}
