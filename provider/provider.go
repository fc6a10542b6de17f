// Package provider classifies outbound API targets into a closed provider
// enumeration. Classification is by URL host; unmatched hosts map to Unknown,
// which still allows latency/status capture without token data.
package provider

import "strings"

type Provider string

const (
	OpenAI      Provider = "openai"
	AzureOpenAI Provider = "azure_openai"
	Anthropic   Provider = "anthropic"
	Gemini      Provider = "gemini"
	Bedrock     Provider = "bedrock"
	Ollama      Provider = "ollama"
	Unknown     Provider = "unknown"
)

// All lists the known providers, Unknown excluded.
func All() []Provider {
	return []Provider{OpenAI, AzureOpenAI, Anthropic, Gemini, Bedrock, Ollama}
}

// FromString resolves a configured provider name, falling back to Unknown.
func FromString(s string) Provider {
	switch Provider(strings.ToLower(strings.TrimSpace(s))) {
	case OpenAI:
		return OpenAI
	case AzureOpenAI:
		return AzureOpenAI
	case Anthropic:
		return Anthropic
	case Gemini:
		return Gemini
	case Bedrock:
		return Bedrock
	case Ollama:
		return Ollama
	default:
		return Unknown
	}
}

// FromHost classifies an API host name (port included if present).
func FromHost(host string) Provider {
	host = strings.ToLower(host)
	port := ""
	if i := strings.IndexByte(host, ':'); i >= 0 {
		port = host[i+1:]
		host = host[:i]
	}
	switch {
	case strings.Contains(host, "openai.azure.com"):
		return AzureOpenAI
	case strings.Contains(host, "openai.com"):
		return OpenAI
	case strings.Contains(host, "anthropic.com"):
		return Anthropic
	case strings.Contains(host, "generativelanguage.googleapis.com"),
		strings.Contains(host, "aiplatform.googleapis.com"):
		return Gemini
	case strings.Contains(host, "bedrock") && strings.Contains(host, "amazonaws.com"):
		return Bedrock
	case port == "11434":
		// Ollama's default port. Other local services are
		// indistinguishable by host alone; the allow-list decides.
		return Ollama
	default:
		return Unknown
	}
}
