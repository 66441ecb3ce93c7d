package types

// PromptPart is an outgoing message part sent with a prompt.
type PromptPart struct {
	Type      string `json:"type"` // "text" | "file"
	Text      string `json:"text,omitempty"`
	Filename  string `json:"filename,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	URL       string `json:"url,omitempty"`
}

// TextPrompt builds a single-part text prompt.
func TextPrompt(text string) []PromptPart {
	return []PromptPart{{Type: "text", Text: text}}
}
