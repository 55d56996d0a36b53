package gemini

import "fmt"

// Endpoint implements providers.RawProvider. Google's generateContent
// endpoint is keyed by model in the path; the streaming variant is a
// distinct path plus "?alt=sse" rather than a body field.
func (p *Provider) Endpoint(model string, stream bool) (string, error) {
	if model == "" {
		return "", fmt.Errorf("gemini: model is required")
	}
	if stream {
		return fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", p.baseURL, model), nil
	}
	return fmt.Sprintf("%s/models/%s:generateContent", p.baseURL, model), nil
}

// AuthHeaders implements providers.RawProvider.
func (p *Provider) AuthHeaders(apiKey string) map[string]string {
	return map[string]string{"x-goog-api-key": apiKey}
}
