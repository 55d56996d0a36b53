package anthropic

import "strings"

// Endpoint implements providers.RawProvider. Anthropic has a single
// messages endpoint; streaming is controlled by the "stream" field in the
// request body, not by the URL, so stream is accepted but unused.
func (p *Provider) Endpoint(_ string, _ bool) (string, error) {
	return p.baseURL + "/messages", nil
}

// AuthHeaders implements providers.RawProvider. OAuth tokens (used by
// Claude Code / Claude.ai sessions) carry a distinct prefix and go through
// Authorization: Bearer plus the oauth beta flag instead of x-api-key.
func (p *Provider) AuthHeaders(apiKey string) map[string]string {
	const anthropicVersion = "2023-06-01"

	if strings.HasPrefix(apiKey, "sk-ant-oat01-") {
		return map[string]string{
			"Authorization":     "Bearer " + apiKey,
			"anthropic-version": anthropicVersion,
			"anthropic-beta":    "oauth-2025-04-20",
		}
	}

	return map[string]string{
		"x-api-key":         apiKey,
		"anthropic-version": anthropicVersion,
	}
}
