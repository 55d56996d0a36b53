package openai

// BaseURL returns the configured upstream base ("https://api.openai.com/v1"
// unless overridden), used by the gateway's raw pass-through routes for
// endpoints the SDK doesn't model (audio, images).
func (p *Provider) BaseURL() string {
	return p.baseURL
}

// AuthHeaders returns the headers to attach for the given API key on a raw
// pass-through request.
func (p *Provider) AuthHeaders(apiKey string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + apiKey}
}
