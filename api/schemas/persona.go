// api/schemas/persona.go
package schemas

// Persona bundles the identity a browser session presents to the outside
// world. Stealth hardening reads these values so the JS-visible fingerprint
// and the network-visible headers agree.
type Persona struct {
	UserAgent      string `json:"user_agent"`
	AcceptLanguage string `json:"accept_language"`
	Platform       string `json:"platform"`
	ViewportWidth  int    `json:"viewport_width"`
	ViewportHeight int    `json:"viewport_height"`
	Timezone       string `json:"timezone"`
}

// DefaultPersona returns a contemporary desktop Chrome identity.
func DefaultPersona() Persona {
	return Persona{
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/127.0.0.0 Safari/537.36",
		AcceptLanguage: "en-US,en;q=0.9",
		Platform:       "Win32",
		ViewportWidth:  1920,
		ViewportHeight: 1080,
		Timezone:       "America/New_York",
	}
}
