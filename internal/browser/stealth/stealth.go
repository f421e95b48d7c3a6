package stealth

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

//go:embed evasions.js
var evasionsScript string

// Apply constructs a sequence of Chrome DevTools Protocol actions to make the
// headless browser appear more like a standard, user-operated browser. The
// persona drives every override so the JS-visible fingerprint and the
// network-visible headers agree.
func Apply(p schemas.Persona, logger *zap.Logger) chromedp.Tasks {
	logger.Debug("Applying browser stealth persona",
		zap.String("userAgent", p.UserAgent),
		zap.String("platform", p.Platform),
	)

	return chromedp.Tasks{
		// 1. Override the User-Agent and platform together. A mismatched
		// pair is one of the cheapest headless tells.
		emulation.SetUserAgentOverride(p.UserAgent).
			WithPlatform(p.Platform).
			WithAcceptLanguage(p.AcceptLanguage),

		// 2. Inject the evasions script so it runs before any page script.
		// The ActionFunc wrapper is needed because Do() returns two values.
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(evasionsScript).Do(ctx)
			if err != nil {
				return fmt.Errorf("failed to inject evasions script: %w", err)
			}
			return nil
		}),

		// 3. Set the timezone.
		emulation.SetTimezoneOverride(p.Timezone),

		// 4. Keep the Accept-Language header consistent with the JS-visible
		// navigator.languages value.
		network.SetExtraHTTPHeaders(network.Headers{
			"Accept-Language": p.AcceptLanguage,
		}),
	}
}
