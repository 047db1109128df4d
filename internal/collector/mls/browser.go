package mls

import (
	"context"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/desertmls/harvester/internal/antidetect"
	"github.com/desertmls/harvester/internal/config"
)

// stealthScript runs before any page script and erases the most common
// automation tells.
const stealthScript = `
Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
Object.defineProperty(navigator, 'languages', { get: () => ['en-US', 'en'] });
Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3, 4, 5] });
window.chrome = window.chrome || { runtime: {} };
const origQuery = window.navigator.permissions.query;
window.navigator.permissions.query = (parameters) => (
  parameters.name === 'notifications'
    ? Promise.resolve({ state: Notification.permission })
    : origQuery(parameters)
);
`

// chromedpNavigator returns the production navigator: a headless browser
// per page fetch, fingerprinted from the session profile and egressing
// through the leased proxy.
func chromedpNavigator(cfg config.MLSConfig) navigateFunc {
	return func(ctx context.Context, pageURL, proxyURL string, profile *antidetect.Profile) (string, error) {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.ProxyServer(proxyURL),
			chromedp.UserAgent(profile.UserAgent),
			chromedp.WindowSize(profile.Viewport.Width, profile.Viewport.Height),
			chromedp.Flag("disable-blink-features", "AutomationControlled"),
			chromedp.Flag("lang", profile.Languages[0]),
		)
		allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
		defer cancelAlloc()
		browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
		defer cancelBrowser()

		var html string
		err := chromedp.Run(browserCtx,
			chromedp.ActionFunc(func(ctx context.Context) error {
				_, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx)
				return err
			}),
			emulation.SetTimezoneOverride(profile.Timezone),
			emulation.SetGeolocationOverride().
				WithLatitude(profile.Latitude).
				WithLongitude(profile.Longitude).
				WithAccuracy(100),
			chromedp.Navigate(pageURL),
			chromedp.WaitReady("body", chromedp.ByQuery),
			chromedp.Sleep(profile.HumanizedDelay(500*time.Millisecond, 1500*time.Millisecond)),
			chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		)
		return html, err
	}
}
