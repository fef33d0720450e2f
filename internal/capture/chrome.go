package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

const (
	pageHeightScript = `Math.max(document.body ? document.body.scrollHeight : 0, document.documentElement.scrollHeight)`

	// eagerImagesScript forces lazy images to load and waits for images and fonts.
	eagerImagesScript = `(async () => {
		document.querySelectorAll('img').forEach(img => {
			if (img.loading === 'lazy') img.loading = 'eager';
			if (img.dataset.src) img.src = img.dataset.src;
			if (img.dataset.srcset) img.srcset = img.dataset.srcset;
		});
		const pending = Array.from(document.images).filter(img => !img.complete).map(img => new Promise(done => {
			img.addEventListener('load', done, {once: true});
			img.addEventListener('error', done, {once: true});
			setTimeout(done, 5000);
		}));
		await Promise.all(pending);
		if (document.fonts) await document.fonts.ready;
		return true;
	})()`
)

// ChromeBrowser captures views with a headless Chrome started per call, so
// concurrent captures never share cookies, storage or tabs.
type ChromeBrowser struct {
	NavigateTimeout time.Duration
	ViewportWidth   int
	ViewportHeight  int
	MinViews        int
	MaxViews        int
	SettleDelay     time.Duration
	ExecPath        string
}

func (b ChromeBrowser) CaptureViews(ctx context.Context, targetURL string) ([]Frame, error) {
	width, height := b.viewport()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.WindowSize(width, height),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("mute-audio", true),
	)
	if b.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(b.ExecPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	// start the browser outside the navigation deadline
	if err := chromedp.Run(browserCtx); err != nil {
		return nil, classifyError("start browser", err)
	}

	pageHeight, err := b.navigate(browserCtx, targetURL, width, height)
	if err != nil {
		return nil, err
	}

	views := PlanViews(pageHeight, height, b.MinViews, b.MaxViews)
	frames := make([]Frame, 0, len(views))
	for _, view := range views {
		frame, err := b.captureView(browserCtx, view, width, height)
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

func (b ChromeBrowser) navigate(ctx context.Context, targetURL string, width, height int) (int, error) {
	navCtx, cancel := context.WithTimeout(ctx, b.navigateTimeout())
	defer cancel()

	var pageHeight float64
	err := chromedp.Run(navCtx,
		chromedp.EmulateViewport(int64(width), int64(height)),
		chromedp.Navigate(targetURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Evaluate(eagerImagesScript, nil, awaitPromise),
		chromedp.Evaluate(pageHeightScript, &pageHeight),
	)
	if err != nil {
		return 0, classifyError("navigate to "+targetURL, err)
	}
	return int(pageHeight), nil
}

func (b ChromeBrowser) captureView(ctx context.Context, view View, width, height int) (Frame, error) {
	shotCtx, cancel := context.WithTimeout(ctx, b.navigateTimeout())
	defer cancel()

	var buf []byte
	var actions chromedp.Tasks
	switch view.Kind {
	case ViewMobile:
		actions = append(actions, chromedp.EmulateViewport(mobileViewportWidth, mobileViewportHeight, chromedp.EmulateMobile))
	default:
		actions = append(actions, chromedp.EmulateViewport(int64(width), int64(height)))
	}
	actions = append(actions,
		chromedp.Evaluate(fmt.Sprintf("window.scrollTo(0, %d)", view.ScrollY), nil),
		chromedp.Sleep(b.settleDelay()),
	)
	if view.Kind == ViewFullPage {
		// quality 100 keeps the capture in PNG
		actions = append(actions, chromedp.FullScreenshot(&buf, 100))
	} else {
		actions = append(actions, chromedp.CaptureScreenshot(&buf))
	}

	if err := chromedp.Run(shotCtx, actions); err != nil {
		return Frame{}, classifyError("capture "+view.Label, err)
	}
	return Frame{View: view, Image: buf, Format: "png"}, nil
}

func awaitPromise(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithAwaitPromise(true)
}

func (b ChromeBrowser) viewport() (int, int) {
	width, height := b.ViewportWidth, b.ViewportHeight
	if width <= 0 {
		width = 1440
	}
	if height <= 0 {
		height = 900
	}
	return width, height
}

func (b ChromeBrowser) navigateTimeout() time.Duration {
	if b.NavigateTimeout <= 0 {
		return 30 * time.Second
	}
	return b.NavigateTimeout
}

func (b ChromeBrowser) settleDelay() time.Duration {
	if b.SettleDelay < 0 {
		return 0
	}
	return b.SettleDelay
}
