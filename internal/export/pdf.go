package export

import (
	"context"
	"fmt"
	"html"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

const pdfTimeout = 30 * time.Second

// A4 in inches; chromium takes paper sizes in inches.
const (
	a4Width  = 8.27
	a4Height = 11.69
	marginIn = 0.75
)

var chromiumBinaries = []string{"chromium-browser", "chromium", "google-chrome"}

func (s *Service) chromiumAvailable() bool {
	for _, name := range chromiumBinaries {
		if _, err := s.lookPath(name); err == nil {
			return true
		}
	}
	return false
}

// pdfFooter labels every page with the document key and the page count.
func pdfFooter(doc rendered) string {
	return `<div style="font-size:8px;width:100%;padding:0 0.75in;display:flex;justify-content:space-between;color:#666">` +
		`<span>` + html.EscapeString(doc.key.String()) + `</span>` +
		`<span>Redacted preview &middot; <span class="pageNumber"></span>/<span class="totalPages"></span></span>` +
		`</div>`
}

// exportPDF prints the rendered page with headless chromium. The page is
// injected into a blank tab instead of being encoded into a URL.
func (s *Service) exportPDF(ctx context.Context, doc rendered) (*Result, error) {
	if !s.chromiumAvailable() {
		return nil, fmt.Errorf("%w: chromium not installed", ErrPDFDependencyMissing)
	}

	ctx, cancel := context.WithTimeout(ctx, pdfTimeout)
	defer cancel()

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)...)
	defer cancelAlloc()

	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	defer cancelTab()

	var pdf []byte
	err := chromedp.Run(tabCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, doc.html).Do(ctx)
		}),
		chromedp.WaitReady("body"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			pdf, _, err = page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(a4Width).
				WithPaperHeight(a4Height).
				WithMarginTop(marginIn).
				WithMarginBottom(marginIn).
				WithMarginLeft(marginIn).
				WithMarginRight(marginIn).
				WithDisplayHeaderFooter(true).
				WithHeaderTemplate("<span></span>").
				WithFooterTemplate(pdfFooter(doc)).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("print %s to pdf: %w", doc.key, err)
	}
	return fileResult(doc.title, "pdf", "application/pdf", pdf), nil
}
