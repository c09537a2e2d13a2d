// internal/workers/reporting/render-report/printer.go
package renderreport

import (
	"context"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// PDFPrinter turns a self-contained HTML document into PDF bytes.
type PDFPrinter interface {
	Print(ctx context.Context, html string) ([]byte, error)
}

// ChromePrinter prints through a fresh headless Chrome per document.
type ChromePrinter struct {
	execPath    string
	paperWidth  float64
	paperHeight float64
}

func NewChromePrinter(config *Config) *ChromePrinter {
	return &ChromePrinter{
		execPath:    config.ChromePath,
		paperWidth:  config.PaperWidth,
		paperHeight: config.PaperHeight,
	}
}

func (p *ChromePrinter) Print(ctx context.Context, html string) ([]byte, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
	)
	if p.execPath != "" {
		opts = append(opts, chromedp.ExecPath(p.execPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	var pdf []byte
	err := chromedp.Run(browserCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, html).Do(ctx)
		}),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			pdf, _, err = page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(p.paperWidth).
				WithPaperHeight(p.paperHeight).
				WithMarginTop(0.4).
				WithMarginBottom(0.4).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, err
	}
	return pdf, nil
}
