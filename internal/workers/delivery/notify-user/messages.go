// internal/workers/delivery/notify-user/messages.go
package notifyuser

import (
	"fmt"
	"html/template"
	"strings"
)

const (
	summaryPreviewRunes = 200
	reportFilename      = "analysis-report.pdf"

	failureText = "❌ Sorry, something went wrong while analyzing your data. Please try again. " +
		"If the issue persists, check if your CSV format is correct."

	emailSubject = "Your data analysis report is ready"
)

// reportCaption is the WhatsApp caption sent with the PDF.
func reportCaption(summary string) string {
	preview := []rune(summary)
	ellipsis := ""
	if len(preview) > summaryPreviewRunes {
		preview = preview[:summaryPreviewRunes]
		ellipsis = "..."
	}
	return fmt.Sprintf("✅ *Analysis Complete!*\n\n%s%s\n\n📊 Your detailed PDF report is ready 👇", string(preview), ellipsis)
}

func smsText(body, link string) string {
	body = strings.ReplaceAll(body, "*", "")
	if link == "" {
		return body
	}
	return body + "\n" + link
}

func emailBodies(summary, link string) (html, text string) {
	html = fmt.Sprintf(
		"<p>Your analysis is complete.</p><p>%s</p><p><a href=\"%s\">Download the PDF report</a></p>",
		template.HTMLEscapeString(summary), template.HTMLEscapeString(link),
	)
	text = fmt.Sprintf("Your analysis is complete.\n\n%s\n\nDownload the PDF report: %s", summary, link)
	return html, text
}
