// ABOUTME: Browser-facing pages for e-mail link redemption
// ABOUTME: Page bodies are written in markdown and rendered to HTML with goldmark

package gateway

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"
	"strings"

	"github.com/yuin/goldmark"
)

var markdown = goldmark.New()

var pageShell = template.Must(template.New("page").Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}} · keygate</title>
<style>body{font-family:system-ui,sans-serif;max-width:36rem;margin:4rem auto;padding:0 1rem;line-height:1.5}</style>
</head>
<body>
{{.Body}}
</body>
</html>
`))

// renderPage converts markdown to a complete HTML document. The markdown must
// not contain raw user input; goldmark drops raw HTML by default.
func renderPage(title, md string) ([]byte, error) {
	var body bytes.Buffer
	if err := markdown.Convert([]byte(md), &body); err != nil {
		return nil, fmt.Errorf("rendering markdown: %w", err)
	}

	var out bytes.Buffer
	err := pageShell.Execute(&out, struct {
		Title string
		Body  template.HTML
	}{Title: title, Body: template.HTML(body.String())})
	if err != nil {
		return nil, fmt.Errorf("rendering page: %w", err)
	}
	return out.Bytes(), nil
}

func writePage(w http.ResponseWriter, status int, title, md string) {
	page, err := renderPage(title, md)
	if err != nil {
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(page)
}

// escapeMarkdown neutralizes characters with markdown meaning.
func escapeMarkdown(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune("\\`*_{}[]()#+-.!<>|~&", r) {
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func redeemOKPage(handle string) string {
	return fmt.Sprintf(`# E-mail verified

Thanks, **%s**. Your address is confirmed.

An administrator still has to approve the registration before you can sign in.
`, escapeMarkdown(handle))
}

func redeemFailedPage(reason string) string {
	return fmt.Sprintf(`# Verification failed

%s.

Links work once and expire after a day. Complete the registration challenge
again to receive a fresh link.
`, escapeMarkdown(reason))
}
