package catalog

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// BadResponseError is returned when the catalog answers with anything but 200.
type BadResponseError struct {
	Status int
	Body   string
	URL    string
}

func (e *BadResponseError) Error() string {
	if title := e.Title(); title != "" {
		return fmt.Sprintf("catalog returned status %d for %s (%s)", e.Status, e.URL, title)
	}
	return fmt.Sprintf("catalog returned status %d for %s", e.Status, e.URL)
}

// Title returns the <title> of an HTML error page, or "" for any other body.
func (e *BadResponseError) Title() string {
	return htmlTitle(e.Body)
}

// MalformedBodyError is returned when a 200 response is not valid JSON.
type MalformedBodyError struct {
	Body string
	Err  error
}

func (e *MalformedBodyError) Error() string {
	return "catalog returned a malformed JSON body: " + e.Err.Error()
}

func (e *MalformedBodyError) Unwrap() error { return e.Err }

func htmlTitle(body string) string {
	if !strings.Contains(strings.ToLower(body), "<title") {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return ""
	}
	return strings.Join(strings.Fields(doc.Find("title").First().Text()), " ")
}
