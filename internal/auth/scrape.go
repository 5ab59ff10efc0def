package auth

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// Form is an HTML form's action and hidden inputs.
type Form struct {
	Action string
	Fields url.Values
}

// ParseForm finds the form with the given id (or the first form when id is
// empty) and collects its hidden inputs. ok is false when no such form exists.
func ParseForm(body []byte, id string) (Form, bool) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return Form{}, false
	}

	form := findForm(doc, id)
	if form == nil {
		return Form{}, false
	}

	result := Form{Action: attr(form, "action"), Fields: url.Values{}}
	collectHidden(form, result.Fields)
	return result, true
}

// HiddenInputs returns every hidden input on the page, in or out of a form.
func HiddenInputs(body []byte) url.Values {
	fields := url.Values{}
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return fields
	}
	collectHidden(doc, fields)
	return fields
}

func collectHidden(n *html.Node, fields url.Values) {
	if n.Type == html.ElementNode && n.Data == "input" && strings.EqualFold(attr(n, "type"), "hidden") {
		if name := attr(n, "name"); name != "" {
			fields.Add(name, attr(n, "value"))
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectHidden(c, fields)
	}
}

func findForm(n *html.Node, id string) *html.Node {
	if n.Type == html.ElementNode && n.Data == "form" && (id == "" || attr(n, "id") == id) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if f := findForm(c, id); f != nil {
			return f
		}
	}
	return nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// FindCSRF returns the first capture group of the first pattern that
// matches body. Tokens are usually embedded in inline scripts or meta tags.
func FindCSRF(body []byte, patterns ...*regexp.Regexp) (string, bool) {
	for _, re := range patterns {
		if m := re.FindSubmatch(body); len(m) > 1 && len(m[1]) > 0 {
			return string(m[1]), true
		}
	}
	return "", false
}
