package auth

import (
	"net/http"
	"strings"
)

// CookieJar is an ordered name/value cookie store. Providers frequently
// rotate only a few cookies per response, so updates merge by name rather
// than replacing the whole jar.
type CookieJar struct {
	names  []string
	values map[string]string
}

func NewCookieJar() *CookieJar {
	return &CookieJar{values: make(map[string]string)}
}

// ParseCookieHeader builds a jar from a "a=1; b=2" header string.
func ParseCookieHeader(header string) *CookieJar {
	jar := NewCookieJar()
	for _, part := range strings.Split(header, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || name == "" {
			continue
		}
		jar.Set(name, value)
	}
	return jar
}

func (j *CookieJar) Set(name, value string) {
	if _, exists := j.values[name]; !exists {
		j.names = append(j.names, name)
	}
	j.values[name] = value
}

func (j *CookieJar) Get(name string) (string, bool) {
	v, ok := j.values[name]
	return v, ok
}

func (j *CookieJar) Delete(name string) {
	if _, exists := j.values[name]; !exists {
		return
	}
	delete(j.values, name)
	for i, n := range j.names {
		if n == name {
			j.names = append(j.names[:i], j.names[i+1:]...)
			break
		}
	}
}

// Merge applies the Set-Cookie headers of resp and returns how many cookies
// were set. Expired cookies are removed.
func (j *CookieJar) Merge(resp *http.Response) int {
	merged := 0
	for _, c := range resp.Cookies() {
		if c.MaxAge < 0 {
			j.Delete(c.Name)
			continue
		}
		j.Set(c.Name, c.Value)
		merged++
	}
	return merged
}

func (j *CookieJar) Len() int { return len(j.names) }

// Header renders the jar as a Cookie request header value.
func (j *CookieJar) Header() string {
	parts := make([]string, 0, len(j.names))
	for _, name := range j.names {
		parts = append(parts, name+"="+j.values[name])
	}
	return strings.Join(parts, "; ")
}

// Apply sets the Cookie header on req, replacing any existing one.
func (j *CookieJar) Apply(req *http.Request) {
	if j.Len() == 0 {
		return
	}
	req.Header.Set("Cookie", j.Header())
}
