package protocol

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

const serverProduct = "httpd version 1.0"

// Response is one outgoing response. The zero value is not usable;
// build one with Build or BuildBody.
type Response struct {
	protocol string
	status   int
	message  string
	headers  map[string]string
	body     []byte
}

// Build assembles a bodyless response for the status code with the
// date, server and content-length headers filled in.
func Build(status int) Response {
	return BuildBody(status, nil)
}

// BuildBody assembles a response carrying the body. The date header is
// the current UNIX time in seconds.
func BuildBody(status int, body []byte) Response {
	r := Response{
		protocol: Protocol1_1,
		status:   status,
		message:  ReasonPhrase(status),
		headers:  make(map[string]string),
		body:     body,
	}
	r.headers["date"] = strconv.FormatInt(time.Now().Unix(), 10)
	r.headers["server"] = serverProduct
	r.headers["content-length"] = strconv.Itoa(len(body))
	return r
}

func (r *Response) Protocol() string {
	return r.protocol
}

func (r *Response) Status() int {
	return r.status
}

func (r *Response) Message() string {
	return r.message
}

// AddHeader stores the pair under the lowercased key, overwriting any
// previous value for it.
func (r *Response) AddHeader(key, value string) {
	if r.headers == nil {
		r.headers = make(map[string]string)
	}
	r.headers[strings.ToLower(key)] = value
}

// Header returns the value stored for the key, empty when absent.
func (r *Response) Header(key string) string {
	return r.headers[strings.ToLower(key)]
}

func (r *Response) CountHeaders() int {
	return len(r.headers)
}

func (r *Response) Body() []byte {
	return r.body
}

// SetBody replaces the body and keeps content-length in step.
func (r *Response) SetBody(body []byte) {
	r.body = body
	r.AddHeader("content-length", strconv.Itoa(len(body)))
}

// String renders the response in wire form, headers in sorted key order.
func (r *Response) String() string {
	var b strings.Builder
	b.WriteString(r.protocol)
	b.WriteByte(' ')
	b.WriteString(strconv.Itoa(r.status))
	b.WriteByte(' ')
	b.WriteString(r.message)
	b.WriteString("\r\n")
	keys := make([]string, 0, len(r.headers))
	for key := range r.headers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		b.WriteString(key)
		b.WriteString(": ")
		b.WriteString(r.headers[key])
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	b.Write(r.body)
	return b.String()
}
