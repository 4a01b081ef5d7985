package protocol

import (
	"strconv"
	"strings"

	"github.com/kfcemployee/httpd/server/engine"
)

// Stage is the position of a Parser inside one request.
type Stage int

const (
	StageStart Stage = iota
	StageMethod
	StageURL
	StageProtocol
	StageHeader
	StageBody
	StageEnd
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageStart:
		return "start"
	case StageMethod:
		return "method"
	case StageURL:
		return "url"
	case StageProtocol:
		return "protocol"
	case StageHeader:
		return "header"
	case StageBody:
		return "body"
	case StageEnd:
		return "end"
	case StageFailed:
		return "failed"
	}
	return "unknown"
}

// Parser consumes a Reader's buffer incrementally and populates one
// Request. Parse may be called repeatedly as bytes arrive; it falls
// through completed stages within one call and yields when the current
// stage lacks input. StageEnd and StageFailed are terminal until
// Restart.
type Parser struct {
	stage   Stage
	request *Request
}

func NewParser() *Parser {
	return &Parser{stage: StageStart, request: NewRequest()}
}

func (p *Parser) Stage() Stage {
	return p.stage
}

func (p *Parser) Request() *Request {
	return p.request
}

// Restart drops the in-progress request and returns to StageStart.
func (p *Parser) Restart() {
	p.stage = StageStart
	p.request = NewRequest()
}

func (p *Parser) Parse(reader *engine.Reader) {
	if p.stage == StageStart {
		p.stage = StageMethod
	}
	if p.stage == StageMethod {
		position := reader.Position(" ")
		if position == -1 {
			return
		}
		token := string(reader.PopSegmentAt(position))
		method := ParseMethod(token)
		if token == "" || method == Invalid {
			p.stage = StageFailed
			return
		}
		p.request.SetMethod(method)
		p.stage = StageURL
	}
	if p.stage == StageURL {
		position := reader.Position(" ")
		if position == -1 {
			return
		}
		url := string(reader.PopSegmentAt(position))
		if url == "" || url[0] != '/' || strings.Contains(url, "//") {
			p.stage = StageFailed
			return
		}
		p.request.SetURL(url)
		p.stage = StageProtocol
	}
	if p.stage == StageProtocol {
		if !reader.IsInBuffer("\r\n") {
			return
		}
		token := string(reader.PopSegment("\r\n"))
		if token != Protocol1_1 {
			p.stage = StageFailed
			return
		}
		p.request.SetProtocol(token)
		p.stage = StageHeader
	}
	if p.stage == StageHeader {
		// the protocol stage already consumed the request line's \r\n, so
		// a request without header lines leaves only the blank line
		noHeaders := strings.HasPrefix(string(reader.Buffer()), "\r\n")
		if !noHeaders && !reader.IsInBuffer("\r\n\r\n") {
			return
		}
		for {
			line := reader.PopSegment("\r\n")
			if len(line) == 0 {
				break
			}
			key, value, ok := splitHeaderLine(string(line))
			if !ok {
				p.stage = StageFailed
				return
			}
			p.request.AddHeader(key, value)
		}
		p.stage = StageBody
	}
	if p.stage == StageBody {
		value := p.request.Header("content-length")
		if value == "" {
			p.stage = StageEnd
			return
		}
		declared, _ := strconv.Atoi(value)
		if len(p.request.Body()) < declared {
			chunk := reader.PopLength(declared - len(p.request.Body()))
			p.request.SetBody(append(p.request.Body(), chunk...))
		}
		if len(p.request.Body()) >= declared {
			p.stage = StageEnd
		}
	}
}

// splitHeaderLine cuts a header line at the first colon and trims
// whitespace around both halves. Lines without a colon or with an
// empty half after trimming are rejected.
func splitHeaderLine(line string) (string, string, bool) {
	key, value, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if key == "" || value == "" {
		return "", "", false
	}
	return key, value, true
}
