// Package rangereq synthesizes partial-content responses from fully cached
// bodies so media seeking never has to go back to the network.
package rangereq

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/Sternrassler/reqcache/pkg/cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var rangeResponses = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "reqcache_range_responses_total",
	Help: "Total synthesized range responses by status",
}, []string{"status"})

// ErrRangeNotSatisfiable indicates the requested range lies outside the body
// or the Range header could not be parsed.
var ErrRangeNotSatisfiable = errors.New("range not satisfiable")

// Spec is a single byte range as requested. Start < 0 marks a suffix range
// ("bytes=-N", last N bytes); End < 0 marks an open-ended range ("bytes=N-").
type Spec struct {
	Start int64
	End   int64
}

// ParseRange parses a Range header. Only the first range of a multi-range
// request is honored.
func ParseRange(header string) (Spec, error) {
	header = strings.TrimSpace(header)
	unit, set, ok := strings.Cut(header, "=")
	if !ok || strings.TrimSpace(strings.ToLower(unit)) != "bytes" {
		return Spec{}, fmt.Errorf("%w: unsupported range %q", ErrRangeNotSatisfiable, header)
	}

	first, _, _ := strings.Cut(set, ",")
	first = strings.TrimSpace(first)
	startStr, endStr, ok := strings.Cut(first, "-")
	if !ok {
		return Spec{}, fmt.Errorf("%w: malformed range %q", ErrRangeNotSatisfiable, header)
	}
	startStr = strings.TrimSpace(startStr)
	endStr = strings.TrimSpace(endStr)

	switch {
	case startStr == "" && endStr == "":
		return Spec{}, fmt.Errorf("%w: empty range %q", ErrRangeNotSatisfiable, header)
	case startStr == "":
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n < 0 {
			return Spec{}, fmt.Errorf("%w: malformed suffix %q", ErrRangeNotSatisfiable, header)
		}
		return Spec{Start: -1, End: n}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return Spec{}, fmt.Errorf("%w: malformed start %q", ErrRangeNotSatisfiable, header)
	}
	if endStr == "" {
		return Spec{Start: start, End: -1}, nil
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return Spec{}, fmt.Errorf("%w: malformed end %q", ErrRangeNotSatisfiable, header)
	}
	return Spec{Start: start, End: end}, nil
}

// Resolve converts the spec into inclusive offsets within a body of size bytes.
// An end beyond the body is clamped to the last byte.
func (s Spec) Resolve(size int64) (start, end int64, err error) {
	if size <= 0 {
		return 0, 0, fmt.Errorf("%w: empty body", ErrRangeNotSatisfiable)
	}

	if s.Start < 0 {
		if s.End == 0 {
			return 0, 0, fmt.Errorf("%w: zero-length suffix", ErrRangeNotSatisfiable)
		}
		start = size - s.End
		if start < 0 {
			start = 0
		}
		return start, size - 1, nil
	}

	if s.Start >= size {
		return 0, 0, fmt.Errorf("%w: start %d beyond length %d", ErrRangeNotSatisfiable, s.Start, size)
	}
	end = s.End
	if end < 0 || end >= size {
		end = size - 1
	}
	return s.Start, end, nil
}

// Synthesize builds a 206 response for the Range header from a full entry.
func Synthesize(entry *cache.Entry, rangeHeader string, req *http.Request) (*http.Response, error) {
	spec, err := ParseRange(rangeHeader)
	if err != nil {
		return nil, err
	}
	size := int64(len(entry.Body))
	start, end, err := spec.Resolve(size)
	if err != nil {
		return nil, err
	}

	body := entry.Body[start : end+1]
	headers := entry.Headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	headers.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	headers.Set("Content-Length", strconv.Itoa(len(body)))
	headers.Set("Accept-Ranges", "bytes")

	rangeResponses.WithLabelValues("206").Inc()
	return &http.Response{
		Status:        "206 Partial Content",
		StatusCode:    http.StatusPartialContent,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        headers,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}, nil
}

// NotSatisfiable builds the 416 response returned for an unsatisfiable range.
func NotSatisfiable(size int, req *http.Request) *http.Response {
	rangeResponses.WithLabelValues("416").Inc()
	headers := http.Header{}
	headers.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
	headers.Set("Content-Length", "0")
	return &http.Response{
		Status:     "416 Range Not Satisfiable",
		StatusCode: http.StatusRequestedRangeNotSatisfiable,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     headers,
		Body:       io.NopCloser(bytes.NewReader(nil)),
		Request:    req,
	}
}
