package core

import (
	"fmt"
	"maps"
	"net/http"
	"net/url"
)

type Params map[string]any

// Security describes how a request must be authenticated.
type Security int

const (
	// SecurityNone sends the request without credentials.
	SecurityNone Security = iota
	// SecurityAPIKey sends only the API key header.
	SecurityAPIKey
	// SecuritySigned sends the API key header and a signed query.
	SecuritySigned
)

type Request struct {
	Method   string            `json:"method"`
	Path     string            `json:"path"`
	Query    Params            `json:"query,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Weight   int               `json:"weight"`
	Security Security          `json:"security"`
	// RawQuery, when set, is sent verbatim instead of Query.
	RawQuery string `json:"raw_query,omitempty"`
}

func NewRequest(method, path string) *Request {
	return &Request{
		Method:  method,
		Path:    path,
		Query:   make(Params),
		Headers: make(map[string]string),
		Weight:  1,
	}
}

func (r *Request) SetQuery(key string, value any) *Request {
	if r.Query == nil {
		r.Query = make(Params)
	}
	r.Query[key] = value
	return r
}

func (r *Request) SetHeader(key, value string) *Request {
	if r.Headers == nil {
		r.Headers = make(map[string]string)
	}
	r.Headers[key] = value
	return r
}

func (r *Request) SetWeight(weight int) *Request {
	r.Weight = weight
	return r
}

func (r *Request) SetSecurity(security Security) *Request {
	r.Security = security
	return r
}

func (r *Request) SetQueryParams(params Params) *Request {
	if r.Query == nil {
		r.Query = make(Params)
	}
	maps.Copy(r.Query, params)
	return r
}

// EncodeQuery renders Query as a URL query string sorted by key.
func (r *Request) EncodeQuery() string {
	values := make(url.Values, len(r.Query))
	for k, v := range r.Query {
		values.Set(k, fmt.Sprint(v))
	}
	return values.Encode()
}

// Response is the transport-neutral result of executing a Request.
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

func (r *Response) IsError() bool {
	return r.StatusCode >= 400
}
