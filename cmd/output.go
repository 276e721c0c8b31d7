// File: cmd/output.go
package cmd

import (
	"fmt"
	"io"
	"unicode/utf8"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/asynchttp/pkg/customhttp"
	"github.com/xkilldash9x/asynchttp/pkg/network"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// responseView is the --json rendering of a response.
type responseView struct {
	Status       int               `json:"status"`
	Reason       string            `json:"reason"`
	Headers      []headerView      `json:"headers"`
	Cookies      map[string]string `json:"cookies,omitempty"`
	Chunked      bool              `json:"chunked"`
	Encoding     string            `json:"encoding,omitempty"`
	Upgraded     bool              `json:"upgraded,omitempty"`
	DownloadedTo string            `json:"downloaded_to,omitempty"`
	Body         string            `json:"body,omitempty"`
	BodyBase64   []byte            `json:"body_base64,omitempty"`
}

type headerView struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func newResponseView(resp *customhttp.Response) responseView {
	view := responseView{
		Status:       resp.StatusCode,
		Reason:       resp.Reason,
		Headers:      make([]headerView, 0, len(resp.Header)),
		Chunked:      resp.Chunked,
		Upgraded:     resp.Upgraded,
		DownloadedTo: resp.DownloadedTo,
	}
	if resp.Encoding != network.EncodingIdentity {
		view.Encoding = resp.Encoding.String()
	}
	for _, h := range resp.Header {
		view.Headers = append(view.Headers, headerView{Name: h.Name, Value: h.Value})
	}
	if len(resp.Cookies) > 0 {
		view.Cookies = make(map[string]string, len(resp.Cookies))
		for _, c := range resp.Cookies {
			view.Cookies[c.Name] = c.Value
		}
	}
	if utf8.Valid(resp.Body) {
		view.Body = string(resp.Body)
	} else {
		view.BodyBase64 = resp.Body
	}
	return view
}

func writeResponse(w io.Writer, resp *customhttp.Response, opts *requestOptions) error {
	if opts.jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(newResponseView(resp))
	}

	if opts.include {
		fmt.Fprintf(w, "HTTP/1.1 %d %s\n", resp.StatusCode, resp.Reason)
		for _, h := range resp.Header {
			fmt.Fprintf(w, "%s: %s\n", h.Name, h.Value)
		}
		for _, raw := range resp.SetCookieHeaders {
			fmt.Fprintf(w, "set-cookie: %s\n", raw)
		}
		fmt.Fprintln(w)
	}
	if resp.DownloadedTo != "" {
		_, err := fmt.Fprintf(w, "saved to %s\n", resp.DownloadedTo)
		return err
	}
	_, err := w.Write(resp.Body)
	return err
}
