// File: cmd/request.go
package cmd

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/asynchttp/internal/observability"
	"github.com/xkilldash9x/asynchttp/pkg/customhttp"
)

// clientFlagKeys maps request flags onto client.* configuration keys.
var clientFlagKeys = map[string]string{
	"timeout":         "client.timeout",
	"connect-timeout": "client.connect_timeout",
	"keep-alive":      "client.keep_alive",
	"proxy":           "client.proxy",
	"rate":            "client.send_rate",
	"insecure":        "client.insecure_skip_verify",
	"accept-encoding": "client.accept_encoding",
}

// requestOptions holds the flags every request command shares.
type requestOptions struct {
	headers []string
	cookies []string
	jsonOut bool
	include bool
}

func addClientFlags(cmd *cobra.Command, opts *requestOptions) {
	flags := cmd.Flags()
	flags.StringArrayVarP(&opts.headers, "header", "H", nil, "request header as 'Name: value' (repeatable)")
	flags.StringArrayVar(&opts.cookies, "cookie", nil, "request cookie as 'name=value' (repeatable)")
	flags.BoolVar(&opts.jsonOut, "json", false, "print the response as JSON")
	flags.BoolVarP(&opts.include, "include", "i", false, "print the status line and headers before the body")

	flags.Duration("timeout", 30*time.Second, "response timeout, 0 disables it")
	flags.Duration("connect-timeout", 10*time.Second, "connect and TLS handshake timeout")
	flags.Bool("keep-alive", true, "keep the connection open between requests")
	flags.String("proxy", "", "proxy URL (http://[user:pass@]host:port)")
	flags.Int("rate", 0, "limit outgoing bytes per second, 0 means unlimited")
	flags.Bool("insecure", false, "skip TLS certificate verification")
	flags.String("accept-encoding", "gzip", "Accept-Encoding sent with each request, empty to omit")
}

// bindClientFlags lets flags that were set on the command line override the
// file and environment values of the matching client.* keys.
func bindClientFlags(cmd *cobra.Command, v *viper.Viper) error {
	for name, key := range clientFlagKeys {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag %q: %w", name, err)
		}
	}
	return nil
}

// apply copies headers and cookies from the flags onto req.
func (o *requestOptions) apply(req *customhttp.Request) error {
	for _, raw := range o.headers {
		name, value, ok := strings.Cut(raw, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return fmt.Errorf("invalid header %q, want 'Name: value'", raw)
		}
		req.Header.Add(name, strings.TrimSpace(value))
	}
	for _, raw := range o.cookies {
		name, value, ok := strings.Cut(raw, "=")
		if !ok || name == "" {
			return fmt.Errorf("invalid cookie %q, want 'name=value'", raw)
		}
		req.Cookies = append(req.Cookies, customhttp.Cookie{Name: name, Value: value})
	}
	return nil
}

// proxyHost names the origin in a Host header for requests routed through a
// proxy, unless one was given with -H.
func proxyHost(ctx context.Context, req *customhttp.Request, rawURL string) error {
	cfg, err := getConfigFromContext(ctx)
	if err != nil {
		return err
	}
	if cfg.Client().Proxy == "" || req.Header.Has("Host") {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	req.Header.Set("Host", u.Host)
	return nil
}

// newClient creates a client for rawURL from the configuration in ctx and
// returns the request URI to use with it.
func newClient(ctx context.Context, rawURL string) (*customhttp.Client, string, error) {
	cfg, err := getConfigFromContext(ctx)
	if err != nil {
		return nil, "", err
	}
	_, uri, err := customhttp.ParseTarget(rawURL)
	if err != nil {
		return nil, "", err
	}
	client, err := customhttp.NewClient(ctx, rawURL, cfg.Client(), observability.GetLogger())
	if err != nil {
		return nil, "", err
	}
	return client, uri, nil
}

// runRequest sends req to rawURL and writes the result to the command output.
func runRequest(cmd *cobra.Command, rawURL string, opts *requestOptions, build func(uri string) (*customhttp.Request, error)) error {
	ctx := cmd.Context()
	logger := observability.GetLogger()

	client, uri, err := newClient(ctx, rawURL)
	if err != nil {
		return err
	}
	defer client.Close()

	req, err := build(uri)
	if err != nil {
		return err
	}
	if err := opts.apply(req); err != nil {
		return err
	}
	if err := proxyHost(ctx, req, rawURL); err != nil {
		return err
	}

	start := time.Now()
	resp, err := client.Do(ctx, req)
	if err != nil {
		return err
	}
	logger.Debug("Request completed",
		zap.String("method", string(req.Method)),
		zap.String("url", rawURL),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	return writeResponse(cmd.OutOrStdout(), resp, opts)
}

func newGetCmd() *cobra.Command {
	opts := &requestOptions{}
	getCmd := &cobra.Command{
		Use:   "get <url>",
		Short: "Sends a GET request and prints the response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequest(cmd, args[0], opts, func(uri string) (*customhttp.Request, error) {
				return customhttp.NewRequest(customhttp.MethodGet, uri), nil
			})
		},
	}
	addClientFlags(getCmd, opts)
	return getCmd
}

func newPostCmd() *cobra.Command {
	opts := &requestOptions{}
	var (
		data   string
		form   []string
		files  []string
		method string
	)
	postCmd := &cobra.Command{
		Use:   "post <url>",
		Short: "Sends a request with a raw, form or multipart body",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if data != "" && (len(form) > 0 || len(files) > 0) {
				return fmt.Errorf("--data cannot be combined with --form or --file")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequest(cmd, args[0], opts, func(uri string) (*customhttp.Request, error) {
				req := customhttp.NewRequest(customhttp.Method(method), uri)
				body, err := buildBody(data, form, files)
				if err != nil {
					return nil, err
				}
				req.Body = body
				return req, nil
			})
		},
	}
	postCmd.Flags().StringVarP(&data, "data", "d", "", "raw request body")
	postCmd.Flags().StringArrayVarP(&form, "form", "F", nil, "form field as 'name=value' (repeatable)")
	postCmd.Flags().StringArrayVar(&files, "file", nil, "multipart file as 'name=path' (repeatable)")
	postCmd.Flags().StringVarP(&method, "method", "X", "POST", "request method")
	addClientFlags(postCmd, opts)
	return postCmd
}

// buildBody picks the body type from the flags: files make it multipart,
// form fields alone make it urlencoded.
func buildBody(data string, form, files []string) (customhttp.Body, error) {
	if data != "" {
		return customhttp.RawBody(data), nil
	}
	fields := make([]customhttp.FormField, 0, len(form))
	for _, raw := range form {
		name, value, ok := strings.Cut(raw, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid form field %q, want 'name=value'", raw)
		}
		fields = append(fields, customhttp.FormField{Name: name, Value: value})
	}
	if len(files) == 0 {
		if len(fields) == 0 {
			return nil, nil
		}
		return customhttp.FormBody(fields), nil
	}

	mp := &customhttp.MultipartBody{Fields: fields}
	for _, raw := range files {
		name, path, ok := strings.Cut(raw, "=")
		if !ok || name == "" || path == "" {
			return nil, fmt.Errorf("invalid file %q, want 'name=path'", raw)
		}
		f, err := customhttp.NewUploadFile(path, name, "", "", 0, 0)
		if err != nil {
			return nil, err
		}
		mp.Files = append(mp.Files, f)
	}
	return mp, nil
}

func newDownloadCmd() *cobra.Command {
	opts := &requestOptions{}
	var offset int64
	downloadCmd := &cobra.Command{
		Use:   "download <url> <path>",
		Short: "Streams a response body into a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if offset > 0 {
				opts.headers = append(opts.headers, fmt.Sprintf("Range: bytes=%d-", offset))
			}
			return runRequest(cmd, args[0], opts, func(uri string) (*customhttp.Request, error) {
				req := customhttp.NewRequest(customhttp.MethodGet, uri)
				req.DownloadPath = args[1]
				req.DownloadOffset = offset
				return req, nil
			})
		},
	}
	downloadCmd.Flags().Int64Var(&offset, "offset", 0, "resume at this byte offset in the file and request the matching range")
	addClientFlags(downloadCmd, opts)
	return downloadCmd
}
