package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/aws/aws-lambda-go/events"
)

// maxBodySize bounds the request bodies accepted by the local server.
const maxBodySize = 64 << 20

// proxyHandler serves a Lambda proxy handler over plain HTTP.
type proxyHandler func(context.Context, events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error)

func (h proxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, err := toProxyRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := h(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := writeProxyResponse(w, resp); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// toProxyRequest converts r the way API Gateway does: binary bodies are
// base64 encoded and every header and query parameter keeps all its values.
func toProxyRequest(r *http.Request) (events.APIGatewayProxyRequest, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return events.APIGatewayProxyRequest{}, fmt.Errorf("failed to read body: %w", err)
	}
	if len(body) > maxBodySize {
		return events.APIGatewayProxyRequest{}, fmt.Errorf("body exceeds %d bytes", maxBodySize)
	}

	req := events.APIGatewayProxyRequest{
		Path:                            r.URL.Path,
		HTTPMethod:                      r.Method,
		Headers:                         make(map[string]string, len(r.Header)),
		MultiValueHeaders:               make(map[string][]string, len(r.Header)),
		QueryStringParameters:           make(map[string]string),
		MultiValueQueryStringParameters: make(map[string][]string),
	}
	for k, v := range r.Header {
		req.Headers[k] = v[0]
		req.MultiValueHeaders[k] = v
	}
	for k, v := range r.URL.Query() {
		req.QueryStringParameters[k] = v[0]
		req.MultiValueQueryStringParameters[k] = v
	}

	if isBinary(r.Header.Get("Content-Type"), body) {
		req.Body = base64.StdEncoding.EncodeToString(body)
		req.IsBase64Encoded = true
	} else {
		req.Body = string(body)
	}
	return req, nil
}

func isBinary(contentType string, body []byte) bool {
	if strings.HasPrefix(contentType, "application/octet-stream") {
		return true
	}
	return !utf8.Valid(body)
}

func writeProxyResponse(w http.ResponseWriter, resp events.APIGatewayProxyResponse) error {
	body := []byte(resp.Body)
	if resp.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(resp.Body)
		if err != nil {
			return fmt.Errorf("invalid base64 response body: %w", err)
		}
		body = decoded
	}

	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	for k, vs := range resp.MultiValueHeaders {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, err := w.Write(body)
	return err
}
