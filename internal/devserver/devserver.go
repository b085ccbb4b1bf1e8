// Package devserver serves the Lambda handlers over plain HTTP for local
// development, translating requests the way API Gateway HTTP APIs do.
package devserver

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/aws/aws-lambda-go/events"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

type LambdaHandler func(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error)

// Routes holds one handler per function. A nil handler leaves its paths unmounted.
type Routes struct {
	Checkout LambdaHandler
	Admin    LambdaHandler
	Shopify  LambdaHandler
	Insights LambdaHandler
}

var (
	checkoutPaths = []string{"/questions", "/app/getquestions", "/customer-from-order", "/app/getcustomerid", "/save-date-of-birth", "/app/apisavedob"}
	adminPaths    = []string{"/app/questions"}
	shopifyPaths  = []string{"/auth", "/auth/callback", "/webhooks/app-uninstalled", "/webhooks/compliance"}
	insightsPaths = []string{"/app/insights"}
)

func NewRouter(routes Routes) http.Handler {
	root := chi.NewRouter()
	root.Use(middleware.RequestID, middleware.Logger, middleware.Recoverer)

	root.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("content-type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"service":"thankyou-survey"}`))
	})

	mount := func(h LambdaHandler, paths []string) {
		if h == nil {
			return
		}
		for _, p := range paths {
			root.HandleFunc(p, Adapt(h))
		}
	}
	mount(routes.Checkout, checkoutPaths)
	mount(routes.Admin, adminPaths)
	mount(routes.Shopify, shopifyPaths)
	mount(routes.Insights, insightsPaths)
	return root
}

// Adapt invokes h with the API Gateway v2 event built from r.
func Adapt(h LambdaHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := ToRequest(r)
		if err != nil {
			http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
			return
		}
		resp, err := h(r.Context(), req)
		if err != nil {
			log.Error().Err(err).Str("path", r.URL.Path).Msg("handler returned error")
			http.Error(w, "Internal Server Error", http.StatusBadGateway)
			return
		}
		WriteResponse(w, resp)
	}
}

// ToRequest lowercases header names, keeps the first value of each query
// parameter and base64-encodes bodies that are not valid UTF-8.
func ToRequest(r *http.Request) (events.APIGatewayV2HTTPRequest, error) {
	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return events.APIGatewayV2HTTPRequest{}, err
		}
		body = b
	}

	headers := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		headers[strings.ToLower(k)] = strings.Join(v, ",")
	}
	query := make(map[string]string)
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}

	req := events.APIGatewayV2HTTPRequest{
		Version:               "2.0",
		RouteKey:              "$default",
		RawPath:               r.URL.Path,
		RawQueryString:        r.URL.RawQuery,
		Headers:               headers,
		QueryStringParameters: query,
	}
	req.RequestContext.HTTP.Method = r.Method
	req.RequestContext.HTTP.Path = r.URL.Path
	req.RequestContext.HTTP.SourceIP = r.RemoteAddr
	req.RequestContext.HTTP.UserAgent = r.UserAgent()
	req.RequestContext.RequestID = middleware.GetReqID(r.Context())

	if utf8.Valid(body) {
		req.Body = string(body)
	} else {
		req.Body = base64.StdEncoding.EncodeToString(body)
		req.IsBase64Encoded = true
	}
	return req, nil
}

func WriteResponse(w http.ResponseWriter, resp events.APIGatewayV2HTTPResponse) {
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	for k, vs := range resp.MultiValueHeaders {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	for _, c := range resp.Cookies {
		w.Header().Add("Set-Cookie", c)
	}

	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)

	if resp.IsBase64Encoded {
		b, err := base64.StdEncoding.DecodeString(resp.Body)
		if err != nil {
			log.Error().Err(err).Msg("undecodable base64 response body")
			return
		}
		_, _ = w.Write(b)
		return
	}
	_, _ = io.WriteString(w, resp.Body)
}
