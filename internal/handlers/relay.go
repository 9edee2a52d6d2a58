package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"regexp"
	"strings"
)

const (
	sessionCookie = "session"
	maxRelayBody  = 1 << 20
)

// ErrMissingSession is answered with 401 before anything is sent upstream.
var ErrMissingSession = errors.New("missing session")

var (
	setCookieSession = regexp.MustCompile(`(?i)(?:^|;\s*)session=([^;]+)`)
	setCookieMaxAge  = regexp.MustCompile(`(?i)max-age=([^;]+)`)
)

// Relay forwards browser calls to the backend API, turning the HttpOnly session cookie into a bearer
// credential. The credential never reaches client-side code.
type Relay struct {
	apiURL *url.URL
	client *http.Client
	proxy  *httputil.ReverseProxy
	logger *slog.Logger
}

// NewRelay creates a Relay for the backend at apiURL. A nil client selects http.DefaultClient.
func NewRelay(apiURL string, client *http.Client, logger *slog.Logger) (Relay, error) {
	u, err := url.Parse(strings.TrimSuffix(apiURL, "/"))
	if err != nil {
		return Relay{}, fmt.Errorf("error parsing api url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return Relay{}, fmt.Errorf("api url %q must be absolute", apiURL)
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("module", "relay"))

	r := Relay{
		apiURL: u,
		client: client,
		logger: logger,
	}
	r.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(u)
			pr.Out.Header.Del("Cookie")
			if token, err := sessionToken(pr.In); err == nil {
				pr.Out.Header.Set("Authorization", "Bearer "+token)
			}
		},
		Transport: client.Transport,
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			logger.Error("Proxy failed", slog.String("path", req.URL.Path), slog.String(errLoggerKey, err.Error()))
			http.Error(w, "Upstream error", http.StatusBadGateway)
		},
	}
	return r, nil
}

// Register mounts the relay routes on mux.
func (rl Relay) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/ai/ask", rl.HandleAsk)
	mux.HandleFunc("POST /api/ai/ask/case/{caseId}", rl.HandleAsk)
	mux.HandleFunc("POST /api/ai/ask/client/{clientId}", rl.HandleAsk)

	for _, p := range []string{"/api/chats", "/api/cases/{caseId}/chats", "/api/clients/{clientId}/chats"} {
		mux.HandleFunc("GET "+p, rl.HandleJSON)
		mux.HandleFunc("POST "+p, rl.HandleJSON)
	}
	mux.HandleFunc("GET /api/chats/{chatId}", rl.HandleJSON)

	mux.HandleFunc("POST /api/auth/session", rl.HandleSession)
	mux.HandleFunc("POST /api/auth/logout", rl.HandleLogout)
	mux.Handle("/api/", rl.proxy)
}

// HandleAsk relays an ask request and streams the upstream event stream back chunk by chunk.
func (rl Relay) HandleAsk(w http.ResponseWriter, r *http.Request) {
	token, err := sessionToken(r)
	if err != nil {
		http.Error(w, "Missing session", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRelayBody))
	if err != nil || !json.Valid(body) {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	req, err := rl.upstreamRequest(r, token, bytes.NewReader(body))
	if err != nil {
		rl.logger.Error("Failed to create upstream request", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := rl.client.Do(req)
	if err != nil {
		rl.logger.Error("Upstream ask failed", slog.String("path", r.URL.Path), slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Upstream error", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, maxRelayBody))
		msg := strings.TrimSpace(string(text))
		if msg == "" {
			msg = "Upstream error"
		}
		rl.logger.Warn("Upstream rejected ask",
			slog.String("path", r.URL.Path),
			slog.Int("status", resp.StatusCode))
		http.Error(w, msg, resp.StatusCode)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := copyFlush(w, resp.Body); err != nil {
		rl.logger.Warn("Ask relay interrupted", slog.String("path", r.URL.Path), slog.String(errLoggerKey, err.Error()))
	}
}

// HandleJSON relays chat creation, listing and transcript reads, preserving status and body.
func (rl Relay) HandleJSON(w http.ResponseWriter, r *http.Request) {
	token, err := sessionToken(r)
	if err != nil {
		http.Error(w, "Missing session", http.StatusUnauthorized)
		return
	}

	var body io.Reader
	if r.Method == http.MethodPost {
		b, err := io.ReadAll(io.LimitReader(r.Body, maxRelayBody))
		if err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		body = bytes.NewReader(b)
	}

	req, err := rl.upstreamRequest(r, token, body)
	if err != nil {
		rl.logger.Error("Failed to create upstream request", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := rl.client.Do(req)
	if err != nil {
		rl.logger.Error("Upstream request failed", slog.String("path", r.URL.Path), slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Upstream error", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		rl.logger.Warn("Relay copy failed", slog.String("path", r.URL.Path), slog.String(errLoggerKey, err.Error()))
	}
}

// HandleSession exchanges credentials upstream and re-issues the session cookie on this origin.
func (rl Relay) HandleSession(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRelayBody))
	if err != nil || !json.Valid(body) {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, rl.apiURL.String()+"/api/auth/session", bytes.NewReader(body))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := rl.client.Do(req)
	if err != nil {
		rl.logger.Error("Session exchange failed", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Upstream error", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for _, sc := range resp.Header.Values("Set-Cookie") {
		if cookie, ok := reissueSessionCookie(sc); ok {
			w.Header().Add("Set-Cookie", cookie)
			break
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// HandleLogout drops the session cookie.
func (rl Relay) HandleLogout(w http.ResponseWriter, _ *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"status":"ok"}`)
}

func (rl Relay) upstreamRequest(r *http.Request, token string, body io.Reader) (*http.Request, error) {
	target := rl.apiURL.String() + r.URL.EscapedPath()
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req, nil
}

func sessionToken(r *http.Request) (string, error) {
	c, err := r.Cookie(sessionCookie)
	if err != nil || c.Value == "" {
		return "", ErrMissingSession
	}
	return c.Value, nil
}

func reissueSessionCookie(setCookie string) (string, bool) {
	m := setCookieSession.FindStringSubmatch(setCookie)
	if m == nil {
		return "", false
	}
	cookie := sessionCookie + "=" + m[1] + "; Path=/; HttpOnly; Secure; SameSite=Lax"
	if age := setCookieMaxAge.FindStringSubmatch(setCookie); age != nil {
		cookie += "; Max-Age=" + age[1]
	}
	return cookie, true
}

func copyFlush(w http.ResponseWriter, r io.Reader) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4<<10)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
