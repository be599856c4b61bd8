package auth

import (
	"context"
	"net/http"
)

// retryMetaKey carries the per-request retry marker through the request
// context.
type retryMetaKey struct{}

// retryMeta is the retry-once flag. It is attached to the request, not the
// manager, so concurrent requests are each retried independently and at
// most once.
type retryMeta struct {
	attempted bool
}

// shouldRetry is the pure decision for the transparent refresh protocol: an
// unauthorized response is replayed once per request, never more.
func shouldRetry(statusCode int, meta *retryMeta) bool {
	return statusCode == http.StatusUnauthorized && meta != nil && !meta.attempted
}

// retryTransport attaches the bearer token to every outbound request and
// performs the refresh-and-retry-once protocol on authorization failure.
type retryTransport struct {
	mgr  *Manager
	base http.RoundTripper
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	meta, ok := req.Context().Value(retryMetaKey{}).(*retryMeta)
	if !ok {
		meta = &retryMeta{}
		req = req.Clone(context.WithValue(req.Context(), retryMetaKey{}, meta))
	}

	if tok := t.mgr.AccessToken(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if !shouldRetry(resp.StatusCode, meta) {
		return resp, nil
	}

	meta.attempted = true
	drainClose(resp.Body)

	if err := t.mgr.Refresh(req.Context()); err != nil {
		// Refresh failure already cleared the pair; the caller must not
		// retry further.
		return nil, err
	}

	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retry.Body = body
	}
	retry.Header.Set("Authorization", "Bearer "+t.mgr.AccessToken())

	resp, err = t.base.RoundTrip(retry)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		// A second authorization failure on the replayed request is
		// terminal, matching a refresh failure.
		drainClose(resp.Body)
		t.mgr.expireSession()
		return nil, ErrSessionExpired
	}
	return resp, nil
}
