package rtc

import (
	"fmt"
	"net/url"
	"time"

	"github.com/bt-bridge/rtc-session/shared"
	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
)

type joinRequest struct {
	AppID         string `json:"app_id"`
	ParticipantID string `json:"participant_id"`
	Mode          string `json:"mode"`
	Codec         string `json:"codec"`
}

type joinResponse struct {
	ParticipantID string   `json:"participant_id"`
	SessionID     string   `json:"session_id"`
	SignalURL     string   `json:"signal_url"`
	ICEServers    []string `json:"ice_servers"`
}

type leaveRequest struct {
	SessionID string `json:"session_id"`
}

// restClient talks to the channel REST endpoints.
type restClient struct {
	http    *fasthttp.Client
	baseURL *url.URL
	timeout time.Duration
}

func (r *restClient) join(channel, token string, body *joinRequest) (*joinResponse, error) {
	resp := new(joinResponse)
	if err := r.post(channel, "join", token, body, resp); err != nil {
		return nil, err
	}
	if resp.SignalURL == "" {
		return nil, fmt.Errorf("%w: join response without signal URL", shared.ErrSignalingProtocol)
	}
	return resp, nil
}

func (r *restClient) leave(channel, token, sessionID string) error {
	return r.post(channel, "leave", token, &leaveRequest{SessionID: sessionID}, nil)
}

func (r *restClient) post(channel, action, token string, body, out any) error {
	payload, err := sonic.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling %s request: %w", action, err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(r.baseURL.JoinPath("/v1/channels", channel, action).String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.SetBody(payload)

	if err := r.http.DoTimeout(req, resp, r.timeout); err != nil {
		return fmt.Errorf("%w: performing %s request: %v", shared.ErrNetwork, action, err)
	}
	switch code := resp.StatusCode(); {
	case code == fasthttp.StatusUnauthorized:
		return fmt.Errorf("%s: %w", action, shared.ErrUnauthorized)
	case code == fasthttp.StatusForbidden:
		return fmt.Errorf("%s: %w", action, shared.ErrForbidden)
	case code < 200 || code > 299:
		return fmt.Errorf("unexpected %s status code: %d, body: %s", action, code, string(resp.Body()))
	}
	if out == nil {
		return nil
	}
	if err := sonic.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("unmarshaling %s response: %w", action, err)
	}
	return nil
}
