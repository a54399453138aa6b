package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/swarmos/swarmos/internal/backoff"
	"github.com/swarmos/swarmos/internal/swarmtypes"
)

// ControllerClient is everything the agent needs from the Dispatch
// Controller. An interface so tests can run the agent against an
// in-process fake.
type ControllerClient interface {
	Register(req swarmtypes.RegisterRequest) (swarmtypes.WorkerInfo, error)
	Heartbeat(req swarmtypes.HeartbeatRequest) error
	Claim(worker string) (*swarmtypes.QueuedJob, error)
	Complete(jobID string, req swarmtypes.CompleteRequest) error
	Fail(jobID string, req swarmtypes.FailRequest) error
}

// HTTPControllerClient talks to a remote Controller over HTTP+JSON,
// retrying transient failures with exponential backoff and jitter.
type HTTPControllerClient struct {
	BaseURL string
	HTTP    *http.Client
}

// NewHTTPControllerClient builds a client targeting baseURL.
func NewHTTPControllerClient(baseURL string) *HTTPControllerClient {
	return &HTTPControllerClient{BaseURL: baseURL, HTTP: &http.Client{Timeout: 10 * time.Second}}
}

func (c *HTTPControllerClient) call(path string, body interface{}, out interface{}) error {
	var permanent error
	err := backoff.Retry(3, 100*time.Millisecond, time.Second, 50*time.Millisecond, func() error {
		err := c.doOnce(path, body, out)
		if err == nil {
			return nil
		}
		switch swarmtypes.KindOf(err) {
		case swarmtypes.ErrUnavailable, swarmtypes.ErrTimeout:
			return err
		default:
			permanent = err
			return nil
		}
	})
	if permanent != nil {
		return permanent
	}
	return err
}

func (c *HTTPControllerClient) doOnce(path string, body interface{}, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Post(c.BaseURL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		return swarmtypes.Wrap(swarmtypes.ErrUnavailable, err, "controller call %s", path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return swarmtypes.NewError(swarmtypes.ErrUnavailable, "controller returned %d for %s", resp.StatusCode, path)
	}
	if resp.StatusCode >= 400 {
		var eb struct {
			Kind    swarmtypes.ErrKind `json:"kind"`
			Message string             `json:"message"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&eb); err == nil && eb.Kind != "" {
			return swarmtypes.NewError(eb.Kind, "controller: %s", eb.Message)
		}
		return swarmtypes.NewError(swarmtypes.ErrInternal, "controller returned %d for %s", resp.StatusCode, path)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *HTTPControllerClient) Register(req swarmtypes.RegisterRequest) (swarmtypes.WorkerInfo, error) {
	var info swarmtypes.WorkerInfo
	err := c.call("/workers/register", req, &info)
	return info, err
}

func (c *HTTPControllerClient) Heartbeat(req swarmtypes.HeartbeatRequest) error {
	return c.call("/workers/heartbeat", req, nil)
}

func (c *HTTPControllerClient) Claim(worker string) (*swarmtypes.QueuedJob, error) {
	var resp swarmtypes.ClaimResponse
	if err := c.call("/jobs/claim", swarmtypes.ClaimRequest{Worker: worker}, &resp); err != nil {
		return nil, err
	}
	return resp.Job, nil
}

func (c *HTTPControllerClient) Complete(jobID string, req swarmtypes.CompleteRequest) error {
	return c.call(fmt.Sprintf("/jobs/%s/complete", jobID), req, nil)
}

func (c *HTTPControllerClient) Fail(jobID string, req swarmtypes.FailRequest) error {
	return c.call(fmt.Sprintf("/jobs/%s/fail", jobID), req, nil)
}

// SubscribeJobs opens the Controller's websocket push channel and
// signals wake on every job-enqueued notification. Connection errors
// end the subscription silently; the claim loop's polling remains the
// source of truth, the push channel only shortens the wait.
func (c *HTTPControllerClient) SubscribeJobs(ctx context.Context, wake chan<- struct{}) error {
	wsURL := strings.Replace(c.BaseURL, "http", "ws", 1) + "/ws"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("worker: subscribe: %w", err)
	}
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go func() {
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}()
	return nil
}
