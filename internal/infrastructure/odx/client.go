// Package odx talks to the device exchange: the directory that knows
// which enrolled devices a contract can reach, and the per-device
// query transport.
package odx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/yachaq/privacy-core/internal/domain/errors"
	"github.com/yachaq/privacy-core/internal/service/query"
)

// Config carries the exchange client tunables
type Config struct {
	DirectoryURL   string
	RequestTimeout time.Duration
}

// Client implements the device directory and querier against the
// exchange's HTTP API.
type Client struct {
	http   *http.Client
	base   string
	logger *zap.Logger
}

var _ query.DeviceDirectory = (*Client)(nil)
var _ query.DeviceQuerier = (*Client)(nil)

// NewClient creates the exchange client
func NewClient(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		http:   &http.Client{Timeout: timeout},
		base:   cfg.DirectoryURL,
		logger: logger,
	}
}

type eligibleResponse struct {
	Devices []query.DeviceRef `json:"devices"`
}

// EligibleDevices resolves the devices enrolled under the contract
// whose data covers the requested fields.
func (c *Client) EligibleDevices(ctx context.Context, criteria query.DeviceCriteria) ([]query.DeviceRef, error) {
	var out eligibleResponse
	if err := c.post(ctx, c.base+"/v1/devices/eligible", criteria, &out); err != nil {
		return nil, err
	}
	return out.Devices, nil
}

type cohortResponse struct {
	CohortSize int `json:"cohort_size"`
}

// EstimateCohort asks the directory how many distinct subjects the
// scope would draw from. The estimate feeds the anonymity gate; it is
// never taken from the requester.
func (c *Client) EstimateCohort(ctx context.Context, criteria query.DeviceCriteria) (int, error) {
	var out cohortResponse
	if err := c.post(ctx, c.base+"/v1/devices/cohort", criteria, &out); err != nil {
		return 0, err
	}
	if out.CohortSize < 0 {
		return 0, errors.NewExternalError("odx", "directory returned a negative cohort size")
	}
	return out.CohortSize, nil
}

// Query runs one signed plan against one device. The collector's
// context bounds the call; a device that misses the deadline is the
// caller's partial result, not our retry problem.
func (c *Client) Query(ctx context.Context, ref query.DeviceRef, plan query.PlanEnvelope) (*query.DeviceResponse, error) {
	var out query.DeviceResponse
	if err := c.post(ctx, ref.Address+"/v1/query", plan, &out); err != nil {
		return nil, err
	}
	if out.DeviceID != ref.ID {
		return nil, errors.NewExternalError("odx",
			fmt.Sprintf("device %s answered for %s", ref.ID, out.DeviceID))
	}
	if out.ReceivedAt.IsZero() {
		out.ReceivedAt = time.Now().UTC()
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, url string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.NewInternalError("failed to encode exchange request").WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return errors.NewInternalError("failed to build exchange request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.NewExternalError("odx", "exchange request failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn("exchange request rejected",
			zap.String("url", url),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", snippet))
		return errors.NewExternalError("odx",
			fmt.Sprintf("exchange returned status %d", resp.StatusCode))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.NewExternalError("odx", "failed to decode exchange response").WithCause(err)
	}
	return nil
}
