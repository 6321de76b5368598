// Package clients provides the HTTP client for the homecall device
// service. The service speaks Connect-style JSON unary RPC, which on the
// wire is a plain POST of a JSON body to
// /homecall.v1alpha.DeviceService/<Method>, so a stock http.Client is
// all that is needed on the device side.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/stretchr/testify/mock"

	"github.com/sidusio/homecall/api"
)

const (
	enrollProcedure                  = "/homecall.v1alpha.DeviceService/Enroll"
	updateNotificationTokenProcedure = "/homecall.v1alpha.DeviceService/UpdateNotificationToken"
)

// ErrRejected is returned when the instance refuses the call outright
// (HTTP 401/403), as opposed to transport or server failures.
var ErrRejected = errors.New("request rejected by instance")

// DeviceClient is the device's view of its homecall instance.
type DeviceClient interface {
	// Enroll submits the public key and enrollment secret, returning the
	// assigned device identity and initial settings.
	Enroll(ctx context.Context, req *api.EnrollRequest) (*api.EnrollResponse, error)

	// UpdateNotificationToken submits the push-messaging token. The call
	// is authenticated with the device's bearer token.
	UpdateNotificationToken(ctx context.Context, bearerToken string, req *api.UpdateNotificationTokenRequest) error
}

// HTTPDeviceClient implements DeviceClient against a single instance URL.
type HTTPDeviceClient struct {
	// InstanceURL is the base URL of the instance API, as delivered in
	// the enrollment payload.
	InstanceURL string

	// Client is the underlying HTTP client. http.DefaultClient is used
	// when nil.
	Client *http.Client
}

// NewHTTPDeviceClient returns a client for the given instance base URL.
func NewHTTPDeviceClient(instanceURL string) *HTTPDeviceClient {
	return &HTTPDeviceClient{InstanceURL: strings.TrimSuffix(instanceURL, "/")}
}

// Enroll implements DeviceClient.
func (c *HTTPDeviceClient) Enroll(ctx context.Context, req *api.EnrollRequest) (*api.EnrollResponse, error) {
	var resp api.EnrollResponse
	err := c.post(ctx, enrollProcedure, "", req, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateNotificationToken implements DeviceClient.
func (c *HTTPDeviceClient) UpdateNotificationToken(ctx context.Context, bearerToken string, req *api.UpdateNotificationTokenRequest) error {
	var resp api.UpdateNotificationTokenResponse
	return c.post(ctx, updateNotificationTokenProcedure, bearerToken, req, &resp)
}

func (c *HTTPDeviceClient) post(ctx context.Context, procedure, bearerToken string, reqBody, respBody any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("could not encode request body: %w", err)
	}

	url := strings.TrimSuffix(c.InstanceURL, "/") + procedure
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if bearerToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+bearerToken)
	}

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("could not request %s: %w", procedure, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: %s returned %d", ErrRejected, procedure, httpResp.StatusCode)
	}
	if httpResp.StatusCode != http.StatusOK {
		bodyBytes, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return fmt.Errorf("%s returned non-200 response: %d", procedure, httpResp.StatusCode)
		}
		return fmt.Errorf("%s returned error %d: %s", procedure, httpResp.StatusCode, string(bodyBytes))
	}

	err = json.NewDecoder(httpResp.Body).Decode(respBody)
	if err != nil {
		return fmt.Errorf("could not parse %s response: %w", procedure, err)
	}
	return nil
}

// MockDeviceClient implements a mock DeviceClient for testing. The
// behavior is determined by how the mock is configured in tests.
type MockDeviceClient struct {
	mock.Mock
}

func (m *MockDeviceClient) Enroll(ctx context.Context, req *api.EnrollRequest) (*api.EnrollResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*api.EnrollResponse), args.Error(1)
}

func (m *MockDeviceClient) UpdateNotificationToken(ctx context.Context, bearerToken string, req *api.UpdateNotificationTokenRequest) error {
	args := m.Called(ctx, bearerToken, req)
	return args.Error(0)
}
