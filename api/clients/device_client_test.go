package clients

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidusio/homecall/api"
)

func TestEnroll_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/homecall.v1alpha.DeviceService/Enroll", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Empty(t, r.Header.Get("Authorization"))

		var req api.EnrollRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "k1", req.EnrollmentKey)
		assert.Contains(t, req.PublicKey, "PUBLIC KEY")

		json.NewEncoder(w).Encode(api.EnrollResponse{
			DeviceID: "d1",
			Settings: &api.DeviceSettings{AutoAnswer: true, AutoAnswerDelaySeconds: 5},
			Name:     "Kitchen",
		})
	}))
	defer server.Close()

	client := NewHTTPDeviceClient(server.URL)
	resp, err := client.Enroll(context.Background(), &api.EnrollRequest{
		PublicKey:     "-----BEGIN PUBLIC KEY-----\n...\n-----END PUBLIC KEY-----",
		EnrollmentKey: "k1",
	})
	require.NoError(t, err)
	assert.Equal(t, "d1", resp.DeviceID)
	require.NotNil(t, resp.Settings)
	assert.True(t, resp.Settings.AutoAnswer)
	assert.EqualValues(t, 5, resp.Settings.AutoAnswerDelaySeconds)
}

func TestEnroll_Unauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid enrollment key", http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewHTTPDeviceClient(server.URL)
	_, err := client.Enroll(context.Background(), &api.EnrollRequest{PublicKey: "pk", EnrollmentKey: "bad"})
	assert.ErrorIs(t, err, ErrRejected)
}

func TestEnroll_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewHTTPDeviceClient(server.URL)
	_, err := client.Enroll(context.Background(), &api.EnrollRequest{PublicKey: "pk", EnrollmentKey: "k1"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "500")
}

func TestEnroll_MalformedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer server.Close()

	client := NewHTTPDeviceClient(server.URL)
	_, err := client.Enroll(context.Background(), &api.EnrollRequest{PublicKey: "pk", EnrollmentKey: "k1"})
	assert.Error(t, err)
}

func TestUpdateNotificationToken_BearerHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/homecall.v1alpha.DeviceService/UpdateNotificationToken", r.URL.Path)
		assert.Equal(t, "Bearer jwt-abc", r.Header.Get("Authorization"))

		var req api.UpdateNotificationTokenRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "fcm-token", req.NotificationToken)

		w.Write([]byte("{}"))
	}))
	defer server.Close()

	client := NewHTTPDeviceClient(server.URL)
	err := client.UpdateNotificationToken(context.Background(), "jwt-abc", &api.UpdateNotificationTokenRequest{
		NotificationToken: "fcm-token",
	})
	require.NoError(t, err)
}

func TestClient_TrimsTrailingSlash(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/homecall.v1alpha.DeviceService/Enroll", r.URL.Path)
		json.NewEncoder(w).Encode(api.EnrollResponse{DeviceID: "d1"})
	}))
	defer server.Close()

	client := NewHTTPDeviceClient(server.URL + "/")
	_, err := client.Enroll(context.Background(), &api.EnrollRequest{PublicKey: "pk", EnrollmentKey: "k1"})
	require.NoError(t, err)
}
