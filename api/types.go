// Package api defines the wire types for the homecall device service.
// The device only ever issues two calls against its instance: Enroll
// during the one-time handshake and UpdateNotificationToken whenever the
// push-messaging token changes. Field names follow the service's JSON
// encoding (protojson camelCase).
package api

// EnrollRequest is submitted once, carrying the freshly generated public
// key and the one-time enrollment secret from the scanned code.
type EnrollRequest struct {
	// PublicKey is the device's public key in PEM (SPKI) form. The
	// matching private key never leaves the device.
	PublicKey string `json:"publicKey"`

	// EnrollmentKey is the one-time secret delivered out-of-band.
	EnrollmentKey string `json:"enrollmentKey"`
}

// EnrollResponse is returned by the instance on successful enrollment.
// A response without settings is treated as a failed enrollment by the
// caller: identity and settings are committed together or not at all.
type EnrollResponse struct {
	// DeviceID is the opaque identifier assigned by the instance.
	DeviceID string `json:"deviceId"`

	// Settings is the initial device configuration.
	Settings *DeviceSettings `json:"settings,omitempty"`

	// Name is the display name the instance registered the device under.
	Name string `json:"name"`
}

// DeviceSettings is the instance-owned configuration blob, returned at
// enrollment and refreshed periodically.
type DeviceSettings struct {
	AutoAnswer             bool  `json:"autoAnswer"`
	AutoAnswerDelaySeconds int64 `json:"autoAnswerDelaySeconds"`
}

// UpdateNotificationTokenRequest pushes the current push-messaging token
// to the instance. The call is authenticated with the device's bearer
// token.
type UpdateNotificationTokenRequest struct {
	NotificationToken string `json:"notificationToken"`
}

// UpdateNotificationTokenResponse is intentionally empty.
type UpdateNotificationTokenResponse struct{}
