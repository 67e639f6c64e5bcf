package domain

// CredentialsType enumerates how a device authenticates.
type CredentialsType string

// Supported credentials types.
const (
	CredentialsAccessToken CredentialsType = "ACCESS_TOKEN"
	CredentialsX509        CredentialsType = "X509_CERTIFICATE"
	CredentialsMQTTBasic   CredentialsType = "MQTT_BASIC"
	CredentialsLwM2M       CredentialsType = "LWM2M_CREDENTIALS"
)

// DeviceCredentials authenticate one device. CredentialsID (the token,
// certificate hash or client id) is unique across devices.
type DeviceCredentials struct {
	DeviceID         string          `json:"deviceId"`
	CredentialsType  CredentialsType `json:"credentialsType"`
	CredentialsID    string          `json:"credentialsId"`
	CredentialsValue string          `json:"credentialsValue,omitempty"`
}
