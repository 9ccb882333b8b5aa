package apns

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sideshow/apns2"
)

// ErrUnknownEnvironment is returned for environment names or values outside
// production and sandbox.
var ErrUnknownEnvironment = errors.New("apns: unknown environment")

// Environment selects which APNs gateway receives a notification.
// The zero value is Production.
type Environment int

const (
	Production Environment = iota
	Sandbox
)

func (e Environment) String() string {
	switch e {
	case Production:
		return "production"
	case Sandbox:
		return "sandbox"
	default:
		return fmt.Sprintf("Environment(%d)", int(e))
	}
}

// Host returns the fixed gateway base URL for e.
func (e Environment) Host() (string, error) {
	switch e {
	case Production:
		return apns2.HostProduction, nil
	case Sandbox:
		return apns2.HostDevelopment, nil
	default:
		return "", fmt.Errorf("%w: %d", ErrUnknownEnvironment, int(e))
	}
}

// ParseEnvironment maps a configuration value to an Environment.
// "development" is accepted as an alias for sandbox.
func ParseEnvironment(s string) (Environment, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "production", "prod":
		return Production, nil
	case "sandbox", "development", "dev":
		return Sandbox, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownEnvironment, s)
	}
}

// Target addresses one app installation on one gateway.
type Target struct {
	DeviceToken string
	// Topic is the app bundle identifier.
	Topic       string
	Environment Environment
}

// DeviceURL builds the /3/device/<token> URL on host.
func DeviceURL(host, deviceToken string) string {
	return strings.TrimSuffix(host, "/") + "/3/device/" + url.PathEscape(deviceToken)
}

// ResolveURL returns the request URL for target on the default gateway hosts.
func ResolveURL(target Target) (string, error) {
	host, err := target.Environment.Host()
	if err != nil {
		return "", err
	}
	return DeviceURL(host, target.DeviceToken), nil
}
