package core

import (
	"errors"
	"fmt"
)

// AlertKind classifies failures surfaced to the UI layer.
type AlertKind int

const (
	AlertEmptyConfiguration AlertKind = iota
	AlertCreateService
	AlertRequestLocationPermission
	AlertRequestNotificationPermission
	AlertRequestVPNPermission
	AlertStartService
	AlertStartCommandServer
	AlertDisconnectTimeout
	AlertInvalidArgument
	AlertAlreadyRunning
	AlertNotFound
	AlertStorage
)

var alertNames = [...]struct{ name, code string }{
	AlertEmptyConfiguration:            {"EmptyConfiguration", "EMPTY_CONFIGURATION"},
	AlertCreateService:                 {"CreateService", "CREATE_SERVICE"},
	AlertRequestLocationPermission:     {"RequestLocationPermission", "REQUEST_LOCATION_PERMISSION"},
	AlertRequestNotificationPermission: {"RequestNotificationPermission", "REQUEST_NOTIFICATION_PERMISSION"},
	AlertRequestVPNPermission:          {"RequestVPNPermission", "REQUEST_VPN_PERMISSION"},
	AlertStartService:                  {"StartService", "START_SERVICE"},
	AlertStartCommandServer:            {"StartCommandServer", "START_COMMAND_SERVER"},
	AlertDisconnectTimeout:             {"DisconnectTimeout", "DISCONNECT_TIMEOUT"},
	AlertInvalidArgument:               {"InvalidArgument", "INVALID_ARGUMENT"},
	AlertAlreadyRunning:                {"AlreadyRunning", "ALREADY_RUNNING"},
	AlertNotFound:                      {"NotFound", "NOT_FOUND"},
	AlertStorage:                       {"Storage", "STORAGE"},
}

func (k AlertKind) String() string {
	if int(k) < 0 || int(k) >= len(alertNames) {
		return "Unknown"
	}
	return alertNames[k].name
}

// Code returns the wire error code, e.g. "DISCONNECT_TIMEOUT".
func (k AlertKind) Code() string {
	if int(k) < 0 || int(k) >= len(alertNames) {
		return "UNKNOWN"
	}
	return alertNames[k].code
}

// ParseAlertCode maps a wire code back to its kind.
func ParseAlertCode(code string) (AlertKind, bool) {
	for k, n := range alertNames {
		if n.code == code {
			return AlertKind(k), true
		}
	}
	return 0, false
}

// AlertError is a typed failure carrying an AlertKind and optional cause.
type AlertError struct {
	Kind    AlertKind
	Message string
	Err     error
}

func (e *AlertError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *AlertError) Unwrap() error { return e.Err }

// Is matches any *AlertError of the same kind, so errors.Is works against
// sentinels like ErrDisconnectTimeout.
func (e *AlertError) Is(target error) bool {
	t, ok := target.(*AlertError)
	return ok && t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

// NewAlert creates an alert with a message.
func NewAlert(kind AlertKind, format string, args ...any) *AlertError {
	return &AlertError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapAlert attaches a kind to an underlying error.
func WrapAlert(kind AlertKind, err error) *AlertError {
	return &AlertError{Kind: kind, Err: err}
}

// AlertKindOf extracts the kind of the first AlertError in err's chain.
func AlertKindOf(err error) (AlertKind, bool) {
	var ae *AlertError
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return 0, false
}

// IsAlert reports whether err carries an alert of the given kind.
func IsAlert(err error, kind AlertKind) bool {
	k, ok := AlertKindOf(err)
	return ok && k == kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrEmptyConfiguration = &AlertError{Kind: AlertEmptyConfiguration}
	ErrDisconnectTimeout  = &AlertError{Kind: AlertDisconnectTimeout}
	ErrInvalidArgument    = &AlertError{Kind: AlertInvalidArgument}
	ErrAlreadyRunning     = &AlertError{Kind: AlertAlreadyRunning}
	ErrNotFound           = &AlertError{Kind: AlertNotFound}
)
