package service

import "fmt"

// AddCaseResult is the outcome of AddCase.
type AddCaseResult int

const (
	AddCaseCreated AddCaseResult = iota
	AddCaseOverridden
	AddCaseInvalidPhone
	AddCaseInvalidEmail
)

func (r AddCaseResult) String() string {
	switch r {
	case AddCaseCreated:
		return "SUCCESS_CREATED"
	case AddCaseOverridden:
		return "SUCCESS_OVERRIDDEN"
	case AddCaseInvalidPhone:
		return "INVALID_PHONE"
	case AddCaseInvalidEmail:
		return "INVALID_EMAIL"
	}
	return fmt.Sprintf("AddCaseResult(%d)", int(r))
}

// SendPinResult is the outcome of SendPin.
type SendPinResult int

const (
	SendPinSuccess SendPinResult = iota
	SendPinMalformedToken
	SendPinInvalidCaseID
	SendPinExpiredToken
	SendPinAlreadyPaired
	SendPinInvalidStatus
	SendPinSmsError
)

func (r SendPinResult) String() string {
	switch r {
	case SendPinSuccess:
		return "SUCCESS"
	case SendPinMalformedToken:
		return "MALFORMED_INVITATION_TOKEN"
	case SendPinInvalidCaseID:
		return "INVALID_CASE_ID"
	case SendPinExpiredToken:
		return "EXPIRED_INVITATION_TOKEN"
	case SendPinAlreadyPaired:
		return "ALREADY_PAIRED"
	case SendPinInvalidStatus:
		return "INVALID_STATUS"
	case SendPinSmsError:
		return "SMS_ERROR"
	}
	return fmt.Sprintf("SendPinResult(%d)", int(r))
}

// CheckPinResult is the outcome of CheckPin.
type CheckPinResult int

const (
	CheckPinSuccess CheckPinResult = iota
	CheckPinMalformedToken
	CheckPinInvalidCaseID
	CheckPinExpiredToken
	CheckPinPinNotSent
	CheckPinInvalidPin
)

func (r CheckPinResult) String() string {
	switch r {
	case CheckPinSuccess:
		return "SUCCESS"
	case CheckPinMalformedToken:
		return "MALFORMED_INVITATION_TOKEN"
	case CheckPinInvalidCaseID:
		return "INVALID_CASE_ID"
	case CheckPinExpiredToken:
		return "EXPIRED_INVITATION_TOKEN"
	case CheckPinPinNotSent:
		return "PIN_NOT_SENT"
	case CheckPinInvalidPin:
		return "INVALID_PIN"
	}
	return fmt.Sprintf("CheckPinResult(%d)", int(r))
}

// OauthErrorKind classifies failures of the OAuth callback.
type OauthErrorKind int

const (
	OauthStateNotFound OauthErrorKind = iota
	InvalidCaseStatus
	OauthRefreshFailed
	OauthProviderError
)

func (k OauthErrorKind) String() string {
	switch k {
	case OauthStateNotFound:
		return "oauth_state_not_found"
	case InvalidCaseStatus:
		return "invalid_case_status"
	case OauthRefreshFailed:
		return "oauth_refresh_failed"
	case OauthProviderError:
		return "oauth_provider_error"
	}
	return fmt.Sprintf("OauthErrorKind(%d)", int(k))
}

// OauthError is a pairing failure at the OAuth callback. Lang is the case locale, or the
// default locale if the case is unknown.
type OauthError struct {
	Kind OauthErrorKind
	Lang string
}

func (e *OauthError) Error() string { return "oauth: " + e.Kind.String() }
