package sessionclient

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownAction indicates a relay message whose action is outside the
// closed set. Unknown actions are an error, never a silently ignored message.
var ErrUnknownAction = errors.New("sessionclient.unknown_action")

// Relay actions crossing the page/content-script/background boundary.
const (
	actionOAuthResult = "OAUTH_RESULT"
	actionTabClosed   = "TAB_CLOSED"
)

// RelayMessage is the closed union of messages the completion relay can
// deliver: exactly OAuthResult or TabClosed.
type RelayMessage interface {
	relayMessage()
}

// OAuthResult carries the tokens handed back by the callback page.
type OAuthResult struct {
	AccessToken string
	AppToken    string
}

func (OAuthResult) relayMessage() {}

// TabClosed signals the user closed the authorization tab before completing
// the flow.
type TabClosed struct{}

func (TabClosed) relayMessage() {}

type relayEnvelope struct {
	Action      string `json:"action"`
	AccessToken string `json:"access_token,omitempty"`
	AppToken    string `json:"app_token,omitempty"`
}

// DecodeRelayMessage parses a JSON relay message into the union.
func DecodeRelayMessage(data []byte) (RelayMessage, error) {
	var envelope relayEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("sessionclient.decode: %w", err)
	}
	switch envelope.Action {
	case actionOAuthResult:
		return OAuthResult{
			AccessToken: envelope.AccessToken,
			AppToken:    envelope.AppToken,
		}, nil
	case actionTabClosed:
		return TabClosed{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, envelope.Action)
	}
}
