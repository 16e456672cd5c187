package provider

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/cloudgrove/cloudgrove/pkg/cloud"
	"github.com/cloudgrove/cloudgrove/pkg/transport"
)

// FormTokenRequest builds the form-encoded POST used by every standard
// OAuth token endpoint.
func FormTokenRequest(tokenURL string, fields map[string]string) (*transport.Request, io.Reader) {
	values := url.Values{}
	for k, v := range fields {
		values.Set(k, v)
	}
	req := transport.NewRequest(tokenURL, "POST", true)
	req.SetHeader("Content-Type", "application/x-www-form-urlencoded")
	return req, strings.NewReader(values.Encode())
}

// ParseStandardToken unpacks the common token endpoint reply shape.
func ParseStandardToken(body []byte) (cloud.Token, error) {
	var reply struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(body, &reply); err != nil {
		return cloud.Token{}, cloud.NewError(cloud.CodeFailure, "parse token response: %v", err)
	}
	if reply.AccessToken == "" {
		return cloud.Token{}, cloud.NewError(cloud.CodeFailure, "token response carries no access token")
	}
	return cloud.Token{Token: reply.RefreshToken, AccessToken: reply.AccessToken}, nil
}

// ConsentURL renders the standard authorization URL with the usual query
// parameters.
func ConsentURL(authURL, clientID, redirectURI, state string, extra map[string]string) string {
	values := url.Values{}
	values.Set("client_id", clientID)
	values.Set("redirect_uri", redirectURI)
	values.Set("response_type", "code")
	values.Set("state", state)
	for k, v := range extra {
		values.Set(k, v)
	}
	return fmt.Sprintf("%s?%s", authURL, values.Encode())
}
