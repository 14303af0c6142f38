package mirror

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ClientAuth carries the opaque token attached to every envelope. Tokens are
// never verified here; the subject claim is only read as an identity hint.
type ClientAuth struct {
	ByJwt      string
	InstanceId string
	AppVersion string
}

// ClientId is the issuer identity stamped on invocations: the token subject
// when a token is present, else the instance id.
func (self *ClientAuth) ClientId() (string, error) {
	if self.ByJwt == "" {
		if self.InstanceId == "" {
			return "", fmt.Errorf("auth missing both token and instance id")
		}
		return self.InstanceId, nil
	}

	token, _, err := jwt.NewParser().ParseUnverified(self.ByJwt, jwt.MapClaims{})
	if err != nil {
		return "", err
	}
	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		if self.InstanceId != "" {
			return self.InstanceId, nil
		}
		return "", fmt.Errorf("token missing subject claim")
	}
	return subject, nil
}
