package mirror

import (
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/golang-jwt/jwt/v5"
)

func TestClientAuthClientId(t *testing.T) {
	// no token falls back to the instance id
	auth := &ClientAuth{
		InstanceId: NewInstanceId(),
	}
	clientId, err := auth.ClientId()
	assert.Equal(t, err, nil)
	assert.Equal(t, auth.InstanceId, clientId)

	// the token subject wins when a token is present
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "did:key:z6MkClient",
	})
	byJwt, err := token.SignedString([]byte("test-secret"))
	assert.Equal(t, err, nil)

	auth = &ClientAuth{
		ByJwt:      byJwt,
		InstanceId: "instance-1",
	}
	clientId, err = auth.ClientId()
	assert.Equal(t, err, nil)
	assert.Equal(t, "did:key:z6MkClient", clientId)

	// a subjectless token falls back to the instance id
	token = jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"aud": "memory:home",
	})
	byJwt, err = token.SignedString([]byte("test-secret"))
	assert.Equal(t, err, nil)

	auth = &ClientAuth{
		ByJwt:      byJwt,
		InstanceId: "instance-2",
	}
	clientId, err = auth.ClientId()
	assert.Equal(t, err, nil)
	assert.Equal(t, "instance-2", clientId)

	// garbage tokens are an error, not an identity
	auth = &ClientAuth{
		ByJwt: "not-a-token",
	}
	_, err = auth.ClientId()
	assert.NotEqual(t, err, nil)

	// nothing to derive an identity from
	auth = &ClientAuth{}
	_, err = auth.ClientId()
	assert.NotEqual(t, err, nil)
}
