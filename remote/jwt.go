package remote

import (
	"errors"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// Replicas authenticate to a websocket host with an HS256 token carrying their peer id.

func NewPeerToken(secret []byte, peerId Id) (string, error) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"peer_id": peerId.String(),
		"iat":     time.Now().Unix(),
	})
	return token.SignedString(secret)
}

func ParsePeerToken(secret []byte, tokenStr string) (Id, error) {
	token, err := gojwt.Parse(
		tokenStr,
		func(token *gojwt.Token) (any, error) {
			return secret, nil
		},
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return Id{}, err
	}

	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return Id{}, errors.New("Unexpected claims.")
	}
	peerIdStr, ok := claims["peer_id"].(string)
	if !ok {
		return Id{}, errors.New("Missing peer_id.")
	}
	peerId, err := ParseId(peerIdStr)
	if err != nil {
		return Id{}, fmt.Errorf("Bad peer_id: %w", err)
	}
	if peerId.IsZero() {
		return Id{}, errors.New("Zero peer_id.")
	}
	return peerId, nil
}
