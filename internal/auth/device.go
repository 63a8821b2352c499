package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fleetrail/fleetrail/internal/config"
)

var ErrInvalidToken = errors.New("invalid device token")

// DeviceClaims identifies one device within one tenant.
type DeviceClaims struct {
	Tenant       string `json:"tenant"`
	ControllerID string `json:"controller_id"`
	jwt.RegisteredClaims
}

// DeviceTokens issues and validates short-lived device JWTs. Devices may
// exchange their static security token for a JWT to avoid sending the
// long-lived secret on every poll.
type DeviceTokens struct {
	secret []byte
	ttl    time.Duration
}

func NewDeviceTokens(cfg *config.Config) *DeviceTokens {
	return &DeviceTokens{
		secret: []byte(cfg.DeviceTokenSecret),
		ttl:    cfg.DeviceTokenTTL,
	}
}

func (d *DeviceTokens) Enabled() bool {
	return len(d.secret) > 0
}

func (d *DeviceTokens) Issue(tenant, controllerID string) (string, error) {
	now := time.Now()
	claims := DeviceClaims{
		Tenant:       tenant,
		ControllerID: controllerID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   controllerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(d.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(d.secret)
}

func (d *DeviceTokens) Parse(tokenString string) (*DeviceClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &DeviceClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return d.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*DeviceClaims)
	if !ok || claims.Tenant == "" || claims.ControllerID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
