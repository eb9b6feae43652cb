package cloud

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"strconv"
)

// Credentials are the per-user secrets issued by the vehicle app.
type Credentials struct {
	AccessToken  string `yaml:"access_token"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// Identity describes the client application presented to the API. It is
// created once per process and shared by every request.
type Identity struct {
	Nonce         string
	AppCode       string
	AppVersion    string
	System        string
	SystemVersion string
}

const nonceLetters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// NewIdentity returns the Android app identity with a fresh random nonce.
func NewIdentity() Identity {
	return Identity{
		Nonce:         randomLetters(10),
		AppCode:       "sgmw_llb",
		AppVersion:    "1656",
		System:        "android",
		SystemVersion: "10",
	}
}

func randomLetters(n int) string {
	b := make([]byte, n)
	limit := big.NewInt(int64(len(nonceLetters)))
	for i := range b {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			idx = big.NewInt(int64(i))
		}
		b[i] = nonceLetters[idx.Int64()]
	}
	return string(b)
}

// Sign computes the request signature: lower-case hex MD5 of the token,
// timestamp, nonce, client id and secret, then the app identity fields.
func Sign(cred Credentials, id Identity, timestampMillis int64) string {
	sum := md5.Sum([]byte(cred.AccessToken +
		strconv.FormatInt(timestampMillis, 10) +
		id.Nonce +
		cred.ClientID +
		cred.ClientSecret +
		id.AppCode +
		id.AppVersion +
		id.System +
		id.SystemVersion))
	return hex.EncodeToString(sum[:])
}
