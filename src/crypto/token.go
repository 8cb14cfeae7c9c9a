package crypto

import (
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	// SecretSize is the number of random bytes in a pairing token
	SecretSize = 10

	offerScheme  = "tether"
	offerHost    = "pair"
	offerVersion = "1"
)

var codeEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// PairingToken is a single-use invitation created by a host.
type PairingToken struct {
	ID        string
	Secret    []byte
	HostID    string
	HostKey   []byte
	Addrs     []string
	Relay     string
	ExpiresAt time.Time
}

// Code returns the secret in the form a user types in, four groups of four
// base32 characters.
func (t *PairingToken) Code() string {
	return FormatCode(t.Secret)
}

// Offer returns what a companion learns from the QR code.
func (t *PairingToken) Offer() *PairingOffer {
	return &PairingOffer{
		TokenID: t.ID,
		Secret:  append([]byte(nil), t.Secret...),
		HostID:  t.HostID,
		HostKey: append([]byte(nil), t.HostKey...),
		Addrs:   append([]string(nil), t.Addrs...),
		Relay:   t.Relay,
	}
}

// QRPayload returns the URI encoded in the QR code.
func (t *PairingToken) QRPayload() string {
	return t.Offer().String()
}

// PairingOffer is the companion's view of a pairing token. Offers parsed from
// a typed code carry only the secret and the host addresses.
type PairingOffer struct {
	TokenID string
	Secret  []byte
	HostID  string
	HostKey []byte
	Addrs   []string
	Relay   string
}

func (o *PairingOffer) String() string {
	q := url.Values{}
	q.Set("v", offerVersion)
	if o.HostID != "" {
		q.Set("host", o.HostID)
	}
	if len(o.HostKey) > 0 {
		q.Set("key", hex.EncodeToString(o.HostKey))
	}
	if o.TokenID != "" {
		q.Set("tok", o.TokenID)
	}
	q.Set("sec", codeEncoding.EncodeToString(o.Secret))
	for _, a := range o.Addrs {
		q.Add("addr", a)
	}
	if o.Relay != "" {
		q.Set("relay", o.Relay)
	}

	u := url.URL{
		Scheme:   offerScheme,
		Host:     offerHost,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// FormatCode renders a secret for manual entry.
func FormatCode(secret []byte) string {
	s := codeEncoding.EncodeToString(secret)
	var groups []string
	for len(s) > 4 {
		groups = append(groups, s[:4])
		s = s[4:]
	}
	groups = append(groups, s)
	return strings.Join(groups, "-")
}

// ParseCode is the inverse of FormatCode. Case, spaces and dashes are
// ignored.
func ParseCode(code string) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		if r == '-' || r == ' ' {
			return -1
		}
		return r
	}, strings.ToUpper(code))

	secret, err := codeEncoding.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadOffer, err)
	}
	if len(secret) != SecretSize {
		return nil, fmt.Errorf("%w: code has %d bytes", ErrBadOffer, len(secret))
	}
	return secret, nil
}

// ParseOffer accepts either a QR payload
//
//	tether://pair?v=1&host=..&key=..&tok=..&sec=..&addr=..&relay=..
//
// or a typed code followed by the host address, as in ABCD-EFGH-IJKL-MNOP@10.0.0.5:7420.
func ParseOffer(s string) (*PairingOffer, error) {
	s = strings.TrimSpace(s)

	if !strings.HasPrefix(s, offerScheme+"://") {
		return parseManualOffer(s)
	}

	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadOffer, err)
	}
	if u.Host != offerHost {
		return nil, fmt.Errorf("%w: unexpected %q", ErrBadOffer, u.Host)
	}

	q := u.Query()
	if v := q.Get("v"); v != offerVersion {
		return nil, fmt.Errorf("%w: unsupported version %q", ErrBadOffer, v)
	}

	secret, err := codeEncoding.DecodeString(q.Get("sec"))
	if err != nil || len(secret) != SecretSize {
		return nil, fmt.Errorf("%w: bad secret", ErrBadOffer)
	}

	offer := &PairingOffer{
		TokenID: q.Get("tok"),
		Secret:  secret,
		HostID:  q.Get("host"),
		Addrs:   q["addr"],
		Relay:   q.Get("relay"),
	}

	if k := q.Get("key"); k != "" {
		key, err := hex.DecodeString(k)
		if err != nil {
			return nil, fmt.Errorf("%w: bad host key", ErrBadOffer)
		}
		offer.HostKey = key
	}

	if len(offer.Addrs) == 0 && offer.Relay == "" && offer.HostID == "" {
		return nil, fmt.Errorf("%w: no way to reach the host", ErrBadOffer)
	}

	return offer, nil
}

func parseManualOffer(s string) (*PairingOffer, error) {
	parts := strings.SplitN(s, "@", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil, fmt.Errorf("%w: expected CODE@host:port", ErrBadOffer)
	}

	secret, err := ParseCode(parts[0])
	if err != nil {
		return nil, err
	}

	return &PairingOffer{
		Secret: secret,
		Addrs:  strings.Split(parts[1], ","),
	}, nil
}
