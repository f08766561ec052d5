package daraja

import (
	"encoding/base64"
	"fmt"
	"time"
)

// Environment selects the gateway base URL.
type Environment string

const (
	Sandbox    Environment = "sandbox"
	Production Environment = "production"
)

// Mode identifies which merchant identity a request is routed through. The
// two modes use different shortcode/passkey pairs and different gateway
// transaction-type constants.
type Mode string

const (
	ModePaybill Mode = "paybill"
	ModeTill    Mode = "till"
)

// Gateway transaction-type constants. Submitting the wrong one for a
// shortcode type is rejected by the gateway.
const (
	txnTypePaybill = "CustomerPayBillOnline"
	txnTypeTill    = "CustomerBuyGoodsOnline"
)

// Result codes shared by callbacks and status queries.
const (
	ResultSuccess         = 0
	ResultCancelledByUser = 1032
)

const (
	sandboxBaseURL    = "https://sandbox.safaricom.co.ke"
	productionBaseURL = "https://api.safaricom.co.ke"

	authPath  = "/oauth/v1/generate?grant_type=client_credentials"
	pushPath  = "/mpesa/stkpush/v1/processrequest"
	queryPath = "/mpesa/stkpushquery/v1/query"
)

// Credential is one merchant-identity shortcode/passkey pair.
type Credential struct {
	ShortCode string
	Passkey   string
}

// Config holds the gateway connection settings. Paybill and Till are both
// optional; a nil pair disables that mode.
type Config struct {
	ConsumerKey    string
	ConsumerSecret string
	Environment    Environment
	CallbackURL    string
	Paybill        *Credential
	Till           *Credential

	// BaseURL overrides the environment-derived URL. Used by tests.
	BaseURL string
}

func (c Config) baseURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	if c.Environment == Production {
		return productionBaseURL
	}
	return sandboxBaseURL
}

// CredentialFor returns the shortcode/passkey pair for a mode, or an error
// when that mode is not configured.
func (c Config) CredentialFor(mode Mode) (*Credential, error) {
	switch mode {
	case ModePaybill:
		if c.Paybill == nil {
			return nil, fmt.Errorf("paybill credentials not configured")
		}
		return c.Paybill, nil
	case ModeTill:
		if c.Till == nil {
			return nil, fmt.Errorf("till credentials not configured")
		}
		return c.Till, nil
	default:
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
}

// Enabled reports whether at least one merchant identity is configured.
func (c Config) Enabled() bool {
	return c.Paybill != nil || c.Till != nil
}

// TransactionType maps a mode to the gateway constant it requires.
func TransactionType(mode Mode) string {
	if mode == ModeTill {
		return txnTypeTill
	}
	return txnTypePaybill
}

// Password derives the request password and its matching timestamp from a
// single instant. The gateway validates a hash over both, so they must never
// be generated separately.
func Password(cred *Credential, at time.Time) (password, timestamp string) {
	timestamp = at.Format("20060102150405")
	password = base64.StdEncoding.EncodeToString(
		[]byte(cred.ShortCode + cred.Passkey + timestamp),
	)
	return password, timestamp
}
