package eirc

import "time"

// Account is a billing account as returned by the portal's accounts
// endpoint. The tenancy register is the stable public identifier used
// for entity IDs; the numeric ID is what the other endpoints key on.
type Account struct {
	ID            int64   `json:"id"`
	Alias         string  `json:"alias"`
	Confirmed     bool    `json:"confirmed"`
	AutoPaymentOn bool    `json:"autoPaymentOn"`
	Tenancy       Tenancy `json:"tenancy"`
	Service       Service `json:"service"`
}

// Tenancy identifies the housing unit a billing account covers.
type Tenancy struct {
	Register string `json:"register"`
}

// Service describes the provider behind an account.
type Service struct {
	ProviderCode string `json:"providerCode"`
}

// Meter is a utility meter attached to an account. A meter carries one
// indication per scale (e.g. day/night tariffs on an electricity
// meter); each scale is exposed as its own sensor.
type Meter struct {
	ID           MeterID      `json:"id"`
	Name         string       `json:"name"`
	SubserviceID int64        `json:"subserviceId"`
	Indications  []Indication `json:"indications"`
}

// MeterID wraps the meter registration number, the identifier the
// submission endpoint addresses meters by.
type MeterID struct {
	Registration string `json:"registration"`
}

// subserviceElectricity is the portal's subservice ID for electricity
// meters, which get tariff-scale display names instead of the raw
// meter name.
const subserviceElectricity = 54179

// Kind returns a coarse meter kind for icons and labels.
func (m Meter) Kind() string {
	if m.SubserviceID == subserviceElectricity {
		return "electricity"
	}
	return "other"
}

// Indication is the last known reading on one scale of a meter.
type Indication struct {
	MeterScaleID        int64   `json:"meterScaleId"`
	ScaleName           string  `json:"scaleName"`
	Unit                string  `json:"unit"`
	PreviousReading     float64 `json:"previousReading"`
	PreviousReadingDate string  `json:"previousReadingDate"`
}

// Balance is the aggregated current charge for an account, computed
// from the checked items of the discretion payment endpoint.
type Balance struct {
	Amount float64
	BillID int64
	AsOf   time.Time
}

// Reading is one scale value in a meter reading submission.
type Reading struct {
	ScaleID int64   `json:"scaleId"`
	Value   float64 `json:"value"`
}

// TokenState is the persistable authentication state: the session
// cookie plus the auth and verification tokens the portal issues.
// Persisting it across restarts avoids re-triggering the email
// challenge on every start.
type TokenState struct {
	SessionCookie string `json:"session_cookie"`
	TokenAuth     string `json:"token_auth"`
	TokenVerify   string `json:"token_verify"`
}

// Complete reports whether the state carries everything needed to make
// authenticated calls without a fresh login.
func (t TokenState) Complete() bool {
	return t.SessionCookie != "" && t.TokenAuth != "" && t.TokenVerify != ""
}

// discretionItem is one row of the balance endpoint response. Only
// checked rows count toward the balance.
type discretionItem struct {
	Checked bool `json:"checked"`
	Charge  struct {
		Accrued float64 `json:"accrued"`
	} `json:"charge"`
	Bill struct {
		ID int64 `json:"id"`
	} `json:"bill"`
}

// authResponse is the success body of the auth and verification
// endpoints.
type authResponse struct {
	Auth     string `json:"auth"`
	Verified string `json:"verified"`
}

// challengeResponse is the 424 body of the auth endpoint announcing a
// two-factor challenge.
type challengeResponse struct {
	TransactionID string   `json:"transactionId"`
	Types         []string `json:"types"`
}
