package benefit

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// PaymentIntent is the out-of-band payload a worker scans at an establishment.
//
// EstablishmentID is display-only. The receiving establishment is always the
// verified caller of the settlement service; the token value is cross-checked
// against it and never substituted.
type PaymentIntent struct {
	EstablishmentID PrincipalID
	Amount          Amount
	Category        Category
	Description     string
}

type intentWire struct {
	EstablishmentID string          `json:"establishmentId"`
	Amount          decimal.Decimal `json:"amount"`
	BenefitType     string          `json:"benefitType,omitempty"`
	Category        string          `json:"category,omitempty"`
	Description     string          `json:"description"`
}

// ParseIntent decodes and validates a payment-intent token. Both the
// "benefitType" and "category" field names are accepted.
func ParseIntent(token []byte) (PaymentIntent, error) {
	var w intentWire
	dec := json.NewDecoder(strings.NewReader(string(token)))
	if err := dec.Decode(&w); err != nil {
		return PaymentIntent{}, &ValidationError{Field: "intent", Reason: "malformed payload: " + err.Error()}
	}

	estID := PrincipalID(strings.TrimSpace(w.EstablishmentID))
	if err := estID.Validate("intent.establishmentId"); err != nil {
		return PaymentIntent{}, err
	}

	name := w.BenefitType
	if name == "" {
		name = w.Category
	}
	category, err := ParseCategory(name)
	if err != nil {
		return PaymentIntent{}, err
	}

	amount, err := AmountFromDecimal(w.Amount)
	if err != nil {
		return PaymentIntent{}, err
	}
	if err := RequirePositive("intent.amount", amount); err != nil {
		return PaymentIntent{}, err
	}

	description := strings.TrimSpace(w.Description)
	if description == "" {
		return PaymentIntent{}, &ValidationError{Field: "intent.description", Reason: "is required"}
	}

	return PaymentIntent{
		EstablishmentID: estID,
		Amount:          amount,
		Category:        category,
		Description:     description,
	}, nil
}

// Encode renders the canonical token for the intent. The amount is written as
// a JSON number, which is what scanning clients expect.
func (pi PaymentIntent) Encode() ([]byte, error) {
	return json.Marshal(struct {
		EstablishmentID string      `json:"establishmentId"`
		Amount          json.Number `json:"amount"`
		BenefitType     string      `json:"benefitType"`
		Description     string      `json:"description"`
	}{
		EstablishmentID: string(pi.EstablishmentID),
		Amount:          json.Number(pi.Amount.Decimal().String()),
		BenefitType:     string(pi.Category),
		Description:     pi.Description,
	})
}
