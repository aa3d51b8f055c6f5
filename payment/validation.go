package payment

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"

	"mpesa-payment-svc/config"
	"mpesa-payment-svc/models"
)

var (
	nonDigits = regexp.MustCompile(`\D`)
	// 258 country code, mobile prefixes 84-87, 7 subscriber digits
	mozambiqueMSISDN = regexp.MustCompile(`^258(84|85|86|87)\d{7}$`)
)

const (
	maxIdempotencyKey = 100
	maxCustomerName   = 200
	maxCustomerEmail  = 255
	maxEntityType     = 50
	maxEntityID       = 100
)

// NormalizePhone converts local and international notations into the
// 258XXXXXXXXX form the provider expects.
func NormalizePhone(raw string) (string, error) {
	d := nonDigits.ReplaceAllString(raw, "")
	d = strings.TrimPrefix(d, "00")
	switch {
	case strings.HasPrefix(d, "0"):
		d = "258" + d[1:]
	case len(d) == 9:
		d = "258" + d
	}
	if !mozambiqueMSISDN.MatchString(d) {
		return "", validationError("phone_number", "Phone number must be a Mozambique mobile number in format 258XXXXXXXXX")
	}
	return d, nil
}

// sanitize drops control characters and surrounding whitespace.
func sanitize(s string) string {
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s))
}

type validatedRequest struct {
	phone          string
	amount         decimal.Decimal
	reference      string
	description    string
	entityType     string
	entityID       string
	customerName   string
	customerEmail  string
	idempotencyKey *string
}

func validateRequest(req models.InitiatePaymentRequest, cfg config.PaymentConfig) (*validatedRequest, error) {
	phone, err := NormalizePhone(req.PhoneNumber)
	if err != nil {
		return nil, err
	}

	minAmount, maxAmount := cfg.MinAmountDecimal(), cfg.MaxAmountDecimal()
	if req.Amount.LessThan(minAmount) {
		return nil, validationError("amount", fmt.Sprintf("Amount must be at least %s", minAmount))
	}
	if req.Amount.GreaterThan(maxAmount) {
		return nil, validationError("amount", fmt.Sprintf("Amount cannot exceed %s", maxAmount))
	}
	if !req.Amount.Equal(req.Amount.Round(2)) {
		return nil, validationError("amount", "Amount must have at most 2 decimal places")
	}

	v := &validatedRequest{
		phone:         phone,
		amount:        req.Amount,
		reference:     sanitize(req.Reference),
		description:   sanitize(req.Description),
		entityType:    sanitize(req.EntityType),
		entityID:      sanitize(req.EntityID),
		customerName:  sanitize(req.CustomerName),
		customerEmail: sanitize(req.CustomerEmail),
	}

	if v.reference == "" {
		return nil, validationError("account_reference", "Account reference is required")
	}
	limits := []struct {
		field string
		value string
		max   int
	}{
		{"account_reference", v.reference, cfg.ReferenceMaxLength},
		{"description", v.description, cfg.DescriptionMaxLen},
		{"entity_type", v.entityType, maxEntityType},
		{"entity_id", v.entityID, maxEntityID},
		{"customer_name", v.customerName, maxCustomerName},
		{"customer_email", v.customerEmail, maxCustomerEmail},
	}
	for _, l := range limits {
		if l.max > 0 && len([]rune(l.value)) > l.max {
			return nil, validationError(l.field, fmt.Sprintf("%s cannot exceed %d characters", l.field, l.max))
		}
	}

	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		if len(key) > maxIdempotencyKey {
			return nil, validationError("idempotency_key", fmt.Sprintf("idempotency_key cannot exceed %d characters", maxIdempotencyKey))
		}
		v.idempotencyKey = &key
	}
	return v, nil
}
