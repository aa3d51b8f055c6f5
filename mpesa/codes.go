package mpesa

import "fmt"

const (
	CodeSuccess = "INS-0"
	// ResultSuccess is the async callback result code for a completed payment.
	ResultSuccess = "0"
)

var responseMessages = map[string]string{
	"INS-0":    "Request processed successfully",
	"INS-1":    "Internal error",
	"INS-5":    "Transaction declined: Duplicate transaction",
	"INS-6":    "Transaction failed",
	"INS-9":    "Timeout waiting for response",
	"INS-10":   "Insufficient balance",
	"INS-13":   "Invalid shortcode",
	"INS-14":   "Invalid reference",
	"INS-15":   "Invalid amount",
	"INS-16":   "Unable to process - try again later",
	"INS-17":   "Invalid transaction reference",
	"INS-18":   "Invalid transaction ID",
	"INS-19":   "Transaction in progress",
	"INS-20":   "Invalid MSISDN (phone number)",
	"INS-21":   "Parameter validation failed",
	"INS-22":   "Invalid operation",
	"INS-23":   "Invalid API key",
	"INS-24":   "Invalid API host",
	"INS-25":   "Request cancelled by user",
	"INS-26":   "Transaction cancelled",
	"INS-2001": "Initiator authentication error",
	"INS-2006": "Insufficient balance",
	"INS-2051": "Customer profile has problem",
	"INS-2057": "Provider rejected request",
}

// Describe maps a provider response code to a human-readable reason.
func Describe(code string) string {
	if msg, ok := responseMessages[code]; ok {
		return msg
	}
	return fmt.Sprintf("Unknown error: %s", code)
}

// Category groups rejection codes into the failure kinds callers branch on.
type Category string

const (
	CategoryInsufficientFunds Category = "insufficient_funds"
	CategoryExpired           Category = "expired"
	CategoryCancelled         Category = "cancelled"
	CategoryInvalidNumber     Category = "invalid_number"
	CategoryDuplicate         Category = "duplicate"
	CategoryAuthentication    Category = "authentication"
	CategoryRejected          Category = "rejected"
)

func Categorize(code string) Category {
	switch code {
	case "INS-10", "INS-2006":
		return CategoryInsufficientFunds
	case "INS-9":
		return CategoryExpired
	case "INS-25", "INS-26":
		return CategoryCancelled
	case "INS-20":
		return CategoryInvalidNumber
	case "INS-5":
		return CategoryDuplicate
	case "INS-23", "INS-2001":
		return CategoryAuthentication
	}
	return CategoryRejected
}
