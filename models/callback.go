package models

import (
	"bytes"
	"encoding/json"
)

// ProviderString accepts either a JSON string or a bare number. The provider
// is not consistent about quoting result codes.
type ProviderString string

func (p *ProviderString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*p = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = ProviderString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*p = ProviderString(n.String())
	return nil
}

type CallbackPayload struct {
	OriginalConversationID ProviderString `json:"input_OriginalConversationID"`
	ThirdPartyReference    ProviderString `json:"input_ThirdPartyReference"`
	TransactionID          ProviderString `json:"input_TransactionID"`
	ResultCode             ProviderString `json:"input_ResultCode"`
	ResultDesc             ProviderString `json:"input_ResultDesc"`
}

func (p CallbackPayload) Successful() bool {
	return p.ResultCode == "0"
}

const (
	AckCodeAccepted  = "0"
	AckCodeRetryable = "1"
	AckDescAccepted  = "Successfully Accepted Result"
)

type CallbackAck struct {
	OriginalConversationID   string `json:"output_OriginalConversationID"`
	ResponseCode             string `json:"output_ResponseCode"`
	ResponseDesc             string `json:"output_ResponseDesc"`
	ThirdPartyConversationID string `json:"output_ThirdPartyConversationID"`
}
