package kafka

import (
	"github.com/azizikri/cafe-loyalty/internal/domain"
	"github.com/azizikri/cafe-loyalty/internal/usecase"
)

const (
	StatusSuccess = "SUCCESS"
	StatusError   = "ERROR"
)

// ErrCodeInvalidRequest is used for payloads that never reached the service.
// Service failures carry domain.Code values.
const ErrCodeInvalidRequest = "invalid_request"

type RedeemRequest struct {
	AccountID string `json:"account_id"`
	RewardID  string `json:"reward_id"`
}

type RequestPayload struct {
	SchemaVersion int                    `json:"schema_version"`
	CorrelationID string                 `json:"correlation_id"`
	ReplyTo       string                 `json:"reply_to"`
	Register      *usecase.RegisterInput `json:"register,omitempty"`
	Purchase      *usecase.PurchaseInput `json:"purchase,omitempty"`
	Redeem        *RedeemRequest         `json:"redeem,omitempty"`
}

type ResponsePayload struct {
	SchemaVersion int                   `json:"schema_version"`
	CorrelationID string                `json:"correlation_id"`
	Status        string                `json:"status"`
	ErrorCode     string                `json:"error_code,omitempty"`
	ErrorMessage  string                `json:"error_message,omitempty"`
	Account       *domain.Account       `json:"account,omitempty"`
	Earn          *usecase.EarnResult   `json:"earn,omitempty"`
	Redemption    *usecase.RedeemResult `json:"redemption,omitempty"`
}

// RemoteError is a service failure reported over the reply topic. It unwraps
// to the matching domain sentinel when the code is known.
type RemoteError struct {
	Code    string
	Message string
	Err     error
}

func (e *RemoteError) Error() string {
	return e.Message
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}
