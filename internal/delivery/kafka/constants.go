package kafka

import "time"

const (
	TopicRegisterRequest = "loyalty.register.req"
	TopicPurchaseRequest = "loyalty.purchase.req"
	TopicRedeemRequest   = "loyalty.redeem.req"
	TopicRegisterRetry   = "loyalty.register.retry"
	TopicPurchaseRetry   = "loyalty.purchase.retry"
	TopicRedeemRetry     = "loyalty.redeem.retry"
	TopicReplyPrefix     = "loyalty.reply."
	TopicRequestSuffix   = ".req"
	TopicRetrySuffix     = ".retry"
	TopicDLQSuffix       = ".dlq"

	SchemaVersion = 1

	RequestTimeout      = 3 * time.Second
	RetryBackoff        = 500 * time.Millisecond
	MaxDeliveryAttempts = 3

	RetryHeaderNextAt = "x-next-at"
	AttemptHeaderKey  = "x-attempt"
	ErrorHeaderKey    = "x-error"
	EventHeaderKey    = "x-event-type"
)
