package gatepass

import "errors"

var (
	// ErrAuthenticityFailure is returned when a webhook signature is missing or wrong
	ErrAuthenticityFailure = errors.New("webhook authenticity check failed")

	// ErrProviderUnavailable is returned when the payment provider cannot be reached
	ErrProviderUnavailable = errors.New("payment provider unavailable")

	// ErrPaymentNotSuccessful is returned when the provider does not confirm the payment
	ErrPaymentNotSuccessful = errors.New("payment not successful")

	// ErrMissingIdentity is returned when transaction metadata carries no recipient id
	ErrMissingIdentity = errors.New("recipient identity missing from transaction metadata")

	// ErrProvisioningFailure is returned when the invite link could not be created
	ErrProvisioningFailure = errors.New("access provisioning failed")

	// ErrNeedsManualIntervention is returned when provisioning retries are exhausted
	ErrNeedsManualIntervention = errors.New("access provisioning needs manual intervention")

	// ErrDeliveryFailure is returned when a grant exists but the recipient was not notified
	ErrDeliveryFailure = errors.New("notification delivery failed")

	// ErrGrantInProgress is returned when another worker holds the reservation for a transaction
	ErrGrantInProgress = errors.New("grant provisioning already in progress")

	// ErrReservationLost is returned when a worker commits an outcome for a
	// reservation another worker has since taken over
	ErrReservationLost = errors.New("grant reservation taken over")

	// ErrGrantNotFound is returned when no grant exists for a transaction
	ErrGrantNotFound = errors.New("grant not found")

	// ErrSubscriptionNotFound is returned when a recipient has no subscription record
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrRecipientNotFound is returned when a recipient was never registered
	ErrRecipientNotFound = errors.New("recipient not found")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrInvalidConfig is returned for missing or inconsistent configuration
	ErrInvalidConfig = errors.New("invalid configuration")
)

// IsRetryable reports whether err is transient, so redelivering the webhook
// later may succeed.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNeedsManualIntervention),
		errors.Is(err, ErrPaymentNotSuccessful),
		errors.Is(err, ErrMissingIdentity),
		errors.Is(err, ErrAuthenticityFailure):
		return false
	case errors.Is(err, ErrProviderUnavailable),
		errors.Is(err, ErrProvisioningFailure),
		errors.Is(err, ErrGrantInProgress),
		errors.Is(err, ErrReservationLost),
		errors.Is(err, ErrDeliveryFailure),
		errors.Is(err, ErrStorageUnavailable),
		errors.Is(err, ErrCircuitOpen):
		return true
	}
	return true
}
