package escrow

import "errors"

// ErrNotFound is returned by stores when a row does not exist.
var ErrNotFound = errors.New("not found")

// ErrNotInitialized is returned when no global configuration has been stored yet.
var ErrNotInitialized = errors.New("escrow not initialized")

// RejectKind classifies a rejected call for transports.
type RejectKind int

const (
	RejectInvalid RejectKind = iota
	RejectForbidden
	RejectNotFound
)

// Rejection is a failed precondition. A rejected call commits nothing.
type Rejection struct {
	Kind   RejectKind
	Reason string
}

func (r *Rejection) Error() string { return r.Reason }

func reject(kind RejectKind, reason string) *Rejection {
	return &Rejection{Kind: kind, Reason: reason}
}

// Identity gates.
var (
	ErrOnlyOwner    = reject(RejectForbidden, "only owner")
	ErrOnlyOperator = reject(RejectForbidden, "only operator")
)

var (
	ErrAgentNotEnrolled = reject(RejectNotFound, "agent not enrolled")
	ErrEpochNotBilled   = reject(RejectNotFound, "epoch not billed")
)

// Configuration.
var (
	ErrAlreadyInitialized  = reject(RejectInvalid, "already initialized")
	ErrInvalidOwner        = reject(RejectInvalid, "invalid owner")
	ErrInvalidOperator     = reject(RejectInvalid, "invalid operator")
	ErrInvalidWindowReward = reject(RejectInvalid, "window reward must be positive")
	ErrInvalidSetupFee     = reject(RejectInvalid, "setup fee must be positive")
	ErrInvalidMinBond      = reject(RejectInvalid, "min bond must be positive")
	ErrInvalidGraceEpochs  = reject(RejectInvalid, "grace epochs must be positive")
	ErrInvalidBackbill     = reject(RejectInvalid, "invalid backbill limit")
	ErrInvalidHardCap      = reject(RejectInvalid, "invalid window hard cap")
)

// Agent lifecycle.
var (
	ErrInvalidFeeBps               = reject(RejectInvalid, "invalid fee bps")
	ErrInvalidMaxWindows           = reject(RejectInvalid, "invalid max windows")
	ErrMaxWindowsOverHardCap       = reject(RejectInvalid, "max windows exceeds hard cap")
	ErrInvalidMaxCharge            = reject(RejectInvalid, "invalid max epoch charge")
	ErrRegisterNeedsPayment        = reject(RejectInvalid, "registration requires payment")
	ErrInsufficientRegisterPayment = reject(RejectInvalid, "insufficient register payment")
	ErrOutstandingDebt             = reject(RejectInvalid, "outstanding debt exists")
	ErrReactivateNeedsMinBond      = reject(RejectInvalid, "need min bond to reactivate")
	ErrTopUpNeedsPayment           = reject(RejectInvalid, "top-up requires payment")
	ErrAgentCancelled              = reject(RejectInvalid, "agent cancelled")
	ErrNotActive                   = reject(RejectInvalid, "not active")
	ErrNotPausedOrSuspended        = reject(RejectInvalid, "not paused or suspended")
	ErrHealthChecksFailed          = reject(RejectInvalid, "health checks failed")
)

// Billing, settlement and enforcement.
var (
	ErrWindowsNotPositive  = reject(RejectInvalid, "windows must be positive")
	ErrEpochNotClosed      = reject(RejectInvalid, "epoch not closed yet")
	ErrEpochTooOld         = reject(RejectInvalid, "epoch too old to bill")
	ErrBeforeJoinEpoch     = reject(RejectInvalid, "cannot bill before join epoch")
	ErrBillingOrder        = reject(RejectInvalid, "epoch already passed in billing order")
	ErrExceedsAgentWindows = reject(RejectInvalid, "exceeds max windows per epoch")
	ErrExceedsHardCap      = reject(RejectInvalid, "exceeds global windows hard cap")
	ErrEpochAlreadyBilled  = reject(RejectInvalid, "epoch already billed")
	ErrFeeRoundsToZero     = reject(RejectInvalid, "fee rounds to zero")
	ErrExceedsMaxCharge    = reject(RejectInvalid, "exceeds agent max charge per epoch")
	ErrEpochAlreadySettled = reject(RejectInvalid, "epoch already settled")
	ErrPaymentRequired     = reject(RejectInvalid, "payment required")
	ErrStillInGracePeriod  = reject(RejectInvalid, "still in grace period")
	ErrNothingDue          = reject(RejectInvalid, "nothing due")
)

// Owner withdrawal.
var (
	ErrAmountNotPositive     = reject(RejectInvalid, "amount must be positive")
	ErrInvalidRecipient      = reject(RejectInvalid, "invalid recipient")
	ErrInsufficientClaimable = reject(RejectInvalid, "insufficient claimable")
)
