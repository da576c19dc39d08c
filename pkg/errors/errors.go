package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"
)

// Code is the type representing a namespace error code.
type Code[MT any] struct {
	Code       uint16
	Name       string
	HTTPStatus int
}

// New creates a new error with the given code and the message
func (c Code[MT]) New(msg string, args ...any) TypedError[MT] {
	return &ErrorImpl[MT]{
		code:  c,
		cause: fmt.Errorf(msg, args...),
	}
}

// Wrap creates a new Error with the given code and the cause error
func (c Code[MT]) Wrap(cause error) TypedError[MT] {
	return &ErrorImpl[MT]{
		code:  c,
		cause: cause,
	}
}

func (c Code[MT]) String() string {
	return fmt.Sprintf("%s (%d)", c.Name, c.Code)
}

// Is reports whether err carries this code.
func (c Code[MT]) Is(err error) bool {
	var e Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code() == c.Code
}

// Is and As mirror the standard library so that callers need a single import.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

type Error interface {
	error
	Log() *log.Entry
	Code() uint16
	CodeName() string
	HTTPStatus() int
	Metadata() map[string]string
}

type TypedError[MT any] interface {
	Error
	WithMetadata(MT) TypedError[MT]
}

// ErrorImpl is the default concrete implementation of TypedError.
type ErrorImpl[MT any] struct {
	code     Code[MT]
	cause    error
	metadata MT
}

func (e *ErrorImpl[MT]) Log() *log.Entry {
	return log.WithField("name", e.code.Name).
		WithField("code", e.code.Code).
		WithField("metadata", e.metadata)
}

func (e *ErrorImpl[MT]) Metadata() map[string]string {
	// convert any metadata to map[string]string
	metadata := make(map[string]string)
	buf, err := json.Marshal(e.metadata)
	if err == nil {
		var genericMap map[string]any
		if err := json.Unmarshal(buf, &genericMap); err == nil {
			for k, v := range genericMap {
				vStr := ""
				if v != nil {
					vStr = fmt.Sprintf("%v", v)
				}
				metadata[k] = vStr
			}
		}
	}
	return metadata
}

func (e *ErrorImpl[MT]) HTTPStatus() int {
	return e.code.HTTPStatus
}

func (e *ErrorImpl[MT]) Code() uint16 {
	return e.code.Code
}

func (e *ErrorImpl[MT]) CodeName() string {
	return e.code.Name
}

// Error() implements the error interface.
func (e *ErrorImpl[MT]) Error() string {
	return fmt.Sprintf("%s: %s", e.code.String(), e.cause.Error())
}

func (e *ErrorImpl[MT]) Unwrap() error {
	return e.cause
}

func (e *ErrorImpl[MT]) WithMetadata(metadata MT) TypedError[MT] {
	e.metadata = metadata
	return e
}

type TxMetadata struct {
	Txid string `json:"txid"`
}

type InputMetadata struct {
	Txid       string `json:"txid"`
	InputIndex int    `json:"input_index"`
}

type OutputMetadata struct {
	Txid        string `json:"txid"`
	OutputIndex int    `json:"output_index"`
}

type DoubleSpendMetadata struct {
	Txid  string `json:"txid"`
	Nonce string `json:"nonce"`
}

type InsufficientFundsMetadata struct {
	Txid       string `json:"txid"`
	InputSum   uint64 `json:"input_sum"`
	OutputSum  uint64 `json:"output_sum"`
	FeeCharged uint64 `json:"fee_charged"`
}

type TierMetadata struct {
	Amount uint64 `json:"amount"`
}

type ContractMetadata struct {
	ContractId string `json:"contract_id"`
}

type OfferMetadata struct {
	PaymentHash string `json:"payment_hash"`
}

type ShareMetadata struct {
	Kind string `json:"kind"`
	Key  string `json:"key"`
	Peer uint16 `json:"peer"`
}

type SafetyViolationMetadata struct {
	Epoch         uint64 `json:"epoch"`
	LocalOutcome  string `json:"local_outcome"`
	QuorumOutcome string `json:"quorum_outcome"`
}

type NotFoundMetadata struct {
	Key string `json:"key"`
}

var INTERNAL_ERROR = Code[map[string]any]{0, "INTERNAL_ERROR", http.StatusInternalServerError}
var INVALID_TX_FORMAT = Code[TxMetadata]{1, "INVALID_TX_FORMAT", http.StatusBadRequest}
var INVALID_PROOF = Code[InputMetadata]{2, "INVALID_PROOF", http.StatusBadRequest}
var DOUBLE_SPEND = Code[DoubleSpendMetadata]{3, "DOUBLE_SPEND", http.StatusConflict}

var INSUFFICIENT_FUNDS = Code[InsufficientFundsMetadata]{
	4,
	"INSUFFICIENT_FUNDS",
	http.StatusBadRequest,
}
var UNKNOWN_TIER = Code[TierMetadata]{5, "UNKNOWN_TIER", http.StatusBadRequest}
var UNKNOWN_CONTRACT = Code[ContractMetadata]{6, "UNKNOWN_CONTRACT", http.StatusBadRequest}
var INVALID_PREIMAGE = Code[ContractMetadata]{7, "INVALID_PREIMAGE", http.StatusBadRequest}
var NO_OFFER = Code[OfferMetadata]{8, "NO_OFFER", http.StatusBadRequest}

var INSUFFICIENT_INCOMING_FUNDING = Code[OfferMetadata]{
	9,
	"INSUFFICIENT_INCOMING_FUNDING",
	http.StatusBadRequest,
}
var ZERO_OUTPUT = Code[OutputMetadata]{10, "ZERO_OUTPUT", http.StatusBadRequest}
var CONTRACT_NOT_READY = Code[ContractMetadata]{11, "CONTRACT_NOT_READY", http.StatusBadRequest}
var INVALID_SHARE = Code[ShareMetadata]{12, "INVALID_SHARE", http.StatusBadRequest}
var NOT_FOUND = Code[NotFoundMetadata]{13, "NOT_FOUND", http.StatusNotFound}
var RATE_LIMITED = Code[any]{14, "RATE_LIMITED", http.StatusTooManyRequests}

var SAFETY_VIOLATION = Code[SafetyViolationMetadata]{
	15,
	"SAFETY_VIOLATION",
	http.StatusServiceUnavailable,
}
var CHAIN_UNAVAILABLE = Code[any]{16, "CHAIN_UNAVAILABLE", http.StatusServiceUnavailable}
var INVALID_PEGOUT = Code[OutputMetadata]{17, "INVALID_PEGOUT", http.StatusBadRequest}
var ALREADY_ACCEPTED = Code[TxMetadata]{18, "ALREADY_ACCEPTED", http.StatusConflict}
var NOT_A_MINT_PEER = Code[any]{19, "NOT_A_MINT_PEER", http.StatusForbidden}
var INVALID_ARGUMENT = Code[any]{20, "INVALID_ARGUMENT", http.StatusBadRequest}
