package audit

import (
	"fmt"
	"sort"
	"time"

	"github.com/yachaq/privacy-core/internal/domain/errors"
)

// ChainVerifier verifies hash chain integrity over receipt sequences.
type ChainVerifier interface {
	// VerifySequential verifies a sequence of receipts maintains chain integrity
	VerifySequential(receipts []*Receipt) (*ChainVerificationResult, error)

	// VerifyReceipt verifies a single receipt against its expected previous hash
	VerifyReceipt(receipt *Receipt, expectedPreviousHash string) (bool, error)

	// DetectBreaks finds all chain breaks in a sequence
	DetectBreaks(receipts []*Receipt) ([]*ChainBreak, error)
}

// HashChainVerifier implements ChainVerifier
type HashChainVerifier struct {
	allowEmptyChain    bool
	validateTimestamps bool
}

// NewHashChainVerifier creates a verifier with default settings
func NewHashChainVerifier() *HashChainVerifier {
	return &HashChainVerifier{
		allowEmptyChain:    true,
		validateTimestamps: true,
	}
}

// ChainVerificationResult contains the outcome of chain verification
type ChainVerificationResult struct {
	IsValid           bool          `json:"is_valid"`
	ReceiptsVerified  int           `json:"receipts_verified"`
	ChainBreaks       []*ChainBreak `json:"chain_breaks,omitempty"`
	VerificationTime  time.Duration `json:"verification_time"`
	StartSequence     uint64        `json:"start_sequence,omitempty"`
	EndSequence       uint64        `json:"end_sequence,omitempty"`
	ErrorsEncountered []string      `json:"errors_encountered,omitempty"`
}

// ChainBreak describes a detected break in the chain
type ChainBreak struct {
	ReceiptID    string    `json:"receipt_id"`
	SequenceNum  uint64    `json:"sequence_num"`
	ExpectedHash string    `json:"expected_hash,omitempty"`
	ActualHash   string    `json:"actual_hash,omitempty"`
	BreakType    BreakType `json:"break_type"`
	Description  string    `json:"description"`
}

// BreakType categorizes the kind of chain break
type BreakType string

const (
	BreakTypeHashMismatch     BreakType = "hash_mismatch"
	BreakTypeSequenceGap      BreakType = "sequence_gap"
	BreakTypeTimestampReverse BreakType = "timestamp_reverse"
	BreakTypeInvalidGenesis   BreakType = "invalid_genesis"
	BreakTypeCorruptedReceipt BreakType = "corrupted_receipt"
)

func (bt BreakType) String() string {
	return string(bt)
}

// VerifySequential verifies chain integrity for a sequence of receipts.
// Receipts are sorted by sequence number first, so callers may pass
// them in any order.
func (v *HashChainVerifier) VerifySequential(receipts []*Receipt) (*ChainVerificationResult, error) {
	startTime := time.Now()

	result := &ChainVerificationResult{
		IsValid:     true,
		ChainBreaks: make([]*ChainBreak, 0),
	}

	if len(receipts) == 0 {
		if !v.allowEmptyChain {
			return nil, errors.NewValidationError("EMPTY_CHAIN",
				"empty receipt chain not allowed")
		}
		result.VerificationTime = time.Since(startTime)
		return result, nil
	}

	sorted := make([]*Receipt, len(receipts))
	copy(sorted, receipts)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].SequenceNumber.Uint64() < sorted[j].SequenceNumber.Uint64()
	})

	result.StartSequence = sorted[0].SequenceNumber.Uint64()
	result.EndSequence = sorted[len(sorted)-1].SequenceNumber.Uint64()

	// The expected previous hash of the first receipt in the slice is
	// whatever it claims, unless it is sequence 1, which must chain
	// from GENESIS.
	expectedPrevious := sorted[0].PreviousHash
	if sorted[0].SequenceNumber.Uint64() == 1 && sorted[0].PreviousHash != GenesisHash {
		result.IsValid = false
		result.ChainBreaks = append(result.ChainBreaks, &ChainBreak{
			ReceiptID:   sorted[0].ID.String(),
			SequenceNum: sorted[0].SequenceNumber.Uint64(),
			ActualHash:  sorted[0].PreviousHash,
			BreakType:   BreakTypeInvalidGenesis,
			Description: "first receipt of shard does not chain from GENESIS",
		})
	}

	var previousTimestamp time.Time

	for i, receipt := range sorted {
		result.ReceiptsVerified++

		if err := receipt.Validate(); err != nil {
			result.IsValid = false
			result.ChainBreaks = append(result.ChainBreaks, &ChainBreak{
				ReceiptID:   receipt.ID.String(),
				SequenceNum: receipt.SequenceNumber.Uint64(),
				BreakType:   BreakTypeCorruptedReceipt,
				Description: err.Error(),
			})
			continue
		}

		if i > 0 {
			if !receipt.SequenceNumber.Follows(sorted[i-1].SequenceNumber) {
				result.IsValid = false
				result.ChainBreaks = append(result.ChainBreaks, &ChainBreak{
					ReceiptID:   receipt.ID.String(),
					SequenceNum: receipt.SequenceNumber.Uint64(),
					BreakType:   BreakTypeSequenceGap,
					Description: fmt.Sprintf("expected sequence %d, got %d",
						sorted[i-1].SequenceNumber.Uint64()+1, receipt.SequenceNumber.Uint64()),
				})
			}

			if v.validateTimestamps && receipt.Timestamp.Before(previousTimestamp) {
				result.IsValid = false
				result.ChainBreaks = append(result.ChainBreaks, &ChainBreak{
					ReceiptID:   receipt.ID.String(),
					SequenceNum: receipt.SequenceNumber.Uint64(),
					BreakType:   BreakTypeTimestampReverse,
					Description: "receipt timestamp precedes its predecessor",
				})
			}
		}

		ok, err := v.VerifyReceipt(receipt, expectedPrevious)
		if err != nil {
			result.IsValid = false
			result.ErrorsEncountered = append(result.ErrorsEncountered,
				fmt.Sprintf("hash verification error for receipt %s: %v", receipt.ID, err))
		} else if !ok {
			result.IsValid = false
			result.ChainBreaks = append(result.ChainBreaks, &ChainBreak{
				ReceiptID:    receipt.ID.String(),
				SequenceNum:  receipt.SequenceNumber.Uint64(),
				ExpectedHash: expectedPrevious,
				ActualHash:   receipt.PreviousHash,
				BreakType:    BreakTypeHashMismatch,
				Description:  "hash chain break detected",
			})
		}

		expectedPrevious = receipt.Hash.String()
		previousTimestamp = receipt.Timestamp
	}

	result.VerificationTime = time.Since(startTime)
	return result, nil
}

// VerifyReceipt verifies one receipt: its previous-hash link and its
// own hash integrity.
func (v *HashChainVerifier) VerifyReceipt(receipt *Receipt, expectedPreviousHash string) (bool, error) {
	if receipt == nil {
		return false, errors.NewValidationError("NIL_RECEIPT", "receipt cannot be nil")
	}

	if !receipt.IsSealed() || receipt.Hash.IsEmpty() {
		return false, errors.NewValidationError("RECEIPT_NOT_SEALED",
			"receipt must be sealed with a computed hash")
	}

	if receipt.PreviousHash != expectedPreviousHash {
		return false, nil
	}

	return receipt.VerifyHash(), nil
}

// DetectBreaks finds all chain breaks in a sequence
func (v *HashChainVerifier) DetectBreaks(receipts []*Receipt) ([]*ChainBreak, error) {
	result, err := v.VerifySequential(receipts)
	if err != nil {
		return nil, err
	}
	return result.ChainBreaks, nil
}
