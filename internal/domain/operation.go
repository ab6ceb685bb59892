package domain

import "strings"

// Operation is the kind of ledger event a trade record describes.
type Operation int

const (
	OperationBuy Operation = iota + 1
	OperationSell
	OperationDeposit
	OperationWithdrawal
	OperationFee
	OperationTransferIn
	OperationTransferOut
)

// operation string constants to avoid magic strings
const (
	operationStringBuy         = "BUY"
	operationStringSell        = "SELL"
	operationStringDeposit     = "DEPOSIT"
	operationStringWithdrawal  = "WITHDRAWAL"
	operationStringFee         = "FEE"
	operationStringTransferIn  = "TRANSFER_IN"
	operationStringTransferOut = "TRANSFER_OUT"
)

var operationAliases = map[string]Operation{
	operationStringBuy:         OperationBuy,
	operationStringSell:        OperationSell,
	operationStringDeposit:     OperationDeposit,
	operationStringWithdrawal:  OperationWithdrawal,
	"WITHDRAW":                 OperationWithdrawal,
	operationStringFee:         OperationFee,
	"COMMISSION":               OperationFee,
	operationStringTransferIn:  OperationTransferIn,
	operationStringTransferOut: OperationTransferOut,
}

// ParseOperation maps an exported operation label to an Operation.
// Matching ignores case and treats spaces and hyphens as underscores.
func ParseOperation(s string) (Operation, bool) {
	normalized := strings.ToUpper(strings.TrimSpace(s))
	normalized = strings.NewReplacer(" ", "_", "-", "_").Replace(normalized)
	op, ok := operationAliases[normalized]
	return op, ok
}

// String returns the canonical label of the operation.
func (o Operation) String() string {
	switch o {
	case OperationBuy:
		return operationStringBuy
	case OperationSell:
		return operationStringSell
	case OperationDeposit:
		return operationStringDeposit
	case OperationWithdrawal:
		return operationStringWithdrawal
	case OperationFee:
		return operationStringFee
	case OperationTransferIn:
		return operationStringTransferIn
	case OperationTransferOut:
		return operationStringTransferOut
	default:
		return "UNKNOWN"
	}
}

// IsValid reports whether o is one of the known operations.
func (o Operation) IsValid() bool {
	return o >= OperationBuy && o <= OperationTransferOut
}

// IsExchange reports whether the operation swaps base for quote at a price.
func (o Operation) IsExchange() bool {
	return o == OperationBuy || o == OperationSell
}
