package ballots

import (
	"crypto/rand"
	"errors"
	"io"
	"math/big"
	"strings"
	"time"
)

const (
	// DefaultReceiptPrefix is used when no prefix is configured.
	DefaultReceiptPrefix = "BLT"
	receiptAlphabet      = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	receiptSuffixLength  = 10
	receiptDateLayout    = "20060102"
)

var errMissingRandomSource = errors.New("ballots: random source is required")

// ReceiptGenerator issues voter-facing receipt identifiers.
type ReceiptGenerator interface {
	NewReceipt(submittedAt time.Time) (string, error)
}

type randomReceiptGenerator struct {
	prefix string
	source io.Reader
}

// NewReceiptGenerator returns a generator producing PREFIX-YYYYMMDD-SUFFIX
// receipts with a suffix drawn from crypto/rand.
func NewReceiptGenerator(prefix string) ReceiptGenerator {
	return newReceiptGenerator(prefix, rand.Reader)
}

func newReceiptGenerator(prefix string, source io.Reader) *randomReceiptGenerator {
	trimmed := strings.ToUpper(strings.TrimSpace(prefix))
	if trimmed == "" {
		trimmed = DefaultReceiptPrefix
	}
	return &randomReceiptGenerator{prefix: trimmed, source: source}
}

func (g *randomReceiptGenerator) NewReceipt(submittedAt time.Time) (string, error) {
	if g.source == nil {
		return "", errMissingRandomSource
	}
	alphabetSize := big.NewInt(int64(len(receiptAlphabet)))
	var builder strings.Builder
	builder.Grow(len(g.prefix) + len(receiptDateLayout) + receiptSuffixLength + 2)
	builder.WriteString(g.prefix)
	builder.WriteByte('-')
	builder.WriteString(submittedAt.UTC().Format(receiptDateLayout))
	builder.WriteByte('-')
	for i := 0; i < receiptSuffixLength; i++ {
		index, err := rand.Int(g.source, alphabetSize)
		if err != nil {
			return "", err
		}
		builder.WriteByte(receiptAlphabet[index.Int64()])
	}
	return builder.String(), nil
}
