package signers

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"fmt"

	"github.com/georgepadayatti/gopades/pdf/writer"
)

// EstimateSize returns the number of DER bytes to reserve for a signature
// by s, with room for a timestamp token when timestamped is set.
func EstimateSize(s Signer, timestamped bool) int {
	size := baseOverhead + len(s.Certificate().Raw) + signatureLength(s.Certificate().PublicKey)
	for _, c := range s.Chain() {
		size += len(c.Raw)
	}
	if timestamped {
		size += TimestampAllowance
	}
	return size
}

// PlaceholderSize returns override when positive, the estimate otherwise.
func PlaceholderSize(s Signer, timestamped bool, override int) (int, error) {
	if override == 0 {
		return EstimateSize(s, timestamped), nil
	}
	if override < 0 || override > MaxPlaceholderSize {
		return 0, fmt.Errorf("%w: size %d out of range", writer.ErrPlaceholderTooSmall, override)
	}
	return override, nil
}

func signatureLength(pub any) int {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return k.Size()
	case *ecdsa.PublicKey:
		// SEQUENCE of two INTEGERs, each possibly with a leading zero.
		return 2*((k.Curve.Params().BitSize+7)/8) + 9
	}
	return 512
}
