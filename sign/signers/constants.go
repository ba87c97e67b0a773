package signers

import (
	"github.com/georgepadayatti/gopades/sign/fields"
)

// DefaultSigSubFilter is the default SubFilter to use for PDF signatures.
var DefaultSigSubFilter = fields.SubFilterETSICAdESDetached

// Filter is the /Filter of every signature dictionary written here.
const Filter = "Adobe.PPKLite"

// Placeholder sizing, in bytes of DER.
const (
	// baseOverhead covers the SignedData structure and signed attributes.
	baseOverhead = 2048
	// TimestampAllowance is reserved for an RFC 3161 token with its TSA chain.
	TimestampAllowance = 8192
	// MaxPlaceholderSize bounds explicit placeholder sizes.
	MaxPlaceholderSize = 1 << 20
)
