// Package serialize implements the self-describing tagged binary encoding
// used for checkpoints and journal entries (see SPEC_FULL.md §6). It is a
// thin wrapper over CBOR (RFC 8949): every supported payload shape — nested
// maps, ordered sequences, strings, integers, floats, booleans, and null —
// is a native CBOR major type, decoding never constructs new Go types from
// wire data (targets are fixed struct/map shapes), and map keys that match
// no field of a struct target are skipped rather than erroring (they are
// dropped, not kept in a residual bucket).
package serialize

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/pcharbon70/agentkeeper/errs"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encOpts := cbor.CanonicalEncOptions()
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("serialize: building CBOR encode mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		// DupMapKey and IndefLength keep the library defaults (duplicate map
		// keys are not rejected; indefinite lengths are allowed);
		// ExtraReturnErrors stays default (none) so keys matching no struct
		// field are skipped instead of failing.
		MaxNestedLevels: 32,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("serialize: building CBOR decode mode: %v", err))
	}
}

// Marshal encodes v using the canonical CBOR encoding.
func Marshal(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("serialize: marshal: %w", err)
	}
	return b, nil
}

// Unmarshal decodes data into v. A malformed frame surfaces as
// errs.ErrInvalidTerm so callers can route it to a DLQ uniformly.
func Unmarshal(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrInvalidTerm, err)
	}
	return nil
}
