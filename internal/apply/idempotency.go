package apply

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/phys-sims/pm-bot-sub001/internal/domain"
	"github.com/zeebo/blake3"
)

const keyPrefix = "idem_"

var keyEncMode cbor.EncMode

func init() {
	var err error
	keyEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("apply: CBOR encoder initialization failed: " + err.Error())
	}
}

type keyOperation struct {
	Type   string      `cbor:"type"`
	Target string      `cbor:"target"`
	Field  string      `cbor:"field"`
	Value  interface{} `cbor:"value"`
}

type keyMaterial struct {
	RunID      string         `cbor:"run_id"`
	Operations []keyOperation `cbor:"operations"`
	Nonce      string         `cbor:"nonce"`
}

// IdempotencyKey derives the key of one logical apply from the run, the
// ordered operations and the caller's nonce. Values are normalised through
// JSON first so an operation read back from storage hashes the same as the
// one that was proposed.
func IdempotencyKey(runID string, ops []domain.Operation, nonce string) (string, error) {
	material := keyMaterial{RunID: runID, Nonce: nonce, Operations: make([]keyOperation, len(ops))}
	for i, op := range ops {
		value, err := normalizeValue(op.Value)
		if err != nil {
			return "", fmt.Errorf("normalize operation %d: %w", i, err)
		}
		material.Operations[i] = keyOperation{
			Type:   string(op.Type),
			Target: op.Target,
			Field:  op.Field,
			Value:  value,
		}
	}

	encoded, err := keyEncMode.Marshal(material)
	if err != nil {
		return "", fmt.Errorf("encode key material: %w", err)
	}
	sum := blake3.Sum256(encoded)
	return keyPrefix + hex.EncodeToString(sum[:]), nil
}

func normalizeValue(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
